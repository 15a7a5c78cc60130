package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/arn"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatchevents"
	"github.com/aws/aws-sdk-go/service/cloudwatchevents/cloudwatcheventsiface"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.smartmachine.io/crhelper/pkg/event"
	"go.smartmachine.io/crhelper/pkg/poller"
)

type awsClients struct {
	events cloudwatcheventsiface.CloudWatchEventsAPI
	lambda lambdaiface.LambdaAPI
}

// newClients is replaced in tests.
var newClients = func(region string) (*awsClients, error) {
	cfg := aws.NewConfig()
	if region != "" {
		cfg = cfg.WithRegion(region)
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            *cfg,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating aws session")
	}
	return &awsClients{events: cloudwatchevents.New(sess), lambda: lambda.New(sess)}, nil
}

func newCleanupCmd(global *globalOptions) *cobra.Command {
	var eventPath, functionName string

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove the poll rule, target and permission left by a poll event",
		Long: `cleanup deletes the CloudWatch Events rule that keeps re-invoking a custom
resource function, along with its target and the function's invoke
permission. The event must be a poll event (CrHelperPoll set).

The function is found from the rule's target unless --function is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := event.Load(eventPath)
			if err != nil {
				return err
			}
			if !e.CrHelperPoll || e.CrHelperRule == "" {
				return errors.New("event carries no poll schedule (CrHelperPoll/CrHelperRule missing)")
			}

			rule, err := arn.Parse(e.CrHelperRule)
			if err != nil {
				return errors.Wrapf(err, "parsing rule arn %q", e.CrHelperRule)
			}

			clients, err := newClients(rule.Region)
			if err != nil {
				return err
			}

			log := global.logger()
			if functionName == "" {
				functionName, err = targetFunction(cmd.Context(), clients.events, e.CrHelperRule)
				if err != nil {
					return err
				}
			}

			p := poller.New(clients.events, clients.lambda, poller.WithLogger(log))
			if err := p.Remove(cmd.Context(), functionName, e, e.CrHelperData); err != nil {
				return errors.Wrap(err, "removing poll schedule")
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s poll schedule %s for %s\n",
				color.New(color.FgGreen, color.Bold).Sprint("REMOVED"), poller.RuleName(e.CrHelperRule), functionName)
			return nil
		},
	}

	cmd.Flags().StringVarP(&eventPath, "event", "e", "", "poll event file (JSON or YAML)")
	cmd.Flags().StringVarP(&functionName, "function", "f", "", "function the rule invokes")
	_ = cmd.MarkFlagRequired("event")

	return cmd
}

// targetFunction reads the function name from the poll rule's target ARN.
func targetFunction(ctx context.Context, api cloudwatcheventsiface.CloudWatchEventsAPI, ruleARN string) (string, error) {
	out, err := api.ListTargetsByRuleWithContext(ctx, &cloudwatchevents.ListTargetsByRuleInput{
		Rule: aws.String(poller.RuleName(ruleARN)),
	})
	if err != nil {
		return "", errors.Wrap(err, "listing poll rule targets")
	}
	for _, target := range out.Targets {
		if aws.StringValue(target.Id) != poller.TargetID {
			continue
		}
		fn, err := arn.Parse(aws.StringValue(target.Arn))
		if err != nil {
			return "", errors.Wrap(err, "parsing target arn")
		}
		if name := strings.TrimPrefix(fn.Resource, "function:"); name != fn.Resource {
			return name, nil
		}
	}
	return "", errors.Errorf("no function target on rule %s, pass --function", poller.RuleName(ruleARN))
}
