package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/cfn"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.smartmachine.io/crhelper/pkg/crhelper"
	"go.smartmachine.io/crhelper/pkg/event"
)

type respondOptions struct {
	eventPath  string
	status     string
	reason     string
	physicalID string
	data       []string
	noEcho     bool
	timeout    time.Duration
}

func newRespondCmd(global *globalOptions) *cobra.Command {
	opts := &respondOptions{}

	cmd := &cobra.Command{
		Use:   "respond",
		Short: "Send a response for a saved custom resource event",
		Long: `respond PUTs a SUCCESS or FAILED response to the event's ResponseURL.

Without --physical-id the event's PhysicalResourceId is used, or a new id is
generated for Create requests.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := event.Load(opts.eventPath)
			if err != nil {
				return err
			}
			if err := e.Validate(); err != nil {
				return err
			}

			resp, err := buildResponse(e, opts)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			if err := crhelper.SendResponse(ctx, global.logger(), e.ResponseURL, resp); err != nil {
				return errors.Wrap(err, "sending response")
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s (%s)\n",
				statusColor(resp.Status).Sprint(resp.Status), e.RequestType, e.LogicalResourceID, resp.PhysicalResourceID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.eventPath, "event", "e", "", "event file (JSON or YAML)")
	cmd.Flags().StringVarP(&opts.status, "status", "s", string(cfn.StatusSuccess), "SUCCESS or FAILED")
	cmd.Flags().StringVarP(&opts.reason, "reason", "r", "", "reason shown in the stack events")
	cmd.Flags().StringVar(&opts.physicalID, "physical-id", "", "physical resource id to report")
	cmd.Flags().StringArrayVarP(&opts.data, "data", "d", nil, "response attribute as key=value (repeatable)")
	cmd.Flags().BoolVar(&opts.noEcho, "no-echo", false, "mask the response data")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "give up sending after this long")
	_ = cmd.MarkFlagRequired("event")

	return cmd
}

func buildResponse(e *event.Event, opts *respondOptions) (*cfn.Response, error) {
	status := cfn.StatusType(strings.ToUpper(opts.status))
	if status != cfn.StatusSuccess && status != cfn.StatusFailed {
		return nil, errors.Errorf("status must be SUCCESS or FAILED, got %q", opts.status)
	}

	data, err := parseData(opts.data)
	if err != nil {
		return nil, err
	}

	physicalID := opts.physicalID
	if physicalID == "" {
		physicalID = e.PhysicalResourceID
	}
	if physicalID == "" {
		physicalID = crhelper.GeneratePhysicalID(e)
	}

	return crhelper.NewResponse(e, status, opts.reason, physicalID, data, opts.noEcho), nil
}

func parseData(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	data := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, errors.Errorf("data must be key=value, got %q", pair)
		}
		data[k] = v
	}
	return data, nil
}

func statusColor(status cfn.StatusType) *color.Color {
	if status == cfn.StatusSuccess {
		return color.New(color.FgGreen, color.Bold)
	}
	return color.New(color.FgRed, color.Bold)
}
