// Package poller schedules a custom resource function to be re-invoked on a
// CloudWatch Events rule until its poll stage reports completion, and tears
// the schedule down again.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/arn"
	"github.com/aws/aws-sdk-go/service/cloudwatchevents"
	"github.com/aws/aws-sdk-go/service/cloudwatchevents/cloudwatcheventsiface"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
	"github.com/fatih/structs"
	"github.com/pkg/errors"
	"go.smartmachine.io/crhelper/pkg/event"
	"go.smartmachine.io/crhelper/pkg/util"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// TargetID is the only target the helper ever puts on a poll rule.
	TargetID = "1"

	// DataPhysicalResourceID carries the id returned by the first stage
	// into the poll stage.
	DataPhysicalResourceID = "PhysicalResourceId"
	dataCrHelperData       = "CrHelperData"
)

type Poller struct {
	events   cloudwatcheventsiface.CloudWatchEventsAPI
	lambda   lambdaiface.LambdaAPI
	interval int
	log      *zap.SugaredLogger
	suffix   func() string
}

type Option func(*Poller)

// WithInterval sets the rule schedule in minutes.
func WithInterval(minutes int) Option {
	return func(p *Poller) {
		if minutes > 0 {
			p.interval = minutes
		}
	}
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(p *Poller) {
		if log != nil {
			p.log = log
		}
	}
}

func New(eventsAPI cloudwatcheventsiface.CloudWatchEventsAPI, lambdaAPI lambdaiface.LambdaAPI, opts ...Option) *Poller {
	p := &Poller{
		events:   eventsAPI,
		lambda:   lambdaAPI,
		interval: 2,
		log:      zap.NewNop().Sugar(),
		suffix:   func() string { return util.RandString(8) },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ScheduleExpression is the rate expression used for new poll rules.
func (p *Poller) ScheduleExpression() string {
	if p.interval == 1 {
		return "rate(1 minute)"
	}
	return fmt.Sprintf("rate(%d minutes)", p.interval)
}

// Setup records data and the poll markers on e, creates the rule, lets it
// invoke functionName and targets the function with e as input. When a step
// after the rule fails, whatever was already created is removed again.
func (p *Poller) Setup(ctx context.Context, functionName string, e *event.Event, data map[string]interface{}) error {
	e.CrHelperData = data
	e.CrHelperPoll = true

	ruleARN, err := p.putRule(ctx, e.LogicalResourceID)
	if err != nil {
		return err
	}
	e.CrHelperRule = ruleARN

	if err := p.target(ctx, functionName, e); err != nil {
		p.log.Errorw("poll setup failed, removing the partial schedule", "Error", err)
		return multierr.Append(err, p.Remove(ctx, functionName, e, nil))
	}
	return nil
}

func (p *Poller) target(ctx context.Context, functionName string, e *event.Event) error {
	sid, err := p.addPermission(ctx, functionName, e.LogicalResourceID, e.CrHelperRule)
	if err != nil {
		return err
	}
	e.CrHelperPermission = sid

	return p.putTargets(ctx, functionName, e)
}

// Remove drops the poll bookkeeping from data and deletes the target,
// permission and rule recorded in e. Every step is attempted; a step whose
// identifier is missing from e is logged and skipped.
func (p *Poller) Remove(ctx context.Context, functionName string, e *event.Event, data map[string]interface{}) error {
	if data != nil {
		delete(data, dataCrHelperData)
		delete(data, DataPhysicalResourceID)
	}

	var err error
	if e.CrHelperRule != "" {
		err = multierr.Append(err, p.removeTargets(ctx, e.CrHelperRule))
	} else {
		p.log.Error("Cannot remove CloudWatch events rule targets, rule arn not available in event")
	}
	if e.CrHelperPermission != "" {
		err = multierr.Append(err, p.removePermission(ctx, functionName, e.CrHelperPermission))
	} else {
		p.log.Error("Cannot remove lambda events permission, permission id not available in event")
	}
	if e.CrHelperRule != "" {
		err = multierr.Append(err, p.deleteRule(ctx, e.CrHelperRule))
	} else {
		p.log.Error("Cannot remove CloudWatch events rule, rule arn not available in event")
	}
	return err
}

func (p *Poller) putRule(ctx context.Context, logicalID string) (string, error) {
	putRuleRequest := &cloudwatchevents.PutRuleInput{
		Name:               aws.String(logicalID + p.suffix()),
		ScheduleExpression: aws.String(p.ScheduleExpression()),
		State:              aws.String(cloudwatchevents.RuleStateEnabled),
	}

	p.log.Infow("Events PutRule Request", "Request", structs.Map(putRuleRequest))

	putRuleResponse, err := p.events.PutRuleWithContext(ctx, putRuleRequest)
	if err != nil {
		util.LogAWSError(p.log, "Events PutRule Error", err)
		return "", errors.Wrap(err, "creating poll rule")
	}

	p.log.Infow("Events PutRule Response", "Response", structs.Map(putRuleResponse))

	return aws.StringValue(putRuleResponse.RuleArn), nil
}

func (p *Poller) addPermission(ctx context.Context, functionName, logicalID, ruleARN string) (string, error) {
	sid := logicalID + p.suffix()
	addPermissionRequest := &lambda.AddPermissionInput{
		FunctionName: aws.String(functionName),
		StatementId:  aws.String(sid),
		Action:       aws.String("lambda:InvokeFunction"),
		Principal:    aws.String("events.amazonaws.com"),
		SourceArn:    aws.String(ruleARN),
	}

	p.log.Infow("Lambda AddPermission Request", "Request", structs.Map(addPermissionRequest))

	if _, err := p.lambda.AddPermissionWithContext(ctx, addPermissionRequest); err != nil {
		util.LogAWSError(p.log, "Lambda AddPermission Error", err)
		return "", errors.Wrap(err, "granting poll rule invoke permission")
	}
	return sid, nil
}

func (p *Poller) putTargets(ctx context.Context, functionName string, e *event.Event) error {
	rule, err := arn.Parse(e.CrHelperRule)
	if err != nil {
		return errors.Wrapf(err, "parsing rule arn %q", e.CrHelperRule)
	}

	input, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encoding poll event")
	}

	putTargetsRequest := &cloudwatchevents.PutTargetsInput{
		Rule: aws.String(RuleName(e.CrHelperRule)),
		Targets: []*cloudwatchevents.Target{
			{
				Id:    aws.String(TargetID),
				Arn:   aws.String(FunctionARN(rule, functionName)),
				Input: aws.String(string(input)),
			},
		},
	}

	p.log.Debugw("Events PutTargets Request", "Rule", *putTargetsRequest.Rule, "Input", string(input))

	putTargetsResponse, err := p.events.PutTargetsWithContext(ctx, putTargetsRequest)
	if err != nil {
		util.LogAWSError(p.log, "Events PutTargets Error", err)
		return errors.Wrap(err, "targeting poll rule")
	}
	if aws.Int64Value(putTargetsResponse.FailedEntryCount) > 0 && len(putTargetsResponse.FailedEntries) > 0 {
		entry := putTargetsResponse.FailedEntries[0]
		return errors.Errorf("targeting poll rule: %s: %s",
			aws.StringValue(entry.ErrorCode), aws.StringValue(entry.ErrorMessage))
	}
	return nil
}

func (p *Poller) removeTargets(ctx context.Context, ruleARN string) error {
	removeTargetsRequest := &cloudwatchevents.RemoveTargetsInput{
		Rule: aws.String(RuleName(ruleARN)),
		Ids:  aws.StringSlice([]string{TargetID}),
	}

	p.log.Infow("Events RemoveTargets Request", "Request", structs.Map(removeTargetsRequest))

	_, err := p.events.RemoveTargetsWithContext(ctx, removeTargetsRequest)
	if err != nil {
		if util.IsAWSErrorCode(err, cloudwatchevents.ErrCodeResourceNotFoundException) {
			p.log.Warnw("poll rule already gone", "Rule", ruleARN)
			return nil
		}
		util.LogAWSError(p.log, "Events RemoveTargets Error", err)
		return errors.Wrap(err, "removing poll rule targets")
	}
	return nil
}

func (p *Poller) removePermission(ctx context.Context, functionName, sid string) error {
	removePermissionRequest := &lambda.RemovePermissionInput{
		FunctionName: aws.String(functionName),
		StatementId:  aws.String(sid),
	}

	p.log.Infow("Lambda RemovePermission Request", "Request", structs.Map(removePermissionRequest))

	_, err := p.lambda.RemovePermissionWithContext(ctx, removePermissionRequest)
	if err != nil {
		if util.IsAWSErrorCode(err, lambda.ErrCodeResourceNotFoundException) {
			p.log.Warnw("poll permission already gone", "StatementId", sid)
			return nil
		}
		util.LogAWSError(p.log, "Lambda RemovePermission Error", err)
		return errors.Wrap(err, "removing poll rule invoke permission")
	}
	return nil
}

func (p *Poller) deleteRule(ctx context.Context, ruleARN string) error {
	deleteRuleRequest := &cloudwatchevents.DeleteRuleInput{
		Name: aws.String(RuleName(ruleARN)),
	}

	p.log.Infow("Events DeleteRule Request", "Request", structs.Map(deleteRuleRequest))

	_, err := p.events.DeleteRuleWithContext(ctx, deleteRuleRequest)
	if err != nil {
		if util.IsAWSErrorCode(err, cloudwatchevents.ErrCodeResourceNotFoundException) {
			return nil
		}
		util.LogAWSError(p.log, "Events DeleteRule Error", err)
		return errors.Wrap(err, "deleting poll rule")
	}
	return nil
}

// RuleName returns the name part of a rule ARN (…:rule/<name>).
func RuleName(ruleARN string) string {
	return ruleARN[strings.LastIndex(ruleARN, "/")+1:]
}

// FunctionARN builds the ARN of functionName in the rule's partition,
// region and account.
func FunctionARN(rule arn.ARN, functionName string) string {
	return fmt.Sprintf("arn:%s:lambda:%s:%s:function:%s", rule.Partition, rule.Region, rule.AccountID, functionName)
}
