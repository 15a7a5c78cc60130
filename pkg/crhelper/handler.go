package crhelper

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/cfn"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/pkg/errors"
	"go.smartmachine.io/crhelper/pkg/poller"
	"go.uber.org/zap"
)

const (
	// watchdogMargin is how long before the Lambda deadline the watchdog
	// reports a timeout.
	watchdogMargin = 500 * time.Millisecond
	// logFlushReserve is kept back from the Delete log flush wait.
	logFlushReserve = 15 * time.Second

	reasonTimedOut = "Execution timed out"
)

// invocation is the state of one Handle call.
type invocation struct {
	r     *Resource
	event *Event
	log   *zap.SugaredLogger

	status     cfn.StatusType
	reason     string
	physicalID string
	data       map[string]interface{}
	noEcho     bool
	respond    bool

	cancel   context.CancelFunc
	watchdog *time.Timer
	sendOnce sync.Once
}

// Handle is the Lambda entry point: lambda.Start(r.Handle).
func (r *Resource) Handle(ctx context.Context, e Event) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inv := r.newInvocation(ctx, &e, cancel)
	defer inv.stopWatchdog()

	inv.log.Debugw("Event Received", "Event", e)

	if err := e.Validate(); err != nil {
		inv.log.Errorw("invalid custom resource event", "Error", err)
		if e.ResponseURL == "" {
			return err
		}
		inv.sendStatus(ctx, cfn.StatusFailed, err.Error())
		return nil
	}

	if err := inv.run(ctx); err != nil {
		inv.log.Errorw("custom resource handler failed", "Error", err)
		inv.sendStatus(ctx, cfn.StatusFailed, err.Error())
	}
	return nil
}

func (r *Resource) newInvocation(ctx context.Context, e *Event, cancel context.CancelFunc) *invocation {
	data := map[string]interface{}{}
	if e.CrHelperData != nil {
		data = e.CrHelperData
	}

	log := r.log
	if r.settings.JSONLogging {
		var awsRequestID string
		if lc, ok := lambdacontext.FromContext(ctx); ok {
			awsRequestID = lc.AwsRequestID
		}
		log = log.With(
			"RequestType", e.RequestType,
			"StackId", e.StackID,
			"RequestId", e.RequestID,
			"LogicalResourceId", e.LogicalResourceID,
			"aws_request_id", awsRequestID,
		)
	}

	return &invocation{
		r:      r,
		event:  e,
		log:    log,
		status: cfn.StatusSuccess,
		data:   data,
		cancel: cancel,
	}
}

func (inv *invocation) run(ctx context.Context) error {
	if inv.r.initErr != nil {
		inv.sendStatus(ctx, cfn.StatusFailed, inv.r.initErr.Error())
		return nil
	}

	inv.armWatchdog(ctx)
	inv.call(ctx)

	switch {
	case inv.r.pollEnabled(inv.event.RequestType) && inv.r.settings.SAMLocal:
		inv.log.Info("Skipping poller functionality, as this is a local invocation")
	case inv.r.pollEnabled(inv.event.RequestType):
		if err := inv.pollingInit(ctx); err != nil {
			return err
		}
	default:
		inv.respond = true
	}

	inv.log.Debugw("response decision", "Respond", inv.respond, "Status", inv.status)
	if !inv.respond {
		return nil
	}

	if inv.event.RequestType == cfn.RequestDelete {
		inv.waitForLogs(ctx)
	}
	inv.resolvePhysicalID()
	inv.sendResult(ctx)
	return nil
}

// call runs the callback for this stage and records its outcome.
func (inv *invocation) call(ctx context.Context) {
	fn := inv.r.funcFor(inv.event)
	if fn == nil {
		inv.physicalID = ""
		return
	}

	req := &Request{Event: inv.event, Data: inv.data, Log: inv.log}
	id, err := safeCall(ctx, fn, req)
	inv.noEcho = req.NoEcho
	if err != nil {
		inv.log.Errorw("custom resource function failed", "Error", err)
		inv.status = cfn.StatusFailed
		inv.reason = err.Error()
		return
	}
	inv.physicalID = id
}

func safeCall(ctx context.Context, fn Func, req *Request) (id string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx, req)
}

// pollingInit schedules the poll stage after the first stage succeeds, and
// tears it down once a stage reports an id or fails.
func (inv *invocation) pollingInit(ctx context.Context) error {
	if inv.r.poller == nil {
		return errors.New("polling is not available: no AWS clients were configured")
	}

	if !inv.event.CrHelperPoll && inv.status != cfn.StatusFailed {
		inv.log.Info("Setting up polling")
		inv.data[poller.DataPhysicalResourceID] = inv.physicalID
		if err := inv.r.poller.Setup(ctx, inv.r.functionName, inv.event, inv.data); err != nil {
			return errors.Wrap(err, "setting up polling")
		}
		inv.physicalID = ""
	}

	if inv.physicalID != "" || inv.status == cfn.StatusFailed {
		inv.log.Info("Polling complete, removing cwe schedule")
		if err := inv.r.poller.Remove(ctx, inv.r.functionName, inv.event, inv.data); err != nil {
			inv.log.Errorw("failed to remove poll schedule", "Error", err)
		}
		inv.respond = true
	}
	return nil
}

// waitForLogs gives CloudWatch Logs time to receive the function's output
// before a Delete response lets CloudFormation remove the log group.
func (inv *invocation) waitForLogs(ctx context.Context) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return
	}
	timeLeft := time.Until(deadline).Truncate(time.Second) - logFlushReserve
	wait := inv.r.settings.SleepOnDelete
	if timeLeft <= wait || wait <= time.Second {
		return
	}
	inv.log.Debugw("waiting for logs to flush", "Wait", wait)
	inv.r.sleep(ctx, wait)
}

// resolvePhysicalID falls back to the id CloudFormation sent, then to a
// generated one.
func (inv *invocation) resolvePhysicalID() {
	switch {
	case inv.physicalID != "":
	case inv.event.PhysicalResourceID != "":
		inv.log.Info("PhysicalResourceId present in event, using that for response")
		inv.physicalID = inv.event.PhysicalResourceID
	default:
		inv.log.Info("No physical resource id returned by function, generating one")
		inv.physicalID = GeneratePhysicalID(inv.event)
	}
}

func (inv *invocation) armWatchdog(ctx context.Context) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return
	}
	inv.watchdog = time.AfterFunc(time.Until(deadline)-watchdogMargin, func() {
		inv.log.Error("Execution is about to time out, sending failure message")
		inv.sendStatus(ctx, cfn.StatusFailed, reasonTimedOut)
		inv.cancel()
	})
}

// stopWatchdog also closes the send guard, so a timer that fired just as
// Handle returned cannot answer for a stage that deliberately sent nothing.
func (inv *invocation) stopWatchdog() {
	if inv.watchdog != nil {
		inv.watchdog.Stop()
	}
	inv.sendOnce.Do(func() {})
}
