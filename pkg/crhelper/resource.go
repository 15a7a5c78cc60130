// Package crhelper turns CloudFormation custom resource Lambda invocations
// into a create/update/delete lifecycle with an optional poll stage.
//
//	r := crhelper.New()
//	r.Create(createThing)
//	r.PollCreate(waitForThing)
//	r.Delete(deleteThing)
//	lambda.Start(r.Handle)
//
// Every invocation produces exactly one response to the request's
// ResponseURL, including when a callback fails, panics or runs out of time.
package crhelper

import (
	"context"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/cfn"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatchevents"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/pkg/errors"
	"go.smartmachine.io/crhelper/pkg/config"
	"go.smartmachine.io/crhelper/pkg/event"
	"go.smartmachine.io/crhelper/pkg/logging"
	"go.smartmachine.io/crhelper/pkg/poller"
	"go.uber.org/zap"
)

type Event = event.Event

// Func handles one stage of a request. It returns the physical resource id.
// A poll stage returns "" until the resource is ready.
type Func func(ctx context.Context, req *Request) (physicalResourceID string, err error)

// Request is what a Func sees of the current invocation.
type Request struct {
	Event *Event
	// Data is returned to CloudFormation as the resource's attributes. In
	// a poll stage it holds whatever the earlier stages stored in it.
	Data map[string]interface{}
	// NoEcho masks Data in the CloudFormation console and API.
	NoEcho bool
	Log    *zap.SugaredLogger
}

// PhysicalResourceID returns the id handed over from the first stage when
// polling, and otherwise the id CloudFormation sent.
func (r *Request) PhysicalResourceID() string {
	if id, ok := r.Data[poller.DataPhysicalResourceID].(string); ok && id != "" {
		return id
	}
	return r.Event.PhysicalResourceID
}

// Property returns a string resource property, or "" when it is missing
// or not a string.
func (r *Request) Property(name string) string {
	v, _ := r.Event.ResourceProperties[name].(string)
	return v
}

type Resource struct {
	funcs     map[cfn.RequestType]Func
	pollFuncs map[cfn.RequestType]Func

	settings       config.Settings
	customSettings bool
	log            *zap.SugaredLogger
	poller         *poller.Poller
	functionName   string
	initErr        error

	sleep      func(context.Context, time.Duration)
	send       sendFunc
	retryDelay time.Duration
}

type Option func(*Resource)

// WithSettings replaces the settings read from the environment.
func WithSettings(s config.Settings) Option {
	return func(r *Resource) {
		r.settings = s
		r.customSettings = true
	}
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(r *Resource) {
		r.log = log
	}
}

// WithPoller supplies the poller instead of building one from an AWS
// session.
func WithPoller(p *poller.Poller) Option {
	return func(r *Resource) {
		r.poller = p
	}
}

// WithFunctionName overrides the function name the poll rule targets.
// It defaults to the running Lambda function.
func WithFunctionName(name string) Option {
	return func(r *Resource) {
		r.functionName = name
	}
}

// New builds a Resource. Settings come from the environment unless
// WithSettings is given. Failures while building AWS clients are recorded
// and reported as FAILED on every invocation.
func New(opts ...Option) *Resource {
	settings, settingsErr := config.FromEnv()

	r := &Resource{
		funcs:        map[cfn.RequestType]Func{},
		pollFuncs:    map[cfn.RequestType]Func{},
		settings:     settings,
		functionName: lambdacontext.FunctionName,
		sleep:        sleepContext,
		send:         putResponse(http.DefaultClient),
		retryDelay:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.log == nil {
		r.log = logging.New(logging.Options{Level: r.settings.LogLevel, JSON: r.settings.JSONLogging})
	}
	if settingsErr != nil && !r.customSettings {
		r.InitFailure(settingsErr)
	}

	if r.poller == nil && !r.settings.SAMLocal {
		cfg := aws.NewConfig().
			WithLogLevel(*logging.AWSLogLevel(r.settings.AWSLogLevel)).
			WithLogger(logging.AWSLogger(r.log))
		if r.settings.Region != "" {
			cfg = cfg.WithRegion(r.settings.Region)
		}
		sess, err := session.NewSessionWithOptions(session.Options{
			Config:            *cfg,
			SharedConfigState: session.SharedConfigEnable,
		})
		if err != nil {
			r.InitFailure(errors.Wrap(err, "creating aws session"))
		} else {
			r.poller = poller.New(cloudwatchevents.New(sess), lambda.New(sess),
				poller.WithInterval(r.settings.PollingInterval),
				poller.WithLogger(r.log))
		}
	}
	return r
}

// InitFailure records an error from the function's own initialisation.
// Later invocations report it as FAILED without running any callbacks.
func (r *Resource) InitFailure(err error) {
	if err == nil {
		return
	}
	r.initErr = err
	r.log.Errorw("initialisation failed", "RequestType", "ContainerInit", "Error", err)
}

func (r *Resource) Create(fn Func)     { r.funcs[cfn.RequestCreate] = fn }
func (r *Resource) Update(fn Func)     { r.funcs[cfn.RequestUpdate] = fn }
func (r *Resource) Delete(fn Func)     { r.funcs[cfn.RequestDelete] = fn }
func (r *Resource) PollCreate(fn Func) { r.pollFuncs[cfn.RequestCreate] = fn }
func (r *Resource) PollUpdate(fn Func) { r.pollFuncs[cfn.RequestUpdate] = fn }
func (r *Resource) PollDelete(fn Func) { r.pollFuncs[cfn.RequestDelete] = fn }

// funcFor picks the callback for a request: the poll stage once the event
// carries the poll marker.
func (r *Resource) funcFor(e *Event) Func {
	if e.CrHelperPoll {
		return r.pollFuncs[e.RequestType]
	}
	return r.funcs[e.RequestType]
}

func (r *Resource) pollEnabled(requestType cfn.RequestType) bool {
	return r.pollFuncs[requestType] != nil
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
