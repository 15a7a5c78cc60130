package crhelper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/cfn"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.smartmachine.io/crhelper/pkg/util"
	"go.uber.org/zap"
)

const (
	maxReasonLength  = 256
	keptReasonLength = 240
	truncatedPrefix  = "ERROR: (truncated) "
)

// GeneratePhysicalID builds <stack name>_<logical id>_<8 random characters>.
func GeneratePhysicalID(e *Event) string {
	return strings.Join([]string{e.StackName(), e.LogicalResourceID, util.RandString(8)}, "_")
}

// TruncateReason keeps the tail of reasons longer than CloudFormation
// displays.
func TruncateReason(reason string) string {
	runes := []rune(reason)
	if len(runes) <= maxReasonLength {
		return reason
	}
	return truncatedPrefix + string(runes[len(runes)-keptReasonLength:])
}

// NewResponse builds the response document for e.
func NewResponse(e *Event, status cfn.StatusType, reason, physicalID string, data map[string]interface{}, noEcho bool) *cfn.Response {
	resp := cfn.NewResponse(&e.Event)
	resp.Status = status
	resp.Reason = TruncateReason(reason)
	resp.PhysicalResourceID = physicalID
	resp.Data = data
	resp.NoEcho = noEcho
	return resp
}

// sendResult reports the outcome of the invocation.
func (inv *invocation) sendResult(ctx context.Context) {
	inv.deliver(ctx, NewResponse(inv.event, inv.status, inv.reason, inv.physicalID, inv.data, inv.noEcho))
}

// sendStatus reports status without touching state a callback may still be
// changing, so the watchdog can call it at any time.
func (inv *invocation) sendStatus(ctx context.Context, status cfn.StatusType, reason string) {
	id := inv.event.PhysicalResourceID
	if id == "" {
		id = GeneratePhysicalID(inv.event)
	}
	inv.deliver(ctx, NewResponse(inv.event, status, reason, id, nil, false))
}

func (inv *invocation) deliver(ctx context.Context, resp *cfn.Response) {
	inv.sendOnce.Do(func() {
		if err := inv.r.Send(ctx, inv.log, inv.event.ResponseURL, resp); err != nil {
			inv.log.Errorw("giving up sending response to CloudFormation", "Error", err)
		}
	})
}

// RejectedError is a response the presigned URL refused, typically because
// it expired. Sending the same document again cannot succeed.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("response rejected with status %d: %s", e.StatusCode, e.Body)
}

type sendFunc func(ctx context.Context, responseURL string, resp *cfn.Response) error

// putResponse PUTs the JSON document with an empty content type. Only
// transport failures are left retryable.
func putResponse(client *http.Client) sendFunc {
	return func(ctx context.Context, responseURL string, resp *cfn.Response) error {
		body, err := json.Marshal(resp)
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "encoding response"))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, responseURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "building response request"))
		}
		req.ContentLength = int64(len(body))

		res, err := client.Do(req)
		if err != nil {
			return errors.Wrap(err, "sending response")
		}
		defer res.Body.Close()

		if res.StatusCode < 200 || res.StatusCode > 299 {
			msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
			return backoff.Permanent(&RejectedError{StatusCode: res.StatusCode, Body: string(msg)})
		}
		return nil
	}
}

// Send PUTs resp to responseURL, retrying transport failures until ctx
// ends.
func (r *Resource) Send(ctx context.Context, log *zap.SugaredLogger, responseURL string, resp *cfn.Response) error {
	if log == nil {
		log = r.log
	}
	return sendWithRetry(ctx, log, r.send, r.retryDelay, responseURL, resp)
}

// SendResponse PUTs resp to responseURL, retrying transport failures every
// five seconds until ctx ends. A non-2xx answer is returned as a
// *RejectedError without retrying.
func SendResponse(ctx context.Context, log *zap.SugaredLogger, responseURL string, resp *cfn.Response) error {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return sendWithRetry(ctx, log, putResponse(http.DefaultClient), 5*time.Second, responseURL, resp)
}

func sendWithRetry(ctx context.Context, log *zap.SugaredLogger, send sendFunc, delay time.Duration, responseURL string, resp *cfn.Response) error {
	log.Debugw("CloudFormation response", "Status", resp.Status, "PhysicalResourceId", resp.PhysicalResourceID,
		"Reason", resp.Reason, "NoEcho", resp.NoEcho)

	err := backoff.RetryNotify(
		func() error { return send(ctx, responseURL, resp) },
		backoff.WithContext(backoff.NewConstantBackOff(delay), ctx),
		func(err error, next time.Duration) {
			log.Errorw("Unexpected failure sending response to CloudFormation", "Error", err, "RetryIn", next)
		},
	)
	if err != nil {
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			log.Errorw("CloudFormation rejected the response", "StatusCode", rejected.StatusCode, "Body", rejected.Body)
		}
		return err
	}

	log.Infow("CloudFormation response sent", "Status", resp.Status)
	return nil
}
