// Package event holds the CloudFormation custom resource request as the
// helper sees it, including the markers it adds while polling.
package event

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/cfn"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Event is a cfn.Event plus the poll state carried between invocations.
// The poll fields travel inside the event that the scheduled rule sends
// back to the function.
type Event struct {
	cfn.Event

	CrHelperPoll       bool                   `json:"CrHelperPoll,omitempty"`
	CrHelperData       map[string]interface{} `json:"CrHelperData,omitempty"`
	CrHelperRule       string                 `json:"CrHelperRule,omitempty"`
	CrHelperPermission string                 `json:"CrHelperPermission,omitempty"`
}

// StackName extracts the stack name from the StackId ARN
// (arn:aws:cloudformation:region:account:stack/<name>/<guid>).
func (e *Event) StackName() string {
	parts := strings.Split(e.StackID, "/")
	if len(parts) < 2 {
		return e.StackID
	}
	return parts[1]
}

// Validate checks the fields every response depends on.
func (e *Event) Validate() error {
	var missing []string
	if e.RequestType == "" {
		missing = append(missing, "RequestType")
	}
	if e.ResponseURL == "" {
		missing = append(missing, "ResponseURL")
	}
	if e.StackID == "" {
		missing = append(missing, "StackId")
	}
	if e.RequestID == "" {
		missing = append(missing, "RequestId")
	}
	if e.LogicalResourceID == "" {
		missing = append(missing, "LogicalResourceId")
	}
	if len(missing) > 0 {
		return errors.Errorf("event is missing %s", strings.Join(missing, ", "))
	}
	switch e.RequestType {
	case cfn.RequestCreate, cfn.RequestUpdate, cfn.RequestDelete:
		return nil
	}
	return errors.Errorf("unknown RequestType %q", e.RequestType)
}

// Decode parses an event from JSON or YAML.
func Decode(data []byte) (*Event, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty event")
	}

	if trimmed[0] != '{' {
		var doc map[string]interface{}
		if err := yaml.Unmarshal(trimmed, &doc); err != nil {
			return nil, errors.Wrap(err, "parsing yaml event")
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, errors.Wrap(err, "converting yaml event")
		}
		trimmed = converted
	}

	e := &Event{}
	if err := json.Unmarshal(trimmed, e); err != nil {
		return nil, errors.Wrap(err, "parsing json event")
	}
	return e, nil
}

// Load reads an event file.
func Load(path string) (*Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading event %s", path)
	}
	e, err := Decode(data)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return e, nil
}
