package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go/aws/session"
	awsssm "github.com/aws/aws-sdk-go/service/ssm"
	"github.com/satori/go.uuid"
	"go.smartmachine.io/crhelper/pkg/config"
	"go.smartmachine.io/crhelper/pkg/crhelper"
	"go.smartmachine.io/crhelper/pkg/ssm"
	"go.smartmachine.io/crhelper/pkg/util"
)

// secretParameter manages an SSM parameter holding a generated UUID.
//
//	Type: Custom::SecretParameter
//	Properties:
//	  ServiceToken: !GetAtt Function.Arn
//	  Name: /app/secret
//	  Description: optional
type secretParameter struct {
	params func(req *crhelper.Request) *ssm.Parameters
	newID  func() string
}

func (s *secretParameter) create(ctx context.Context, req *crhelper.Request) (string, error) {
	name := req.Property("Name")
	if !strings.HasPrefix(name, "/") {
		return "", util.NewError(fmt.Sprintf("Name must be an absolute parameter path, got %q", name), 400)
	}

	value := s.newID()
	if err := s.params(req).PutParameter(ctx, name, value, req.Property("Description")); err != nil {
		return "", err
	}

	req.Data["Name"] = name
	req.Data["Value"] = value
	req.NoEcho = true
	return name, nil
}

// update writes a fresh value. A changed Name yields a new physical id, and
// CloudFormation then deletes the old parameter.
func (s *secretParameter) update(ctx context.Context, req *crhelper.Request) (string, error) {
	return s.create(ctx, req)
}

func (s *secretParameter) delete(ctx context.Context, req *crhelper.Request) (string, error) {
	name := req.Event.PhysicalResourceID
	if !strings.HasPrefix(name, "/") {
		req.Log.Infow("nothing to delete, create never succeeded", "PhysicalResourceId", name)
		return name, nil
	}
	return name, s.params(req).DeleteParameter(ctx, name)
}

func main() {
	settings, settingsErr := config.FromEnv()

	sess, err := session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	})
	if err == nil && settingsErr == nil {
		if path := os.Getenv(config.EnvSSMPath); path != "" {
			settings, settingsErr = settings.WithSSM(context.Background(), ssm.New(awsssm.New(sess), nil), path)
		}
	}

	resource := crhelper.New(crhelper.WithSettings(settings))
	resource.InitFailure(settingsErr)
	resource.InitFailure(err)

	s := &secretParameter{
		params: func(req *crhelper.Request) *ssm.Parameters {
			return ssm.New(awsssm.New(sess), req.Log)
		},
		newID: func() string { return uuid.NewV4().String() },
	}

	resource.Create(s.create)
	resource.Update(s.update)
	resource.Delete(s.delete)

	lambda.Start(resource.Handle)
}
