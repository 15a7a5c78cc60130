package ssm

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/aws/aws-sdk-go/service/ssm/ssmiface"
	"github.com/fatih/structs"
	"github.com/pkg/errors"
	"go.smartmachine.io/crhelper/pkg/util"
	"go.uber.org/zap"
)

// Parameters reads SSM parameters and logs every call.
type Parameters struct {
	api ssmiface.SSMAPI
	log *zap.SugaredLogger
}

func New(api ssmiface.SSMAPI, log *zap.SugaredLogger) *Parameters {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Parameters{api: api, log: log}
}

// GetParameters returns the named parameters keyed by name. Names SSM does
// not know about are an error.
func (p *Parameters) GetParameters(ctx context.Context, names ...string) (map[string]string, error) {
	getParametersRequest := &ssm.GetParametersInput{
		Names:          aws.StringSlice(names),
		WithDecryption: aws.Bool(true),
	}

	p.log.Debugw("SSM GetParameters Request", "Request", structs.Map(getParametersRequest))

	getParametersResponse, err := p.api.GetParametersWithContext(ctx, getParametersRequest)
	if err != nil {
		util.LogAWSError(p.log, "SSM GetParameters Error", err)
		return nil, err
	}

	p.log.Debugw("SSM GetParameters Response", "Names", len(getParametersResponse.Parameters),
		"InvalidParameters", aws.StringValueSlice(getParametersResponse.InvalidParameters))

	if len(getParametersResponse.InvalidParameters) > 0 {
		return nil, errors.Errorf("unknown ssm parameters: %s",
			strings.Join(aws.StringValueSlice(getParametersResponse.InvalidParameters), ", "))
	}

	params := make(map[string]string, len(getParametersResponse.Parameters))
	for _, param := range getParametersResponse.Parameters {
		params[aws.StringValue(param.Name)] = aws.StringValue(param.Value)
	}
	return params, nil
}

// GetParametersByPath returns every parameter below path, keyed by the
// name relative to path.
func (p *Parameters) GetParametersByPath(ctx context.Context, path string) (map[string]string, error) {
	prefix := strings.TrimSuffix(path, "/") + "/"
	getParametersRequest := &ssm.GetParametersByPathInput{
		Path:           aws.String(strings.TrimSuffix(prefix, "/")),
		Recursive:      aws.Bool(true),
		WithDecryption: aws.Bool(true),
	}

	p.log.Debugw("SSM GetParametersByPath Request", "Request", structs.Map(getParametersRequest))

	params := map[string]string{}
	err := p.api.GetParametersByPathPagesWithContext(ctx, getParametersRequest,
		func(page *ssm.GetParametersByPathOutput, lastPage bool) bool {
			for _, param := range page.Parameters {
				name := strings.TrimPrefix(aws.StringValue(param.Name), prefix)
				params[name] = aws.StringValue(param.Value)
			}
			return true
		})
	if err != nil {
		util.LogAWSError(p.log, "SSM GetParametersByPath Error", err, "Path", path)
		return nil, err
	}

	p.log.Debugw("SSM GetParametersByPath Response", "Path", path, "Count", len(params))

	return params, nil
}

// PutParameter writes a String parameter, replacing any existing value.
func (p *Parameters) PutParameter(ctx context.Context, name, value, description string) error {
	putParameterRequest := &ssm.PutParameterInput{
		Name:      aws.String(name),
		Value:     aws.String(value),
		Type:      aws.String(ssm.ParameterTypeString),
		Overwrite: aws.Bool(true),
	}
	if description != "" {
		putParameterRequest.Description = aws.String(description)
	}

	p.log.Infow("SSM PutParameter Request", "Name", name)

	putParameterResponse, err := p.api.PutParameterWithContext(ctx, putParameterRequest)
	if err != nil {
		util.LogAWSError(p.log, "SSM PutParameter Error", err, "Name", name)
		return err
	}

	p.log.Infow("SSM PutParameter Response", "Response", structs.Map(putParameterResponse))
	return nil
}

// DeleteParameter removes a parameter. A parameter that is already gone is
// not an error.
func (p *Parameters) DeleteParameter(ctx context.Context, name string) error {
	p.log.Infow("SSM DeleteParameter Request", "Name", name)

	_, err := p.api.DeleteParameterWithContext(ctx, &ssm.DeleteParameterInput{Name: aws.String(name)})
	if err != nil {
		if util.IsAWSErrorCode(err, ssm.ErrCodeParameterNotFound) {
			p.log.Warnw("SSM parameter already deleted", "Name", name)
			return nil
		}
		util.LogAWSError(p.log, "SSM DeleteParameter Error", err, "Name", name)
		return err
	}
	return nil
}
