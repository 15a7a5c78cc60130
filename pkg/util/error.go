package util

import (
	"github.com/aws/aws-sdk-go/aws/awserr"
	"go.uber.org/zap"
)

// LambdaError is returned from sample functions when a request is invalid.
type LambdaError struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func NewError(message string, status int) error {
	return &LambdaError{Message: message, Status: status}
}

func (le *LambdaError) Error() string {
	return le.Message
}

// LogAWSError logs err, adding the service error code when err came back
// from an AWS API call.
func LogAWSError(log *zap.SugaredLogger, msg string, err error, keysAndValues ...interface{}) {
	if aerr, ok := err.(awserr.Error); ok {
		keysAndValues = append(keysAndValues, "Code", aerr.Code(), "Message", aerr.Message())
		if rerr, ok := err.(awserr.RequestFailure); ok {
			keysAndValues = append(keysAndValues, "StatusCode", rerr.StatusCode(), "AWSRequestID", rerr.RequestID())
		}
	}
	log.Errorw(msg, append(keysAndValues, "Error", err)...)
}

// IsAWSErrorCode reports whether err is an AWS service error with one of
// the given codes.
func IsAWSErrorCode(err error, codes ...string) bool {
	aerr, ok := err.(awserr.Error)
	if !ok {
		return false
	}
	for _, code := range codes {
		if aerr.Code() == code {
			return true
		}
	}
	return false
}
