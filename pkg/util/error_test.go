package util

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLambdaError(t *testing.T) {
	err := NewError("code is invalid", 400)
	assert.EqualError(t, err, "code is invalid")

	var lerr *LambdaError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, 400, lerr.Status)
}

func TestLogAWSError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core).Sugar()

	aerr := awserr.NewRequestFailure(awserr.New("ResourceNotFoundException", "no such rule", nil), 400, "req-1")
	LogAWSError(log, "events RemoveTargets error", aerr, "Rule", "my-rule")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "my-rule", fields["Rule"])
	assert.Equal(t, "ResourceNotFoundException", fields["Code"])
	assert.Equal(t, int64(400), fields["StatusCode"])
	assert.Equal(t, "req-1", fields["AWSRequestID"])

	LogAWSError(log, "plain error", errors.New("boom"))
	require.Equal(t, 2, logs.Len())
	_, hasCode := logs.All()[1].ContextMap()["Code"]
	assert.False(t, hasCode)
}

func TestIsAWSErrorCode(t *testing.T) {
	aerr := awserr.New("ResourceNotFoundException", "gone", nil)
	assert.True(t, IsAWSErrorCode(aerr, "Throttling", "ResourceNotFoundException"))
	assert.False(t, IsAWSErrorCode(aerr, "Throttling"))
	assert.False(t, IsAWSErrorCode(errors.New("ResourceNotFoundException")))
}
