// Package config collects the helper's tunables from the environment and,
// optionally, from SSM parameters.
package config

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.smartmachine.io/crhelper/pkg/logging"
)

const (
	EnvLogLevel        = "CRHELPER_LOG_LEVEL"
	EnvAWSLogLevel     = "CRHELPER_AWS_LOG_LEVEL"
	EnvJSONLogging     = "CRHELPER_JSON_LOGGING"
	EnvPollingInterval = "CRHELPER_POLLING_INTERVAL"
	EnvSleepOnDelete   = "CRHELPER_SLEEP_ON_DELETE"
	EnvRegion          = "AWS_REGION"
	EnvSAMLocal        = "AWS_SAM_LOCAL"
	// EnvSSMPath names an SSM path whose parameters override the
	// environment. Functions opt in by calling WithSSM.
	EnvSSMPath = "CRHELPER_SSM_PATH"
)

// SSM parameter names, relative to the configured path.
const (
	ParamLogLevel        = "log_level"
	ParamAWSLogLevel     = "aws_log_level"
	ParamJSONLogging     = "json_logging"
	ParamPollingInterval = "polling_interval"
	ParamSleepOnDelete   = "sleep_on_delete"
)

type Settings struct {
	LogLevel    string
	AWSLogLevel string
	JSONLogging bool
	// PollingInterval is the poll rule schedule in whole minutes.
	PollingInterval int
	// SleepOnDelete is how long a Delete waits for CloudWatch Logs to
	// flush before responding.
	SleepOnDelete time.Duration
	Region        string
	// SAMLocal is set when running under `sam local`, where no AWS clients
	// are built and polling is skipped.
	SAMLocal bool
}

func Default() Settings {
	return Settings{
		LogLevel:        logging.DefaultLevel,
		AWSLogLevel:     "ERROR",
		PollingInterval: 2,
		SleepOnDelete:   120 * time.Second,
	}
}

// FromEnv returns the defaults overridden by the process environment.
func FromEnv() (Settings, error) {
	return fromLookup(Default(), os.LookupEnv)
}

// ParameterReader is satisfied by *ssm.Parameters.
type ParameterReader interface {
	GetParametersByPath(ctx context.Context, path string) (map[string]string, error)
}

// WithSSM overlays the parameters found below path on s.
func (s Settings) WithSSM(ctx context.Context, reader ParameterReader, path string) (Settings, error) {
	params, err := reader.GetParametersByPath(ctx, path)
	if err != nil {
		return s, errors.Wrapf(err, "reading settings from %s", path)
	}
	keys := map[string]string{
		ParamLogLevel:        EnvLogLevel,
		ParamAWSLogLevel:     EnvAWSLogLevel,
		ParamJSONLogging:     EnvJSONLogging,
		ParamPollingInterval: EnvPollingInterval,
		ParamSleepOnDelete:   EnvSleepOnDelete,
	}
	return fromLookup(s, func(env string) (string, bool) {
		for param, key := range keys {
			if key == env {
				v, ok := params[param]
				return v, ok
			}
		}
		return "", false
	})
}

func fromLookup(s Settings, lookup func(string) (string, bool)) (Settings, error) {
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		if _, err := logging.ParseLevel(v); err != nil {
			return s, errors.Wrap(err, EnvLogLevel)
		}
		s.LogLevel = strings.ToUpper(v)
	}
	if v, ok := lookup(EnvAWSLogLevel); ok && v != "" {
		if _, err := logging.ParseLevel(v); err != nil {
			return s, errors.Wrap(err, EnvAWSLogLevel)
		}
		s.AWSLogLevel = strings.ToUpper(v)
	}
	if v, ok := lookup(EnvJSONLogging); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return s, errors.Wrapf(err, "%s must be a boolean", EnvJSONLogging)
		}
		s.JSONLogging = b
	}
	if v, ok := lookup(EnvPollingInterval); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return s, errors.Wrapf(err, "%s must be a number of minutes", EnvPollingInterval)
		}
		if n < 1 {
			return s, errors.Errorf("%s must be at least 1, got %d", EnvPollingInterval, n)
		}
		s.PollingInterval = n
	}
	if v, ok := lookup(EnvSleepOnDelete); ok && v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return s, errors.Wrap(err, EnvSleepOnDelete)
		}
		s.SleepOnDelete = d
	}
	if v, ok := lookup(EnvRegion); ok {
		s.Region = v
	}
	if v, ok := lookup(EnvSAMLocal); ok && v != "" {
		s.SAMLocal = true
	}
	return s, nil
}

// parseSeconds accepts a bare number of seconds or a Go duration.
func parseSeconds(v string) (time.Duration, error) {
	var d time.Duration
	if n, err := strconv.Atoi(v); err == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(v); err != nil {
		return 0, errors.Errorf("invalid duration %q", v)
	}
	if d < 0 {
		return 0, errors.Errorf("negative duration %q", v)
	}
	return d, nil
}
