package config

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrKeyNotFound      = errors.New("configuration key not found")
	ErrKeyNotRegistered = errors.New("configuration key not registered")
)

// ConfigurationError reports a key that could not be resolved.
type ConfigurationError struct {
	Key    string
	Source Source
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("config %s (%s): %v", e.Key, e.Source, e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Key, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ValidationError lists every required key that failed to resolve.
type ValidationError struct {
	Failures []*ConfigurationError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, f.Error())
	}
	return fmt.Sprintf("%d configuration error(s): %s", len(e.Failures), strings.Join(msgs, "; "))
}

func (e *ValidationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}
