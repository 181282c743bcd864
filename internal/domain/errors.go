package domain

import (
	"errors"
	"fmt"
)

// ValidationError reports bad caller input. It is raised before any network
// work starts.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ConfigError reports missing credentials, URLs or cluster definitions.
type ConfigError struct {
	Component string
	Message   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s misconfigured: %s", e.Component, e.Message)
}

// UpstreamUnavailableError is the fatal outcome of an aggregation where no
// unit of work produced usable data.
type UpstreamUnavailableError struct {
	Report string
	Cause  string
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("%s report unavailable: %s", e.Report, e.Cause)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsConfig(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}

func IsUpstreamUnavailable(err error) bool {
	var target *UpstreamUnavailableError
	return errors.As(err, &target)
}
