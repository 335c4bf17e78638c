package importer

import (
	"errors"
	"fmt"
)

var (
	// ErrNoActiveSession aborts a run: without a patient id no search is well formed.
	ErrNoActiveSession = errors.New("no active fhir session")
	// ErrUnsupportedResourceType is wrapped by ConfigurationError.
	ErrUnsupportedResourceType = errors.New("unsupported resource type")
	// ErrInvalidConfig is wrapped by FetchConfig validation failures.
	ErrInvalidConfig = errors.New("invalid fetch config")
)

// ConfigurationError reports a resource type the registry does not know.
// It signals a caller bug rather than a runtime condition.
type ConfigurationError struct {
	ResourceType string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnsupportedResourceType, e.ResourceType)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrUnsupportedResourceType
}
