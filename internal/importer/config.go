package importer

import (
	"fmt"
	"time"
)

// maxPagesUnbounded caps traversal when no per-type limit is configured.
const maxPagesUnbounded = 1000

// FetchConfig is the policy for one run. It is not modified once a run starts.
type FetchConfig struct {
	// MaxResourcesPerType caps each type's result. 0 means unbounded.
	MaxResourcesPerType int `json:"maxResourcesPerType,omitempty"`
	PageSize            int `json:"pageSize"`
	// Since restricts every search to resources updated after this instant.
	Since *time.Time `json:"since,omitempty"`
	// ResourceTypes overrides DefaultResourceTypes when non-empty.
	ResourceTypes  []string      `json:"resourceTypes,omitempty"`
	IncludePatient bool          `json:"includePatient"`
	RequestTimeout time.Duration `json:"requestTimeout"`
	RetryAttempts  int           `json:"retryAttempts"`
	RetryDelay     time.Duration `json:"retryDelay"`
}

// DefaultFetchConfig returns the policy used when nothing is configured.
func DefaultFetchConfig() FetchConfig {
	return FetchConfig{
		PageSize:       50,
		IncludePatient: true,
		RequestTimeout: 30 * time.Second,
		RetryAttempts:  3,
		RetryDelay:     time.Second,
	}
}

// Validate checks the config invariants and that every configured resource
// type is known to reg.
func (c FetchConfig) Validate(reg *Registry) error {
	if c.PageSize < 1 {
		return fmt.Errorf("%w: page size must be at least 1, got %d", ErrInvalidConfig, c.PageSize)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("%w: retry attempts must not be negative, got %d", ErrInvalidConfig, c.RetryAttempts)
	}
	if c.MaxResourcesPerType < 0 {
		return fmt.Errorf("%w: max resources per type must not be negative, got %d", ErrInvalidConfig, c.MaxResourcesPerType)
	}
	if c.RetryDelay < 0 || c.RequestTimeout < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	for _, rt := range c.EffectiveResourceTypes() {
		if rt == TypePatient {
			return fmt.Errorf("%w: %s is fetched by id, use IncludePatient", ErrInvalidConfig, TypePatient)
		}
		if _, err := reg.Lookup(rt); err != nil {
			return err
		}
	}
	return nil
}

// EffectiveResourceTypes returns the types to fetch, in fetch order.
func (c FetchConfig) EffectiveResourceTypes() []string {
	src := c.ResourceTypes
	if len(src) == 0 {
		src = DefaultResourceTypes
	}
	out := make([]string, len(src))
	copy(out, src)
	return out
}

// MaxPages is the page ceiling for one resource type.
func (c FetchConfig) MaxPages() int {
	if c.MaxResourcesPerType <= 0 {
		return maxPagesUnbounded
	}
	return (c.MaxResourcesPerType + c.PageSize - 1) / c.PageSize
}
