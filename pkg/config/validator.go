package config

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Validate checks structural invariants of a loaded Config. It is run once
// at startup, after defaults have been applied. Every violation found is
// reported, not just the first, so a misconfigured timeboxd.yaml can be
// fixed in one pass.
func Validate(c *Config) error {
	var result *multierror.Error

	switch c.Store.Backend {
	case BackendNotion, BackendMem0, BackendOther:
	default:
		result = multierror.Append(result, NewValidationError("store", "backend", fmt.Errorf("%w: %q", ErrInvalidValue, c.Store.Backend)))
	}

	if c.Store.Backend == BackendOther {
		if c.Store.Host == "" {
			result = multierror.Append(result, NewValidationError("store", "host", ErrMissingRequiredField))
		}
		if c.Store.Database == "" {
			result = multierror.Append(result, NewValidationError("store", "database", ErrMissingRequiredField))
		}
	}

	if _, ok := c.Models["default"]; !ok {
		result = multierror.Append(result, NewValidationError("models", "default", ErrMissingRequiredField))
	}
	for role, m := range c.Models {
		if m.Model == "" {
			result = multierror.Append(result, NewValidationError("models", role+".model", ErrMissingRequiredField))
		}
	}

	if c.Calendar.OwnedIDPrefix == "" {
		result = multierror.Append(result, NewValidationError("calendar", "owned_id_prefix", ErrMissingRequiredField))
	}
	if c.Reconcile.FuzzyToleranceMinutes < 0 {
		result = multierror.Append(result, NewValidationError("reconcile", "fuzzy_tolerance_minutes", ErrInvalidValue))
	}
	if c.Patcher.MaxAttempts < 1 {
		result = multierror.Append(result, NewValidationError("patcher", "max_attempts", ErrInvalidValue))
	}
	if c.Concurrency.ConstraintExtraction < 1 || c.Concurrency.DurablePrefetch < 1 || c.Concurrency.DurableUpsert < 1 {
		result = multierror.Append(result, NewValidationError("concurrency", "", fmt.Errorf("%w: all limits must be >= 1", ErrInvalidValue)))
	}

	return result.ErrorOrNil()
}
