package gateway

import (
	"errors"
	"fmt"
	"strings"

	"github.com/parleyhq/parley/internal/provider"
)

// ErrNoProviderAvailable means no healthy or degraded descriptor exists
// for the requested capability.
var ErrNoProviderAvailable = errors.New("no provider available")

// ErrUnknownDescriptor is returned by ReportRecovery for an unregistered id.
var ErrUnknownDescriptor = errors.New("unknown provider descriptor")

// Attempt records one failed call during ordered fallback.
type Attempt struct {
	DescriptorID string
	Name         string
	Err          error
}

// ExhaustedError is returned when every eligible descriptor for a
// capability has been tried and failed.
type ExhaustedError struct {
	Capability provider.Capability
	Attempts   []Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Name, a.Err))
	}
	return fmt.Sprintf("%s providers exhausted after %d attempts (%s)", e.Capability, len(e.Attempts), strings.Join(parts, "; "))
}

// Unwrap exposes the last attempt's error for errors.Is chains.
func (e *ExhaustedError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}
