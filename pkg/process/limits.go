package process

import (
	"errors"
	"fmt"

	"kproc/pkg/abi"
)

// ResourceType represents the type of resource being limited.
type ResourceType string

const (
	// ResourceProcesses is the number of live processes in the system.
	ResourceProcesses ResourceType = "processes"
	// ResourceThreads is the number of live threads in one process.
	ResourceThreads ResourceType = "threads"
)

// Limits defines the identity-table limits. Zero means unlimited.
type Limits struct {
	// MaxProcesses is the maximum number of registered processes.
	MaxProcesses int
	// MaxThreads is the maximum number of live threads per process.
	MaxThreads int
}

// DefaultLimits returns the default limits.
func DefaultLimits() *Limits {
	return &Limits{
		MaxProcesses: 4096,
		MaxThreads:   1024,
	}
}

func (l *Limits) check(typ ResourceType, limit, used int) error {
	if limit > 0 && used >= limit {
		return &LimitError{
			Type:    typ,
			Limit:   int64(limit),
			Used:    int64(used),
			Message: fmt.Sprintf("%s limit exceeded", typ),
		}
	}
	return nil
}

// LimitError represents a resource limit violation. It matches
// abi.EAGAIN, which clone reports for it.
type LimitError struct {
	Type    ResourceType
	Limit   int64
	Used    int64
	Message string
}

// Error returns the error message.
func (e *LimitError) Error() string {
	return e.Message
}

func (e *LimitError) Unwrap() error {
	return abi.EAGAIN
}

// IsLimitError checks if an error is a limit error.
func IsLimitError(err error) bool {
	var le *LimitError
	return errors.As(err, &le)
}
