package memguard

import (
	"errors"
	"fmt"
)

const (
	memoryLimitExceededMessageConstant  = "memory limit exceeded"
	memoryLimitExceededTemplateConstant = "memory usage exceeded limit of %g GB (used: %.3f GB)"
)

// ErrMemoryLimitExceeded matches every LimitExceededError.
var ErrMemoryLimitExceeded = errors.New(memoryLimitExceededMessageConstant)

// LimitExceededError reports memory growth above the guard's limit.
type LimitExceededError struct {
	LimitGiB float64
	UsedGiB  float64
}

// Error renders the limit and the measured growth.
func (limitError *LimitExceededError) Error() string {
	return fmt.Sprintf(memoryLimitExceededTemplateConstant, limitError.LimitGiB, limitError.UsedGiB)
}

// Is reports whether the target is ErrMemoryLimitExceeded.
func (limitError *LimitExceededError) Is(target error) bool {
	return target == ErrMemoryLimitExceeded
}
