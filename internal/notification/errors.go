package notification

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable is retryable; callers back off and try again.
	ErrStoreUnavailable = errors.New("notification store unavailable")
	ErrNotFound         = errors.New("notification not found")
	ErrValidation       = errors.New("validation failed")
)

func IsRetryable(err error) bool { return errors.Is(err, ErrStoreUnavailable) }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
