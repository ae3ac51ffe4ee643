package fetch

import (
	"errors"
	"fmt"
)

// ErrConfiguration is wrapped by every rejection of job parameters. Such
// errors surface before a job record exists.
var ErrConfiguration = errors.New("fetch: invalid configuration")

var (
	ErrInvalidJobType = fmt.Errorf("%w: unknown job type", ErrConfiguration)
	ErrInvalidWorkers = fmt.Errorf("%w: max_workers must be positive", ErrConfiguration)
	ErrInvalidTimeout = fmt.Errorf("%w: timeout must be positive", ErrConfiguration)
	ErrInvalidAction  = fmt.Errorf("%w: unknown bulk action", ErrConfiguration)
	ErrNoProxyIDs     = fmt.Errorf("%w: no proxy ids given", ErrConfiguration)
)

// StoreError is a storage failure during a run. It is fatal to that job
// only.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeError(op string, err error) error {
	var existing *StoreError
	if errors.As(err, &existing) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
