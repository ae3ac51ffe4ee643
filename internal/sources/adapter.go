package sources

import (
	"context"
	"errors"
	"fmt"

	"proxyharvest/internal/domain"
)

var (
	ErrMissingCredentials = errors.New("sources: missing credentials")
	ErrUnknownService     = errors.New("sources: unknown service")
)

// Adapter produces raw candidates for one named source. Implementations hold
// no state between calls beyond their injected configuration.
type Adapter interface {
	Name() string
	Tier() domain.Tier
	Kind() domain.SourceKind
	Fetch(ctx context.Context) ([]domain.Candidate, error)
}

// FetchError reports that a single source could not be read.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func fetchError(source string, err error) error {
	var existing *FetchError
	if errors.As(err, &existing) {
		return err
	}
	return &FetchError{Source: source, Err: err}
}

// keepValid drops candidates that can never become pool entries.
func keepValid(candidates []domain.Candidate) []domain.Candidate {
	out := candidates[:0]
	for _, candidate := range candidates {
		if candidate.Validate() == nil {
			out = append(out, candidate)
		}
	}
	return out
}
