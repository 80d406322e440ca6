package addon

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrRateLimited             = errors.New("rate limited")
	ErrSourceError             = errors.New("source error")
	ErrConstraintUnsatisfiable = errors.New("no release satisfies constraint")
	ErrChecksumMismatch        = errors.New("checksum mismatch")
	ErrDependencyCycle         = errors.New("dependency cycle detected")
	ErrDepthExceeded           = errors.New("dependency depth limit exceeded")
	ErrMigrationFailure        = errors.New("state migration failed")
	ErrStoreIntegrity          = errors.New("state store integrity violation")
	ErrDependencyViolation     = errors.New("add-on is required by installed add-ons")
	ErrAmbiguousRef            = errors.New("ambiguous add-on reference")
	ErrConflict                = errors.New("folder conflict")
	ErrNotInstalled            = errors.New("not installed")
	ErrUnknownSource           = errors.New("unknown source")
)

// Stage names the step of the pipeline an item failed in.
type Stage string

const (
	StageCatalogue Stage = "catalogue"
	StageResolve   Stage = "resolve"
	StageDownload  Stage = "download"
	StageVerify    Stage = "verify"
	StageExtract   Stage = "extract"
	StageConflict  Stage = "conflict"
	StageCommit    Stage = "commit"
	StageRemove    Stage = "remove"
)

// RateLimitError is returned by adapters when the host asked the client to
// slow down. RetryAfter is zero when the host gave no hint.
type RateLimitError struct {
	Source     Source
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited, retry after %s", e.Source, e.RetryAfter)
	}
	return fmt.Sprintf("%s: rate limited", e.Source)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// AmbiguousRefError lists the catalogue entries a name matched.
type AmbiguousRefError struct {
	Ref        AddonRef
	Candidates []CatalogueEntry
}

func (e *AmbiguousRefError) Error() string {
	names := make([]string, len(e.Candidates))
	for i, c := range e.Candidates {
		names[i] = c.Ref().String()
	}
	return fmt.Sprintf("%q matches %d add-ons: %s", e.Ref.ID, len(e.Candidates), strings.Join(names, ", "))
}

func (e *AmbiguousRefError) Unwrap() error { return ErrAmbiguousRef }

// ItemError is a terminal failure for one add-on in a batch.
type ItemError struct {
	Source Source
	ID     string
	Stage  Stage
	Err    error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s:%s: %s: %v", e.Source, e.ID, e.Stage, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// NewItemError wraps err for the given add-on and stage. An err that is
// already an ItemError is returned unchanged.
func NewItemError(k Key, stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var ie *ItemError
	if errors.As(err, &ie) {
		return err
	}
	return &ItemError{Source: k.Source, ID: k.ID, Stage: stage, Err: err}
}

// Retryable reports whether err is transient and worth another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrSourceError) || errors.Is(err, ErrRateLimited)
}

// IsFatal reports whether err must abort the whole operation.
func IsFatal(err error) bool {
	return errors.Is(err, ErrMigrationFailure) || errors.Is(err, ErrStoreIntegrity)
}
