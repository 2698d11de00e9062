// Package jobs defines the queue payload shared by every job processor.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Kind names a queue. Each kind is served by its own worker pool.
type Kind string

const (
	KindImport            Kind = "import"
	KindExport            Kind = "export"
	KindAnalysis          Kind = "analysis"
	KindBackfillPositions Kind = "backfill_positions"
	KindBackfillOpenings  Kind = "backfill_openings"
)

// Kinds lists every queue in a stable order.
var Kinds = []Kind{KindImport, KindExport, KindAnalysis, KindBackfillPositions, KindBackfillOpenings}

// Payload is the message carried by the queue. ID refers to the persisted
// job row (import/export/analysis); backfills only carry the user.
type Payload struct {
	Kind       Kind      `json:"kind"`
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func (p Payload) String() string {
	return fmt.Sprintf("%s/%s", p.Kind, p.ID)
}

// Handler executes one job. Errors are reported to the queue's retry policy.
type Handler interface {
	Process(ctx context.Context, p Payload) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, p Payload) error

func (f HandlerFunc) Process(ctx context.Context, p Payload) error { return f(ctx, p) }

var (
	// ErrUserMismatch is returned when a payload's user does not own the job row.
	ErrUserMismatch = errors.New("job does not belong to user")
	// ErrUnknownKind is returned for payloads no pool handles.
	ErrUnknownKind = errors.New("unknown job kind")
)

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe permanentError
	return errors.As(err, &pe)
}

// Error column limits.
const (
	MaxImportErrorLen = 500
	MaxJobErrorLen    = 1000
)

// Truncate shortens s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}

// CheckOwner returns ErrUserMismatch when owner differs from the payload user.
func CheckOwner(p Payload, owner uuid.UUID) error {
	if p.UserID != uuid.Nil && p.UserID != owner {
		return fmt.Errorf("%s: %w", p, ErrUserMismatch)
	}
	return nil
}

// Detached returns a context that survives cancellation of ctx, bounded by
// timeout. Used to persist a terminal status after the job context ended.
func Detached(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}
