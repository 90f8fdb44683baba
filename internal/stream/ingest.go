package stream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"controlroom/internal/domain"
)

// ErrNoCompletion is returned when a feed ends before its complete record.
var ErrNoCompletion = errors.New("feed ended without a complete event")

// Sink receives events in feed order.
type Sink interface {
	ApplyCheck(ctx context.Context, c domain.Check) error
	ApplyComplete(ctx context.Context, status domain.RunStatus, checks []domain.Check) error
}

// Outcome summarizes a finished ingest.
type Outcome struct {
	Applied    int
	Stragglers int
	Dropped    int
	Status     domain.RunStatus
	Completed  bool
}

// EventSource is the part of a Feed Ingest needs.
type EventSource interface {
	Next() (Event, error)
	Dropped() int
}

// Ingest applies events one at a time until the feed ends. Check events
// that arrive after the complete event are counted and ignored. A feed that
// ends or fails before completing returns an error wrapping ErrNoCompletion
// or the transport error. Cancellation after the complete event is not an
// error.
func Ingest(ctx context.Context, src EventSource, sink Sink) (Outcome, error) {
	var out Outcome
	for {
		if err := ctx.Err(); err != nil {
			out.Dropped = src.Dropped()
			if out.Completed {
				return out, nil
			}
			return out, err
		}
		ev, err := src.Next()
		if err != nil {
			out.Dropped = src.Dropped()
			// Once complete has been applied the run is settled.
			if out.Completed {
				return out, nil
			}
			if errors.Is(err, io.EOF) {
				return out, ErrNoCompletion
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, ctxErr
			}
			return out, fmt.Errorf("read feed: %w", err)
		}
		switch e := ev.(type) {
		case CheckEvent:
			if out.Completed {
				out.Stragglers++
				continue
			}
			if err := sink.ApplyCheck(ctx, e.Check); err != nil {
				return out, err
			}
			out.Applied++
		case CompleteEvent:
			if out.Completed {
				out.Stragglers++
				continue
			}
			if err := sink.ApplyComplete(ctx, e.Status, e.Checks); err != nil {
				return out, err
			}
			out.Applied++
			out.Completed = true
			out.Status = e.Status
		}
	}
}
