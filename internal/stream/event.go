// Package stream consumes the event feed of a validation run.
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"controlroom/internal/domain"
)

const (
	TypeCheck    = "check"
	TypeComplete = "complete"
)

// Event is one decoded feed record: a CheckEvent or a CompleteEvent.
type Event interface {
	eventType() string
}

// CheckEvent upserts a single check.
type CheckEvent struct {
	Check domain.Check
}

// CompleteEvent carries the runner's authoritative final check set.
type CompleteEvent struct {
	Status domain.RunStatus
	Checks []domain.Check
}

func (CheckEvent) eventType() string    { return TypeCheck }
func (CompleteEvent) eventType() string { return TypeComplete }

// ParseError marks a record that could not be decoded. Readers drop these.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed feed record: %s", e.Reason)
}

type wireEvent struct {
	Type   string         `json:"type"`
	Check  *domain.Check  `json:"check"`
	Status string         `json:"status"`
	Checks []domain.Check `json:"checks"`
}

var dataPrefix = []byte("data:")

// Decode parses one line of the feed. Lines may carry an SSE "data:" prefix.
// It returns (nil, nil) for lines that carry no record (blank lines,
// comments, other SSE fields).
func Decode(line []byte) (Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] == ':' {
		return nil, nil
	}
	if bytes.HasPrefix(line, dataPrefix) {
		line = bytes.TrimSpace(line[len(dataPrefix):])
	} else if line[0] != '{' {
		// event:, id:, retry: and friends
		return nil, nil
	}
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, &ParseError{Line: string(line), Reason: err.Error()}
	}
	switch w.Type {
	case TypeCheck:
		if w.Check == nil {
			return nil, &ParseError{Line: string(line), Reason: "check event without check"}
		}
		c, err := normalize(*w.Check)
		if err != nil {
			return nil, &ParseError{Line: string(line), Reason: err.Error()}
		}
		return CheckEvent{Check: c}, nil
	case TypeComplete:
		status := domain.RunStatus(w.Status)
		if status != domain.RunReady && status != domain.RunBlocked {
			return nil, &ParseError{Line: string(line), Reason: fmt.Sprintf("complete status %q", w.Status)}
		}
		checks := make([]domain.Check, 0, len(w.Checks))
		for _, raw := range w.Checks {
			c, err := normalize(raw)
			if err != nil {
				return nil, &ParseError{Line: string(line), Reason: err.Error()}
			}
			checks = append(checks, c)
		}
		return CompleteEvent{Status: status, Checks: checks}, nil
	default:
		return nil, &ParseError{Line: string(line), Reason: fmt.Sprintf("unknown type %q", w.Type)}
	}
}

func normalize(c domain.Check) (domain.Check, error) {
	if c.ID == "" {
		return c, fmt.Errorf("check without id")
	}
	if c.Status == "" {
		c.Status = domain.CheckPending
	}
	if !c.Status.Valid() {
		return c, fmt.Errorf("check %s has status %q", c.ID, c.Status)
	}
	if c.Priority == "" {
		c.Priority = domain.PriorityNormal
	}
	if !c.Priority.Valid() {
		return c, fmt.Errorf("check %s has priority %q", c.ID, c.Priority)
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	return c, nil
}
