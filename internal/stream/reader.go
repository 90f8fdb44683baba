package stream

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
)

// Reader yields decoded events from a newline-delimited feed. Malformed
// records are logged at debug level, counted and skipped.
type Reader struct {
	br      *bufio.Reader
	logger  *slog.Logger
	dropped int
	onDrop  func(*ParseError)
}

func NewReader(r io.Reader, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{br: bufio.NewReaderSize(r, 64*1024), logger: logger}
}

// OnDrop registers a callback invoked for every skipped record.
func (r *Reader) OnDrop(fn func(*ParseError)) { r.onDrop = fn }

// Dropped is the number of malformed records skipped so far.
func (r *Reader) Dropped() int { return r.dropped }

// Next returns the next event. It returns io.EOF once the feed ends cleanly
// and any other error when the underlying transport fails.
func (r *Reader) Next() (Event, error) {
	for {
		line, err := r.br.ReadBytes('\n')
		if len(line) > 0 {
			ev, perr := Decode(line)
			if perr != nil {
				r.drop(perr)
			} else if ev != nil {
				return ev, nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

func (r *Reader) drop(err error) {
	r.dropped++
	var pe *ParseError
	if errors.As(err, &pe) {
		r.logger.Debug("dropping malformed feed record", "reason", pe.Reason)
		if r.onDrop != nil {
			r.onDrop(pe)
		}
	}
}
