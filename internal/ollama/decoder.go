package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"strconv"

	"go.uber.org/zap"
)

type EventKind int

const (
	EventFragment EventKind = iota
	EventDone
)

func (k EventKind) String() string {
	if k == EventDone {
		return "done"
	}
	return "fragment"
}

// Event is one decoded server event.
type Event struct {
	Kind    EventKind
	Content string

	// Synthetic marks a completion the decoder made up because the input
	// ended without the server ever sending done.
	Synthetic bool
}

// streamLine is one line of a streaming /api/chat response.
type streamLine struct {
	Message *struct {
		Content *string `json:"content"`
	} `json:"message"`
	Done  json.RawMessage `json:"done"`
	Error string          `json:"error"`
}

// truthy reports whether a JSON value counts as set: true, a non-zero
// number, a non-empty string, or any object or array.
func truthy(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	switch raw[0] {
	case 't', '{', '[':
		return true
	case 'f', 'n':
		return false
	case '"':
		return len(raw) > 2
	default:
		n, err := strconv.ParseFloat(string(raw), 64)
		return err == nil && n != 0
	}
}

// Decoder splits a byte stream into newline-delimited JSON events. A
// Decoder holds the partial trailing line between reads, so each stream
// needs its own.
type Decoder struct {
	carry  []byte
	done   bool
	logger *zap.Logger
}

func NewDecoder(logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{logger: logger}
}

// Done reports whether a completion event has been produced.
func (d *Decoder) Done() bool {
	return d.done
}

// Feed appends buf to the carried-over partial line and decodes every
// complete line. Lines after a completion are ignored. The returned error is
// non-nil only when the server reported an error in-band.
func (d *Decoder) Feed(buf []byte) ([]Event, error) {
	if d.done {
		return nil, nil
	}
	d.carry = append(d.carry, buf...)

	var events []Event
	for {
		idx := bytes.IndexByte(d.carry, '\n')
		if idx < 0 {
			break
		}
		line := d.carry[:idx]
		d.carry = d.carry[idx+1:]

		evs, err := d.decodeLine(line)
		events = append(events, evs...)
		if err != nil || d.done {
			d.carry = nil
			return events, err
		}
	}

	// Keep the remainder in its own backing array so the buffer does not
	// grow with the whole stream.
	d.carry = append([]byte(nil), d.carry...)
	return events, nil
}

// Finish flushes the final unterminated line, if any, and guarantees the
// output ends with exactly one completion event.
func (d *Decoder) Finish() ([]Event, error) {
	if d.done {
		return nil, nil
	}

	line := d.carry
	d.carry = nil
	events, err := d.decodeLine(line)
	if err != nil {
		return events, err
	}
	if !d.done {
		d.done = true
		d.logger.Warn("Stream ended without a completion event")
		events = append(events, Event{Kind: EventDone, Synthetic: true})
	}
	return events, nil
}

func (d *Decoder) decodeLine(line []byte) ([]Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}

	var parsed streamLine
	if err := json.Unmarshal(line, &parsed); err != nil {
		d.logger.Warn("Skipping malformed stream line", zap.Error(&DecodeError{Line: string(line), Err: err}))
		return nil, nil
	}

	if parsed.Error != "" {
		d.done = true
		return nil, &ClientError{Kind: KindRequest, Message: parsed.Error}
	}

	var events []Event
	if parsed.Message != nil && parsed.Message.Content != nil && *parsed.Message.Content != "" {
		events = append(events, Event{Kind: EventFragment, Content: *parsed.Message.Content})
	}
	if truthy(parsed.Done) {
		d.done = true
		events = append(events, Event{Kind: EventDone})
	}
	return events, nil
}

const readBufferSize = 4096

// Decode lazily decodes r into events. The sequence ends after the first
// completion event; when r runs dry first, a synthetic completion is
// yielded. A read failure other than io.EOF is yielded as the error of a
// final pair and ends the sequence.
func Decode(ctx context.Context, r io.Reader, logger *zap.Logger) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		d := NewDecoder(logger)
		buf := make([]byte, readBufferSize)

		emit := func(events []Event, err error) bool {
			for _, ev := range events {
				if !yield(ev, nil) {
					return false
				}
			}
			if err != nil {
				yield(Event{}, err)
				return false
			}
			return !d.Done()
		}

		for {
			if err := ctx.Err(); err != nil {
				yield(Event{}, err)
				return
			}

			n, readErr := r.Read(buf)
			if n > 0 {
				if !emit(d.Feed(buf[:n])) {
					return
				}
			}

			if readErr != nil {
				if errors.Is(readErr, io.EOF) {
					emit(d.Finish())
					return
				}
				yield(Event{}, readErr)
				return
			}
		}
	}
}
