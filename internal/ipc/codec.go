package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/milohq/milo-agent/internal/common/logger"
)

// maxLineSize bounds a single protocol line. Streamed text and file payloads
// are chunked by the sender well below this.
const maxLineSize = 10 * 1024 * 1024

// Writer serializes messages onto a stream, one JSON object per line. It is
// safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
	w   io.Writer
}

// NewWriter creates a Writer on w
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w), w: w}
}

// Write encodes msg followed by a newline
func (w *Writer) Write(msg interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(msg); err != nil {
		return fmt.Errorf("failed to write ipc message: %w", err)
	}
	return nil
}

// EventReader reads worker-to-daemon events from a worker's stdout.
// Malformed lines and unknown types are dropped and logged, never fatal.
type EventReader struct {
	scanner *bufio.Scanner
	logger  *logger.Logger
}

// NewEventReader creates an EventReader on r
func NewEventReader(r io.Reader, log *logger.Logger) *EventReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &EventReader{scanner: scanner, logger: log}
}

// Next returns the next valid event. It returns io.EOF when the stream
// closes and the scanner's error for read failures.
func (r *EventReader) Next() (*WorkerEvent, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev WorkerEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			r.logger.Warn("dropping malformed ipc line", zap.Error(err), zap.Int("len", len(line)))
			continue
		}
		if !IsEventType(ev.Type) {
			r.logger.Warn("dropping ipc message with unknown type", zap.String("type", ev.Type))
			continue
		}
		return &ev, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// CommandReader reads daemon-to-worker commands from the worker's stdin.
type CommandReader struct {
	scanner *bufio.Scanner
	logger  *logger.Logger
}

// NewCommandReader creates a CommandReader on r
func NewCommandReader(r io.Reader, log *logger.Logger) *CommandReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &CommandReader{scanner: scanner, logger: log}
}

// Next returns the next valid command, io.EOF at end of stream.
func (r *CommandReader) Next() (*Command, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var cmd Command
		if err := json.Unmarshal(line, &cmd); err != nil {
			r.logger.Warn("dropping malformed ipc line", zap.Error(err), zap.Int("len", len(line)))
			continue
		}
		if !IsCommandType(cmd.Type) {
			r.logger.Warn("dropping ipc message with unknown type", zap.String("type", cmd.Type))
			continue
		}
		return &cmd, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
