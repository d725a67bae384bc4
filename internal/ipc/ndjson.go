package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Writer writes newline-delimited messages to a stream. Safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewWriter creates an NDJSON message writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

// Write serializes one message followed by a newline.
func (w *Writer) Write(msg Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Reader reads newline-delimited messages from a stream in send order.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader creates an NDJSON message reader.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	// Start payloads carry a full session record; allow lines up to 4 MiB.
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &Reader{scanner: scanner}
}

// Read returns the next message, or io.EOF when the stream ends.
func (r *Reader) Read() (Message, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return Message{}, fmt.Errorf("parse message line: %w", err)
		}
		return msg, nil
	}
	if err := r.scanner.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}
