// Package wire implements the length-delimited JSON framing codec the
// Connection Dispatcher (C7) uses to exchange setup/rollover/settlement
// messages with a counterparty (§6).
package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds a single frame to guard against a malicious or
// corrupt peer claiming an unbounded length prefix.
const MaxFrameSize = 16 << 20 // 16 MiB

// Writer frames and writes length-prefixed messages to an underlying
// io.Writer: a 4-byte big-endian length prefix followed by the payload.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// WriteMessage marshals v to JSON and writes it as one length-prefixed
// frame. It is safe for concurrent use: frames from concurrent callers are
// written one after another, never interleaved.
func (fw *Writer) WriteMessage(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal message: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("wire: message of %d bytes exceeds max frame size %d", len(payload), MaxFrameSize)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if _, err := fw.w.Write(payload); err != nil {
		return fmt.Errorf("wire: write frame payload: %w", err)
	}
	return nil
}

// Reader reads length-prefixed JSON frames from an underlying io.Reader.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader { return &Reader{r: bufio.NewReader(r)} }

// ReadMessage blocks for the next frame and unmarshals it into v.
func (fr *Reader) ReadMessage(v any) error {
	var header [4]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		return fmt.Errorf("wire: read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return fmt.Errorf("wire: frame of %d bytes exceeds max frame size %d", n, MaxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return fmt.Errorf("wire: read frame payload: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("wire: unmarshal message: %w", err)
	}
	return nil
}
