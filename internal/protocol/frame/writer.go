package frame

import (
	"bufio"
	"errors"
	"io"
	"sync"
)

var ErrWriterClosed = errors.New("frame: writer closed")

// SyncWriter serializes whole frames onto one stream. Each frame is written
// and flushed under a single lock so concurrent producers never interleave.
type SyncWriter struct {
	mu     sync.Mutex
	bw     *bufio.Writer
	closed bool
}

func NewSyncWriter(w io.Writer) *SyncWriter {
	return &SyncWriter{bw: bufio.NewWriterSize(w, HeaderLen+MaxDataLength)}
}

// WriteFrame writes and flushes one frame.
func (s *SyncWriter) WriteFrame(ch ChannelID, block MessageBlock) error {
	buf, err := Encode(ch, block)
	if err != nil {
		return err
	}
	return s.WriteRaw(buf)
}

// WriteRaw writes and flushes raw bytes as one unit. Used for the handshake
// marker, which precedes framing.
func (s *SyncWriter) WriteRaw(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrWriterClosed
	}
	if _, err := s.bw.Write(p); err != nil {
		return err
	}
	return s.bw.Flush()
}

// Close marks the writer closed; later writes fail with ErrWriterClosed.
// It waits for an in-flight frame to finish. The underlying stream is not
// closed.
func (s *SyncWriter) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *SyncWriter) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
