package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("streaming unsupported")

// Writer 向客户端写出 Server-Sent Events 数据帧，每次写入后立即 flush。
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

// NewWriter wraps w for event streaming. Headers are not touched; call
// SetupHeaders first.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &Writer{w: w, flusher: flusher, rc: http.NewResponseController(w)}, nil
}

// SetupHeaders 设置Server-Sent Events响应头
func SetupHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// WriteData marshals payload and sends it as a single data frame.
func (s *Writer) WriteData(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal sse payload: %w", err)
	}
	return s.WriteRaw(data)
}

// WriteRaw sends an already-encoded JSON payload as a data frame.
func (s *Writer) WriteRaw(payload []byte) error {
	if _, err := fmt.Fprintf(s.w, "%s%s\n\n", dataPrefix, payload); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	s.flush()
	return nil
}

// WriteDone sends the termination sentinel.
func (s *Writer) WriteDone() error {
	return s.WriteRaw([]byte(DoneSentinel))
}

// WriteComment sends a comment line, used as a keep-alive.
func (s *Writer) WriteComment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return fmt.Errorf("write sse comment: %w", err)
	}
	s.flush()
	return nil
}

func (s *Writer) flush() {
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
}
