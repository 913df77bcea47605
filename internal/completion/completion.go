// Package completion describes how a deployment target reports that an
// activation has finished.
package completion

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Sentinel is written on its own line after every activation. Log collectors
// match it byte for byte.
const Sentinel = "XXX_THE_END_OF_AN_ACTIVATION_XXX"

// Channel is a set of completion signalling mechanisms.
type Channel uint8

const (
	// SyncResponse means the caller learns of completion from the HTTP response.
	SyncResponse Channel = 1 << iota
	// LogSentinel means completion is detected by scraping the sentinel from stdout.
	LogSentinel

	Both = SyncResponse | LogSentinel
)

// Has reports whether c includes every mechanism in other.
func (c Channel) Has(other Channel) bool {
	return c&other == other
}

func (c Channel) String() string {
	switch c {
	case SyncResponse:
		return "sync-response"
	case LogSentinel:
		return "log-sentinel"
	case Both:
		return "both"
	default:
		return fmt.Sprintf("channel(%d)", uint8(c))
	}
}

// ForTarget returns the mechanisms available on a deployment target.
func ForTarget(target string) Channel {
	switch strings.ToLower(strings.TrimSpace(target)) {
	case "cloudrun", "gcloud", "knative", "kubernetes":
		return Both
	case "local":
		return SyncResponse
	default:
		return LogSentinel
	}
}

// Signaler emits the completion signal for an activation.
type Signaler interface {
	Channels() Channel
	Signal(activationID string) error
}

type flusher interface {
	Flush() error
}

type syncer interface {
	Sync() error
}

// StreamSignaler writes the sentinel to a stream when its channels include LogSentinel.
type StreamSignaler struct {
	mu       sync.Mutex
	w        io.Writer
	channels Channel
}

// NewStreamSignaler returns a signaler for the given channels writing to w.
func NewStreamSignaler(channels Channel, w io.Writer) *StreamSignaler {
	return &StreamSignaler{w: w, channels: channels}
}

// Channels satisfies Signaler.
func (s *StreamSignaler) Channels() Channel {
	return s.channels
}

// Signal writes the sentinel line and flushes the stream.
func (s *StreamSignaler) Signal(string) error {
	if !s.channels.Has(LogSentinel) || s.w == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, Sentinel+"\n"); err != nil {
		return fmt.Errorf("write completion sentinel: %w", err)
	}
	switch f := s.w.(type) {
	case flusher:
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush completion sentinel: %w", err)
		}
	case syncer:
		// stdout may be a pipe, where fsync is unsupported.
		_ = f.Sync()
	}
	return nil
}
