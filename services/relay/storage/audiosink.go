package storage

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/xilidan/relay/services/relay/entity"
)

type sink struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	w      *bufio.Writer
	closed bool
	bytes  int64
}

// AudioSinks holds one append-only raw audio file per session, opened on the first chunk.
type AudioSinks struct {
	layout Layout
	log    *slog.Logger

	mu    sync.Mutex
	sinks map[string]*sink
}

func NewAudioSinks(layout Layout, log *slog.Logger) *AudioSinks {
	return &AudioSinks{
		layout: layout,
		log:    log,
		sinks:  make(map[string]*sink),
	}
}

func (a *AudioSinks) get(id string) *sink {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sinks[id]
	if !ok {
		s = &sink{path: a.layout.RawPath(id)}
		a.sinks[id] = s
	}
	return s
}

// ValidateID reports whether id can name a sink file inside the temp dir.
func (a *AudioSinks) ValidateID(id string) error {
	return a.layout.ValidateID(id)
}

// Write appends chunk to the sink of id, creating the temp directory and file on first use.
func (a *AudioSinks) Write(id string, chunk []byte) error {
	if id == "" {
		return fmt.Errorf("%w: empty stream id", entity.ErrValidation)
	}
	if err := a.layout.ValidateID(id); err != nil {
		return err
	}
	if len(chunk) == 0 {
		return nil
	}

	s := a.get(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("%w: %s", entity.ErrSinkClosed, id)
	}
	if s.file == nil {
		if err := os.MkdirAll(a.layout.Dir, 0o755); err != nil {
			return fmt.Errorf("failed to create temp dir: %w", err)
		}
		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("failed to create audio file: %w", err)
		}
		s.file = f
		s.w = bufio.NewWriter(f)
		a.log.Info("created audio file", slog.String("stream_id", id), slog.String("path", s.path))
	}

	n, err := s.w.Write(chunk)
	s.bytes += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write audio chunk: %w", err)
	}
	return nil
}

// Finalize flushes and closes the sink of id and returns the artifact path.
// ok is false when no sink was ever opened or it was already finalized.
func (a *AudioSinks) Finalize(id string) (path string, ok bool, err error) {
	a.mu.Lock()
	s, exists := a.sinks[id]
	a.mu.Unlock()
	if !exists {
		return "", false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.file == nil {
		s.closed = true
		return "", false, nil
	}
	s.closed = true

	flushErr := s.w.Flush()
	closeErr := s.file.Close()
	s.file, s.w = nil, nil
	if flushErr != nil {
		return "", false, fmt.Errorf("failed to flush audio file: %w", flushErr)
	}
	if closeErr != nil {
		return "", false, fmt.Errorf("failed to close audio file: %w", closeErr)
	}

	a.log.Info("closed audio file",
		slog.String("stream_id", id),
		slog.Int64("bytes", s.bytes))
	return s.path, true, nil
}

// Forget finalizes the sink of id if needed and drops it.
func (a *AudioSinks) Forget(id string) {
	if _, _, err := a.Finalize(id); err != nil {
		a.log.Warn("failed to finalize audio sink on forget",
			slog.String("stream_id", id),
			slog.String("error", err.Error()))
	}
	a.mu.Lock()
	delete(a.sinks, id)
	a.mu.Unlock()
}
