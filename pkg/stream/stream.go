// Package stream buffers exec output for cursor-based polling.
//
// Each exec gets an independent bounded buffer. Producers append chunks as
// bytes arrive from the engine; consumers poll with a cursor (the highest
// sequence number they have seen) and receive everything retained after it.
// Buffers are capped by total bytes and by chunk count: bytes over the cap
// are dropped, chunks over the cap evict the oldest retained output chunk.
// The completion record is never dropped or evicted, so a poller always
// learns how the exec ended even if output was lost.
//
//	producer                      consumer
//	   |                              |
//	   | Append("stdout", b)          | Poll(execID, afterSeq)
//	   v                              v
//	+--------------------------------------+
//	| exec buffer: [chunk 0..n] complete?  |
//	+--------------------------------------+
package stream

import (
	"sync"
	"time"

	"github.com/benchd/benchd/pkg/log"
	"github.com/benchd/benchd/pkg/metrics"
	"github.com/benchd/benchd/pkg/types"
)

const (
	// DefaultMaxBytes caps the total buffered output bytes per exec.
	DefaultMaxBytes = 64 * 1024 * 1024
	// DefaultMaxChunks caps the number of retained chunks per exec.
	DefaultMaxChunks = 10000

	// StreamStdout and StreamStderr name the two output streams.
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Chunk is one retained piece of exec output.
type Chunk struct {
	Seq    int64
	Stream string // stdout or stderr; empty on the completion chunk
	Data   []byte
	TS     time.Time

	// Completion fields, set only on the final chunk.
	Complete bool
	ExitCode *int
	Usage    *types.ExecUsage
}

// Stats summarizes a buffer's state.
type Stats struct {
	Chunks       int
	Bytes        int64
	Dropped      int64
	Complete     bool
	LastAppended time.Time
}

type buffer struct {
	mu       sync.Mutex
	chunks   []Chunk
	nextSeq  int64
	bytes    int64
	dropped  int64
	complete bool
	last     time.Time
	warned   bool
}

// Streamer holds the per-exec buffers.
type Streamer struct {
	mu        sync.RWMutex
	buffers   map[string]*buffer
	maxBytes  int64
	maxChunks int
}

// New creates a Streamer with the default caps.
func New() *Streamer {
	return NewWithLimits(DefaultMaxBytes, DefaultMaxChunks)
}

// NewWithLimits creates a Streamer with explicit caps, for tests.
func NewWithLimits(maxBytes int64, maxChunks int) *Streamer {
	return &Streamer{
		buffers:   make(map[string]*buffer),
		maxBytes:  maxBytes,
		maxChunks: maxChunks,
	}
}

// Init registers a buffer for an exec. Idempotent.
func (s *Streamer) Init(execID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buffers[execID]; !ok {
		s.buffers[execID] = &buffer{last: time.Now().UTC()}
	}
}

func (s *Streamer) get(execID string) *buffer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buffers[execID]
}

// Append adds an output chunk. Empty data is ignored. Returns the assigned
// sequence number and whether the chunk was admitted; data arriving after
// the byte cap is dropped rather than evicting earlier output.
func (s *Streamer) Append(execID, streamName string, data []byte) (int64, bool) {
	if len(data) == 0 {
		return -1, false
	}
	b := s.get(execID)
	if b == nil {
		return -1, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bytes+int64(len(data)) > s.maxBytes {
		b.dropped++
		metrics.OutputChunksDropped.Inc()
		if !b.warned {
			b.warned = true
			logger := log.WithComponent("stream")
			logger.Warn().
				Str("exec_id", execID).
				Int64("max_bytes", s.maxBytes).
				Msg("Output buffer full, dropping further output")
		}
		return -1, false
	}

	if len(b.chunks) >= s.maxChunks {
		s.evictOldest(b)
	}

	chunk := Chunk{
		Seq:    b.nextSeq,
		Stream: streamName,
		Data:   data,
		TS:     time.Now().UTC(),
	}
	b.nextSeq++
	b.bytes += int64(len(data))
	b.chunks = append(b.chunks, chunk)
	b.last = chunk.TS
	return chunk.Seq, true
}

// evictOldest removes the oldest non-completion chunk. Caller holds b.mu.
func (s *Streamer) evictOldest(b *buffer) {
	for i, c := range b.chunks {
		if c.Complete {
			continue
		}
		b.bytes -= int64(len(c.Data))
		b.chunks = append(b.chunks[:i], b.chunks[i+1:]...)
		b.dropped++
		metrics.OutputChunksDropped.Inc()
		return
	}
}

// Complete appends the completion record. It is always admitted and marks
// the buffer finished. Returns the completion's sequence number.
func (s *Streamer) Complete(execID string, exitCode int, usage types.ExecUsage) int64 {
	b := s.get(execID)
	if b == nil {
		return -1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.complete {
		for i := len(b.chunks) - 1; i >= 0; i-- {
			if b.chunks[i].Complete {
				return b.chunks[i].Seq
			}
		}
	}

	if len(b.chunks) >= s.maxChunks {
		s.evictOldest(b)
	}

	code := exitCode
	u := usage
	chunk := Chunk{
		Seq:      b.nextSeq,
		TS:       time.Now().UTC(),
		Complete: true,
		ExitCode: &code,
		Usage:    &u,
	}
	b.nextSeq++
	b.chunks = append(b.chunks, chunk)
	b.complete = true
	b.last = chunk.TS
	return chunk.Seq
}

// Poll returns a snapshot of retained chunks with seq > afterSeq (all
// retained when afterSeq is nil) and whether the exec has completed.
// Unknown execs return an empty slice and false.
func (s *Streamer) Poll(execID string, afterSeq *int64) ([]Chunk, bool) {
	b := s.get(execID)
	if b == nil {
		return nil, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	cursor := int64(-1)
	if afterSeq != nil {
		cursor = *afterSeq
	}

	var out []Chunk
	for _, c := range b.chunks {
		if c.Seq > cursor {
			out = append(out, c)
		}
	}
	return out, b.complete
}

// Stats reports a buffer's state, or nil for unknown execs.
func (s *Streamer) Stats(execID string) *Stats {
	b := s.get(execID)
	if b == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return &Stats{
		Chunks:       len(b.chunks),
		Bytes:        b.bytes,
		Dropped:      b.dropped,
		Complete:     b.complete,
		LastAppended: b.last,
	}
}

// Cleanup discards an exec's buffer. Idempotent.
func (s *Streamer) Cleanup(execID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, execID)
}

// CleanupCompletedOlderThan discards buffers of completed execs whose last
// chunk is older than maxAge. Returns the number discarded.
func (s *Streamer) CleanupCompletedOlderThan(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, b := range s.buffers {
		b.mu.Lock()
		stale := b.complete && b.last.Before(cutoff)
		b.mu.Unlock()
		if stale {
			delete(s.buffers, id)
			removed++
		}
	}
	return removed
}
