package journal

import (
	"sync"
	"time"

	"lanesim/internal/grid"
	"lanesim/internal/telemetry"
)

// Frame is one applied snapshot retained by the journal.
type Frame struct {
	Run        string
	Sequence   uint64
	RecordedAt time.Time
	Grid       *grid.Grid
}

// Eviction describes a frame dropped from the buffer.
type Eviction struct {
	Sequence uint64
	Reason   string
}

// RecordResult reports the retention window after a Record call.
type RecordResult struct {
	Size           int
	OldestSequence uint64
	NewestSequence uint64
	Evicted        []Eviction
}

// Journal keeps a rolling buffer of the frames applied during the current
// run. Grids are immutable so frames share them with the grid model.
type Journal struct {
	mu        sync.RWMutex
	run       string
	frames    []Frame
	sequence  uint64
	maxFrames int
	maxAge    time.Duration
	now       func() time.Time
	metrics   telemetry.Metrics
}

// New constructs a journal retaining at most capacity frames no older than
// maxAge. A zero capacity disables recording; a zero maxAge disables age
// eviction.
func New(capacity int, maxAge time.Duration) *Journal {
	if capacity < 0 {
		capacity = 0
	}
	if maxAge < 0 {
		maxAge = 0
	}
	return &Journal{
		frames:    make([]Frame, 0, capacity),
		maxFrames: capacity,
		maxAge:    maxAge,
		now:       time.Now,
		metrics:   telemetry.NopMetrics(),
	}
}

// AttachTelemetry reports the buffer size through metrics.
func (j *Journal) AttachTelemetry(metrics telemetry.Metrics) {
	if j == nil || metrics == nil {
		return
	}
	j.mu.Lock()
	j.metrics = metrics
	j.mu.Unlock()
}

// BeginRun drops every retained frame and restarts sequencing for run.
func (j *Journal) BeginRun(run string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.run = run
	j.frames = j.frames[:0]
	j.sequence = 0
	j.metrics.Store(telemetry.MetricJournalFrames, 0)
}

// Run reports the identifier passed to the latest BeginRun.
func (j *Journal) Run() string {
	if j == nil {
		return ""
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.run
}

// Record appends g and enforces the age and count limits.
func (j *Journal) Record(g *grid.Grid) RecordResult {
	if j == nil || g == nil {
		return RecordResult{}
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	j.sequence++
	if j.maxFrames == 0 {
		j.frames = j.frames[:0]
		return RecordResult{}
	}

	frame := Frame{Run: j.run, Sequence: j.sequence, RecordedAt: j.now(), Grid: g}
	j.frames = append(j.frames, frame)

	evicted := make([]Eviction, 0)
	if j.maxAge > 0 {
		cutoff := frame.RecordedAt.Add(-j.maxAge)
		idx := 0
		for idx < len(j.frames) && j.frames[idx].RecordedAt.Before(cutoff) {
			evicted = append(evicted, Eviction{Sequence: j.frames[idx].Sequence, Reason: "expired"})
			idx++
		}
		j.dropFrontLocked(idx)
	}

	if overflow := len(j.frames) - j.maxFrames; overflow > 0 {
		for _, f := range j.frames[:overflow] {
			evicted = append(evicted, Eviction{Sequence: f.Sequence, Reason: "count"})
		}
		j.dropFrontLocked(overflow)
	}

	size := len(j.frames)
	j.metrics.Store(telemetry.MetricJournalFrames, uint64(size))
	result := RecordResult{Size: size, Evicted: evicted}
	if size > 0 {
		result.OldestSequence = j.frames[0].Sequence
		result.NewestSequence = j.frames[size-1].Sequence
	}
	return result
}

func (j *Journal) dropFrontLocked(n int) {
	if n <= 0 {
		return
	}
	copy(j.frames, j.frames[n:])
	for i := len(j.frames) - n; i < len(j.frames); i++ {
		j.frames[i] = Frame{}
	}
	j.frames = j.frames[:len(j.frames)-n]
}

// Frames returns the retained frames oldest first.
func (j *Journal) Frames() []Frame {
	if j == nil {
		return nil
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.frames) == 0 {
		return nil
	}
	frames := make([]Frame, len(j.frames))
	copy(frames, j.frames)
	return frames
}

// FrameBySequence returns the retained frame with the given sequence.
func (j *Journal) FrameBySequence(sequence uint64) (Frame, bool) {
	if j == nil || sequence == 0 {
		return Frame{}, false
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	for _, frame := range j.frames {
		if frame.Sequence == sequence {
			return frame, true
		}
	}
	return Frame{}, false
}

// Window reports the current retention window.
func (j *Journal) Window() (size int, oldest, newest uint64) {
	if j == nil {
		return 0, 0, 0
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	size = len(j.frames)
	if size == 0 {
		return 0, 0, 0
	}
	return size, j.frames[0].Sequence, j.frames[size-1].Sequence
}
