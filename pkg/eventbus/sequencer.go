package eventbus

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/jdziat/ecoscan/pkg/core"
)

// DefaultSequencerSize bounds the jobs with live counters in one process.
const DefaultSequencerSize = 100000

type jobClock struct {
	token uint64
	clock uint64
}

// Sequencer holds per-job Lamport clocks and token counters.
// A job's counters live until Forget is called when the job closes, or until the
// job has been idle for the sequencer's ttl. Processes that never close the jobs
// they publish for, such as chain workers running a subset of tasks, stay bounded.
type Sequencer struct {
	mu   sync.Mutex
	jobs *expirable.LRU[string, *jobClock]
}

// NewSequencer creates a sequencer bounded by DefaultSequencerSize and DefaultMarkerTTL.
func NewSequencer() *Sequencer {
	return NewBoundedSequencer(DefaultSequencerSize, DefaultMarkerTTL)
}

// NewBoundedSequencer creates a sequencer holding at most size jobs, each dropped
// after ttl without activity.
func NewBoundedSequencer(size int, ttl time.Duration) *Sequencer {
	return &Sequencer{jobs: expirable.NewLRU[string, *jobClock](size, nil, ttl)}
}

// get returns the job's counters and refreshes their expiry.
func (s *Sequencer) get(jobID string) *jobClock {
	c, ok := s.jobs.Get(jobID)
	if !ok {
		c = &jobClock{}
	}
	s.jobs.Add(jobID, c)
	return c
}

// NextToken returns the next token sequence for a job, starting at core.TokenSeqFloor.
func (s *Sequencer) NextToken(jobID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.get(jobID)
	if c.token < core.TokenSeqFloor {
		c.token = core.TokenSeqFloor
	} else {
		c.token++
	}
	return c.token
}

// Tick advances the job's Lamport clock for a local event.
func (s *Sequencer) Tick(jobID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.get(jobID)
	c.clock++
	return c.clock
}

// Observe merges a remote timestamp into the job's clock and returns the new value.
func (s *Sequencer) Observe(jobID string, remote uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.get(jobID)
	if remote > c.clock {
		c.clock = remote
	}
	c.clock++
	return c.clock
}

// Forget drops the counters of a closed job.
func (s *Sequencer) Forget(jobID string) {
	s.mu.Lock()
	s.jobs.Remove(jobID)
	s.mu.Unlock()
}

// Len returns the number of jobs with live counters.
func (s *Sequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs.Len()
}
