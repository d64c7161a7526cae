package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultPoolQueue   = 256
	DefaultPoolWorkers = 4
	defaultSaveTimeout = 5 * time.Second
)

// PoolStats is a snapshot of pool counters
type PoolStats struct {
	Submitted uint64
	Dropped   uint64
	Saved     uint64
	Failed    uint64
	Queued    int
}

// Pool saves records asynchronously: bounded job channel consumed by a fixed set of workers.
// Submit never blocks; a full channel drops the record.
type Pool struct {
	sink        Sink
	jobs        chan Record
	wg          sync.WaitGroup
	mu          sync.RWMutex
	closed      bool
	saveTimeout time.Duration
	submitted   uint64
	dropped     uint64
	saved       uint64
	failed      uint64
}

// NewPool starts workers
func NewPool(sink Sink, queueSize, workers int) *Pool {
	if queueSize < 1 {
		queueSize = DefaultPoolQueue
	}
	if workers < 1 {
		workers = DefaultPoolWorkers
	}
	p := &Pool{
		sink:        sink,
		jobs:        make(chan Record, queueSize),
		saveTimeout: defaultSaveTimeout,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}
	return p
}

// Submit enqueues record. Returns false when record has been dropped
func (p *Pool) Submit(rec Record) bool {
	atomic.AddUint64(&p.submitted, 1)
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		atomic.AddUint64(&p.dropped, 1)
		return false
	}
	select {
	case p.jobs <- rec:
		return true
	default:
		atomic.AddUint64(&p.dropped, 1)
		log.Warn().Int("camera_id", rec.CameraID).Int("track_id", rec.PersonID).Str("class", rec.ClassName).Msg("Persistence queue is full, record dropped")
		return false
	}
}

// Close stops accepting records and waits until queued ones are saved
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats returns counters snapshot
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Submitted: atomic.LoadUint64(&p.submitted),
		Dropped:   atomic.LoadUint64(&p.dropped),
		Saved:     atomic.LoadUint64(&p.saved),
		Failed:    atomic.LoadUint64(&p.failed),
		Queued:    len(p.jobs),
	}
}

func (p *Pool) worker(n int) {
	defer p.wg.Done()
	for rec := range p.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), p.saveTimeout)
		err := p.sink.Save(ctx, rec)
		cancel()
		if err != nil {
			atomic.AddUint64(&p.failed, 1)
			log.Error().Err(err).Int("worker", n).Int("camera_id", rec.CameraID).Int("track_id", rec.PersonID).Msg("Can't persist record")
			continue
		}
		atomic.AddUint64(&p.saved, 1)
	}
}
