package store

import (
	"context"
	"sync"
	"time"

	"fluidnet/sim/internal/fluid"
	"fluidnet/sim/internal/logging"
)

// saveTimeout bounds one background save so shutdown cannot hang on a locked database.
const saveTimeout = 10 * time.Second

// PersisterStats summarises persistence activity.
type PersisterStats struct {
	Saved    int64
	Failed   int64
	LastTick uint64
	LastSave time.Time
}

// Persister is a tick sink that saves snapshots to the store off the tick goroutine.
// Only the newest pending snapshot is kept; older ones are superseded.
type Persister struct {
	store  *Store
	every  uint64
	retain int
	log    *logging.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending *fluid.Snapshot
	stats   PersisterStats

	flushCh   chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
	// closeErr is the outcome of the final flush, read after doneCh closes.
	closeErr error
}

// NewPersister starts the background writer. every is the save cadence in ticks and
// retain the number of snapshots kept after each save (zero keeps everything).
func NewPersister(store *Store, every, retain int, logger *logging.Logger) *Persister {
	if every <= 0 {
		every = 1
	}
	if logger == nil {
		logger = logging.L()
	}
	p := &Persister{
		store:   store,
		every:   uint64(every),
		retain:  retain,
		log:     logger.With(logging.String("component", "persister")),
		now:     time.Now,
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go p.loop()
	return p
}

// SnapshotDue asks the runner for a snapshot on save ticks.
func (p *Persister) SnapshotDue(tick uint64) bool {
	return p != nil && tick%p.every == 0
}

// HandleTick queues the snapshot for the background writer without blocking.
func (p *Persister) HandleTick(report fluid.TickReport, snapshot *fluid.Snapshot) {
	if p == nil || snapshot == nil || !p.SnapshotDue(report.Tick) {
		return
	}
	p.mu.Lock()
	p.pending = snapshot
	p.mu.Unlock()
	select {
	case p.flushCh <- struct{}{}:
	default:
	}
}

func (p *Persister) loop() {
	defer close(p.doneCh)
	for {
		select {
		case <-p.flushCh:
			p.flush()
		case <-p.stopCh:
			p.closeErr = p.flush()
			return
		}
	}
}

// Flush saves the pending snapshot, if any, and applies retention.
func (p *Persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	snap := p.pending
	p.pending = nil
	p.mu.Unlock()
	if snap == nil {
		return nil
	}

	record, err := p.store.Save(ctx, *snap, p.now())
	if err == nil && p.retain > 0 {
		var removed int
		removed, err = p.store.Prune(ctx, p.retain)
		if removed > 0 {
			p.log.Debug("pruned snapshots", logging.Int("removed", removed))
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if record.ID != 0 {
		p.stats.Saved++
		p.stats.LastTick = record.Tick
		p.stats.LastSave = record.SavedAt
	}
	if err != nil {
		p.stats.Failed++
	}
	return err
}

func (p *Persister) flush() error {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	err := p.Flush(ctx)
	if err != nil {
		p.log.Error("failed to persist snapshot", logging.Error(err))
	}
	return err
}

// Stats returns a copy of the persistence counters.
func (p *Persister) Stats() PersisterStats {
	if p == nil {
		return PersisterStats{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Close stops the background writer after persisting any pending snapshot and
// returns the error of that final save.
func (p *Persister) Close() error {
	if p == nil {
		return nil
	}
	p.closeOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
	return p.closeErr
}
