package history

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/local/pdfocr/internal/enhance"
	"github.com/local/pdfocr/internal/task"
)

// Recorder persists task snapshots in the background. Snapshots for the
// same task are coalesced: only the latest pending one is written. The
// newest completed enhancement of a task travels with every write.
type Recorder struct {
	store   Store
	outputs func(id string) []string

	saveMu sync.Mutex
	mu     sync.Mutex
	// a nil entry re-saves the stored record with the current enhancement
	pending map[string]*task.Task
	enh     map[string]enhance.Job
	order   []string
	wake    chan struct{}
	done    chan struct{}
}

// NewRecorder creates a recorder. outputs lists a task's export files and
// may be nil.
func NewRecorder(store Store, outputs func(id string) []string) *Recorder {
	return &Recorder{
		store:   store,
		outputs: outputs,
		pending: map[string]*task.Task{},
		enh:     map[string]enhance.Job{},
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Observe queues a snapshot. It never blocks, so it is safe to use as a
// registry observer.
func (r *Recorder) Observe(t task.Task) {
	r.mu.Lock()
	r.queue(t.ID, &t)
	r.mu.Unlock()
	r.signal()
}

// ObserveEnhancement keeps the job if it completed and queues a write of
// the task's record. It is an enhancement store observer.
func (r *Recorder) ObserveEnhancement(j enhance.Job) {
	if j.Status != enhance.StatusCompleted {
		return
	}
	r.mu.Lock()
	r.enh[j.TaskID] = j
	if _, ok := r.pending[j.TaskID]; !ok {
		r.queue(j.TaskID, nil)
	}
	r.mu.Unlock()
	r.signal()
}

// RestoreEnhancement remembers a job read back from history without
// writing anything.
func (r *Recorder) RestoreEnhancement(j enhance.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enh[j.TaskID] = j
}

// queue must be called with mu held.
func (r *Recorder) queue(id string, t *task.Task) {
	if _, ok := r.pending[id]; !ok {
		r.order = append(r.order, id)
	}
	r.pending[id] = t
}

func (r *Recorder) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Forget drops a queued snapshot, used when the task is deleted. When it
// returns no write for id is in flight.
func (r *Recorder) Forget(id string) {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
	delete(r.enh, id)
}

// Run writes queued snapshots until ctx is done, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			r.Flush(context.Background())
			return
		case <-r.wake:
			r.Flush(ctx)
		}
	}
}

// Done is closed when Run has returned.
func (r *Recorder) Done() <-chan struct{} { return r.done }

// Flush writes every queued snapshot now.
func (r *Recorder) Flush(ctx context.Context) {
	for r.flushOne(ctx) {
	}
}

func (r *Recorder) flushOne(ctx context.Context) bool {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.Lock()
	if len(r.order) == 0 {
		r.mu.Unlock()
		return false
	}
	id := r.order[0]
	r.order = r.order[1:]
	t, ok := r.pending[id]
	delete(r.pending, id)
	j, hasEnh := r.enh[id]
	r.mu.Unlock()
	if !ok {
		return true
	}

	var rec Record
	if t != nil {
		var outs []string
		if r.outputs != nil {
			outs = r.outputs(id)
		}
		rec = NewRecord(*t, outs)
	} else {
		stored, err := r.store.Get(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("task_id", id).Msg("no record to attach enhancement to")
			return true
		}
		rec = stored
	}
	if hasEnh {
		rec.Enhancement = &j
	}
	if err := r.store.Save(ctx, rec); err != nil {
		log.Warn().Err(err).Str("task_id", id).Msg("history save failed")
	}
	return true
}
