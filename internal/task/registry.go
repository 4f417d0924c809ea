package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Registry owns every task's lifecycle. It is the only component allowed to
// change a task; everyone else reads snapshots and writes through it.
type Registry interface {
	Create(ctx context.Context, meta FileMeta) (string, error)
	Get(ctx context.Context, id string) (Task, error)
	Transition(ctx context.Context, id string, from, to Status, p Payload) (Task, error)
	AcquireProcessingSlot(ctx context.Context, id string) (release func(), err error)
	ReportProgress(ctx context.Context, id string, pr Progress) (Task, error)
	List(ctx context.Context) []Task
	Delete(ctx context.Context, id string) error
	Restore(ctx context.Context, t Task) error
}

// Observer is notified after every committed write, in commit order per task.
type Observer func(t Task)

// MemoryOptions configures a MemoryRegistry.
type MemoryOptions struct {
	MaxTasks int
	Observer Observer
	Now      func() time.Time
}

type holder struct {
	mu   sync.Mutex
	snap atomic.Pointer[Task]
	slot atomic.Bool
}

// MemoryRegistry keeps tasks in process memory. Writers for one task are
// serialized by the holder mutex; readers load the published snapshot.
type MemoryRegistry struct {
	mu       sync.RWMutex
	tasks    map[string]*holder
	maxTasks int
	observer Observer
	now      func() time.Time
}

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry(opts MemoryOptions) *MemoryRegistry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MemoryRegistry{
		tasks:    map[string]*holder{},
		maxTasks: opts.MaxTasks,
		observer: opts.Observer,
		now:      opts.Now,
	}
}

func (r *MemoryRegistry) holder(id string) (*holder, error) {
	r.mu.RLock()
	h, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return h, nil
}

// publish stores a private copy of t and notifies the observer. Caller holds h.mu.
func (r *MemoryRegistry) publish(h *holder, t Task) Task {
	c := t.Clone()
	h.snap.Store(&c)
	if r.observer != nil {
		r.observer(c.Clone())
	}
	return c.Clone()
}

func (r *MemoryRegistry) Create(_ context.Context, meta FileMeta) (string, error) {
	now := r.now()
	id := meta.ID
	if id == "" {
		id = uuid.NewString()
	}
	t := Task{
		ID:         id,
		Filename:   meta.Filename,
		Size:       meta.Size,
		FileHash:   meta.FileHash,
		SourcePath: meta.SourcePath,
		Status:     StatusUploaded,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	h := &holder{}
	r.mu.Lock()
	if r.maxTasks > 0 && len(r.tasks) >= r.maxTasks {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %d tasks stored", ErrResourceExhausted, r.maxTasks)
	}
	if _, ok := r.tasks[t.ID]; ok {
		r.mu.Unlock()
		return "", Invalid("task_id", "%s already exists", t.ID)
	}
	r.tasks[t.ID] = h
	r.mu.Unlock()

	h.mu.Lock()
	r.publish(h, t)
	h.mu.Unlock()
	return t.ID, nil
}

// Get returns a snapshot. A pending or processing task whose slot is not
// held has lost its worker and is failed on inspection.
func (r *MemoryRegistry) Get(_ context.Context, id string) (Task, error) {
	h, err := r.holder(id)
	if err != nil {
		return Task{}, err
	}
	return r.inspect(h), nil
}

func (r *MemoryRegistry) inspect(h *holder) Task {
	t := h.snap.Load()
	if (t.Status == StatusPending || t.Status == StatusProcessing) && !h.slot.Load() {
		h.mu.Lock()
		defer h.mu.Unlock()
		cur := *h.snap.Load()
		if (cur.Status == StatusPending || cur.Status == StatusProcessing) && !h.slot.Load() {
			cur.Status = StatusFailed
			cur.Error = "interrupted: no active worker"
			cur.UpdatedAt = r.now()
			return r.publish(h, cur)
		}
		return cur.Clone()
	}
	return t.Clone()
}

func (r *MemoryRegistry) Transition(_ context.Context, id string, from, to Status, p Payload) (Task, error) {
	h, err := r.holder(id)
	if err != nil {
		return Task{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	cur := *h.snap.Load()
	if cur.Status != from || !CanTransition(from, to) {
		return cur.Clone(), &TransitionError{ID: id, Want: from, Got: cur.Status, To: to}
	}
	next := cur.Clone()
	next.Status = to
	next.UpdatedAt = r.now()
	if p.PDFType != nil {
		if next.PDFType != "" && next.PDFType != *p.PDFType {
			return cur.Clone(), Invalid("pdf_type", "already set to %s", next.PDFType)
		}
		next.PDFType = *p.PDFType
	}
	if p.PageCount != nil {
		next.PageCount = *p.PageCount
	}
	if p.Options != nil {
		o := p.Options.Clone()
		next.Options = &o
	}
	if p.TotalPages != nil {
		next.TotalPages = *p.TotalPages
		next.CurrentPage = 0
		next.Progress = 0
	}
	if p.Pages != nil {
		next.Pages = make([]Page, len(p.Pages))
		for i, pg := range p.Pages {
			next.Pages[i] = clonePage(pg)
		}
	}
	if p.Error != "" {
		next.Error = p.Error
	}
	if to == StatusCompleted {
		next.Progress = 100
		next.CurrentPage = next.TotalPages
	}
	return r.publish(h, next), nil
}

func (r *MemoryRegistry) AcquireProcessingSlot(_ context.Context, id string) (func(), error) {
	h, err := r.holder(id)
	if err != nil {
		return nil, err
	}
	if !h.slot.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyProcessing, id)
	}
	var once sync.Once
	return func() { once.Do(func() { h.slot.Store(false) }) }, nil
}

// ReportProgress appends a page and advances the counters. It refuses
// pages out of ascending order and any progress decrease.
func (r *MemoryRegistry) ReportProgress(_ context.Context, id string, pr Progress) (Task, error) {
	h, err := r.holder(id)
	if err != nil {
		return Task{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	cur := *h.snap.Load()
	if cur.Status != StatusProcessing {
		return cur.Clone(), &TransitionError{ID: id, Want: StatusProcessing, Got: cur.Status, To: StatusProcessing}
	}
	if n := len(cur.Pages); n > 0 && cur.Pages[n-1].Index >= pr.Page.Index {
		return cur.Clone(), Invalid("page", "index %d after %d", pr.Page.Index, cur.Pages[n-1].Index)
	}
	progress := Percent(pr.Done, cur.TotalPages)
	if pr.Done < cur.CurrentPage || progress < cur.Progress {
		return cur.Clone(), Invalid("progress", "%d below %d", progress, cur.Progress)
	}
	next := cur.Clone()
	next.Pages = append(next.Pages, clonePage(pr.Page))
	next.CurrentPage = pr.Done
	next.Progress = progress
	next.UpdatedAt = r.now()
	return r.publish(h, next), nil
}

// List returns snapshots ordered by creation time, newest first.
func (r *MemoryRegistry) List(_ context.Context) []Task {
	r.mu.RLock()
	hs := make([]*holder, 0, len(r.tasks))
	for _, h := range r.tasks {
		hs = append(hs, h)
	}
	r.mu.RUnlock()
	out := make([]Task, 0, len(hs))
	for _, h := range hs {
		out = append(out, r.inspect(h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (r *MemoryRegistry) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if h.slot.Load() {
		return fmt.Errorf("%w: %s", ErrAlreadyProcessing, id)
	}
	delete(r.tasks, id)
	return nil
}

// Restore re-inserts a task replayed from history. Runs that were in flight
// when the record was written cannot resume and come back failed.
func (r *MemoryRegistry) Restore(_ context.Context, t Task) error {
	if t.ID == "" {
		return Invalid("task_id", "empty")
	}
	t = t.Clone()
	switch t.Status {
	case StatusPending, StatusProcessing, StatusParsing, StatusUploaded:
		t.Status = StatusFailed
		if t.Error == "" {
			t.Error = "interrupted: service restarted"
		}
	}
	h := &holder{}
	h.snap.Store(&t)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; ok {
		return fmt.Errorf("task %s already registered", t.ID)
	}
	r.tasks[t.ID] = h
	return nil
}
