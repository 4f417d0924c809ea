package enhance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/local/pdfocr/internal/ai"
	"github.com/local/pdfocr/internal/limiter"
	"github.com/local/pdfocr/internal/logger"
	"github.com/local/pdfocr/internal/metrics"
	"github.com/local/pdfocr/internal/task"
)

const SystemPrompt = `You are a document layout editor. The user sends text extracted by OCR.
Rules:
1. Fix obvious OCR misspellings and recognition errors.
2. Restore paragraph structure by joining sentences that were broken across lines.
3. Recognize and format ordered and unordered lists.
4. Keep the meaning and content of the original. Do not add or remove information.
5. Output Markdown.
6. If the text is notes, keep a concise note style.
Return only the improved text, without explanations or preamble.`

const userPromptPrefix = "Improve the layout of the following OCR text:\n\n"

var errStalled = errors.New("stalled")

type Options struct {
	Registry       task.Registry
	Store          *Store
	MaxChunkChars  int
	Parallelism    int
	StallTimeout   time.Duration
	RequestTimeout time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryFactor    float64
	Temperature    float64
	MaxTokens      int
	Cooldown       limiter.Cooldown
	// Fallbacks are tried after the job's own credentials on transient errors.
	Fallbacks []ai.Credentials
	NewClient func(ai.Credentials) (ai.Client, error)
}

// Orchestrator runs enhancement jobs. A job is keyed by task id and lives
// in its own store; the task itself is only read.
type Orchestrator struct {
	opts  Options
	store *Store

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Orchestrator {
	if opts.Store == nil {
		opts.Store = NewStore(nil)
	}
	if opts.MaxChunkChars <= 0 {
		opts.MaxChunkChars = DefaultMaxChunkChars
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = 5 * time.Minute
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.RetryAttempts < 0 {
		opts.RetryAttempts = 0
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 2 * time.Second
	}
	if opts.RetryFactor < 1 {
		opts.RetryFactor = 2
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4000
	}
	if opts.NewClient == nil {
		opts.NewClient = func(c ai.Credentials) (ai.Client, error) { return ai.NewClient(c, nil) }
	}
	if opts.Cooldown == nil {
		opts.Cooldown = limiter.NewMemoryCooldown(limiter.CooldownOptions{})
	}
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{opts: opts, store: opts.Store, base: base, cancel: cancel}
}

// Start validates the task and credentials, creates the job and processes
// it in the background.
func (o *Orchestrator) Start(ctx context.Context, taskID string, cred ai.Credentials) error {
	t, err := o.opts.Registry.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusCompleted {
		return fmt.Errorf("%w: task %s is %s", task.ErrNotCompleted, taskID, t.Status)
	}
	if cred.Model == "" {
		return task.Invalid("model", "required")
	}
	primary, err := o.opts.NewClient(cred)
	if err != nil {
		return task.Invalid("provider", "%v", err)
	}
	targets := []ai.Target{{Client: primary, Model: cred.Model}}
	for _, fb := range o.opts.Fallbacks {
		if fb.APIKey == "" || fb.Model == "" {
			continue
		}
		c, err := o.opts.NewClient(fb)
		if err != nil {
			log.Warn().Err(err).Str("provider", fb.Provider).Msg("skipping fallback provider")
			continue
		}
		targets = append(targets, ai.Target{Client: c, Model: fb.Model})
	}

	chunks := Split(t.Pages, o.opts.MaxChunkChars)
	if len(chunks) == 0 {
		return task.Invalid("task", "no recognized text to enhance")
	}
	job := Job{
		TaskID:      taskID,
		Status:      StatusProcessing,
		ChunksTotal: len(chunks),
		Chunks:      chunks,
		Provider:    primary.Name(),
		Model:       cred.Model,
		StartedAt:   time.Now().UTC(),
	}
	run, err := o.store.begin(job)
	if err != nil {
		return err
	}

	fo := ai.NewFailover(o.opts.Cooldown, o.opts.RequestTimeout, targets...)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(taskID, run, chunks, fo)
	}()
	log.Info().Str("task_id", taskID).Int("chunks", len(chunks)).Str("provider", primary.Name()).Str("model", cred.Model).Msg("enhancement started")
	return nil
}

func (o *Orchestrator) run(taskID string, run uint64, chunks []Chunk, fo *ai.Failover) {
	lg := logger.ForTask(taskID)
	defer metrics.RunStarted("enhancement")()
	start := time.Now()

	// A stall fails the job at once, even while a provider call hangs.
	// Later writes from this run no longer match the stored run.
	ctx, cancel := context.WithCancelCause(o.base)
	beat := make(chan struct{}, 1)
	monDone := make(chan struct{})
	go func() {
		defer close(monDone)
		o.monitor(ctx, taskID, beat, func() {
			o.finish(taskID, run, StatusFailed, fmt.Sprintf("stalled: no chunk finished for %s", o.opts.StallTimeout))
			cancel(errStalled)
		})
	}()
	defer func() {
		cancel(nil)
		<-monDone
	}()

	results := make([]Chunk, len(chunks))
	var mu sync.Mutex
	done := func(c Chunk) {
		mu.Lock()
		results[c.Index] = c
		mu.Unlock()
		o.store.update(taskID, run, func(j *Job) {
			j.Chunks[c.Index] = c
			j.ChunksProcessed++
		})
		select {
		case beat <- struct{}{}:
		default:
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Parallelism)
	for _, c := range chunks {
		c := c
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			done(o.process(gctx, fo, c))
			return nil
		})
	}
	_ = g.Wait()

	if cause := context.Cause(ctx); cause != nil {
		msg := "interrupted: " + cause.Error()
		if errors.Is(cause, errStalled) {
			msg = fmt.Sprintf("stalled: no chunk finished for %s", o.opts.StallTimeout)
		}
		o.finish(taskID, run, StatusFailed, msg)
		lg.Warn().Str("reason", msg).Msg("enhancement interrupted")
		return
	}

	sort.Slice(results, func(a, b int) bool { return results[a].Index < results[b].Index })
	failed := 0
	for _, c := range results {
		if c.Failed {
			failed++
		}
	}
	if failed == len(results) {
		o.finish(taskID, run, StatusFailed, fmt.Sprintf("%v: all %d chunks failed: %s", task.ErrEnhancementUnavailable, failed, results[0].Error))
		lg.Error().Int("chunks", failed).Msg("enhancement failed")
		return
	}
	o.finish(taskID, run, StatusCompleted, "")
	lg.Info().Int("chunks", len(results)).Int("failed", failed).Dur("dur", time.Since(start)).Msg("enhancement completed")
}

// process formats one chunk, retrying transient failures with exponential
// backoff. On failure the original text passes through.
func (o *Orchestrator) process(ctx context.Context, fo *ai.Failover, c Chunk) Chunk {
	req := ai.Request{
		SystemPrompt: SystemPrompt,
		Prompt:       userPromptPrefix + c.Original,
		Temperature:  o.opts.Temperature,
		MaxTokens:    o.opts.MaxTokens,
	}
	var lastErr error
	for attempt := 0; attempt <= o.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(o.opts.RetryBaseDelay) * math.Pow(o.opts.RetryFactor, float64(attempt-1)))
			if err := sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
		resp, _, err := fo.Complete(ctx, req)
		if err == nil && resp.Text != "" {
			metrics.IncChunk("formatted")
			c.Formatted = resp.Text
			return c
		}
		if err == nil {
			err = errors.New("empty completion")
		}
		lastErr = err
		if !ai.IsTransient(err) || ctx.Err() != nil {
			break
		}
	}
	metrics.IncChunk("passthrough")
	log.Warn().Err(lastErr).Int("chunk", c.Index).Int("page", c.PageIndex+1).Msg("chunk kept unformatted")
	c.Formatted = c.Original
	c.Failed = true
	c.Error = fmt.Sprintf("%v: %v", task.ErrEnhancementChunk, lastErr)
	return c
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (o *Orchestrator) finish(taskID string, run uint64, st Status, msg string) {
	now := time.Now().UTC()
	o.store.update(taskID, run, func(j *Job) {
		j.Status = st
		j.Error = msg
		j.FinishedAt = &now
	})
}

// Get returns the job of a task; task.ErrNotFound when none was started.
func (o *Orchestrator) Get(taskID string) (Job, error) {
	j, ok := o.store.Get(taskID)
	if !ok {
		return Job{}, fmt.Errorf("%w: no enhancement for %s", task.ErrNotFound, taskID)
	}
	return j, nil
}

// Result returns the text of the newest completed job, which stays
// available while a rerun is processing.
func (o *Orchestrator) Result(taskID string) (string, bool) {
	j, ok := o.store.Completed(taskID)
	if !ok {
		return "", false
	}
	return j.Text(), true
}

// PageTexts returns the newest completed enhancement per page.
func (o *Orchestrator) PageTexts(taskID string) ([]PageText, bool) {
	j, ok := o.store.Completed(taskID)
	if !ok {
		return nil, false
	}
	return j.Pages(), true
}

// Restore installs a completed job read back from history.
func (o *Orchestrator) Restore(j Job) error {
	if j.TaskID == "" || j.Status != StatusCompleted || len(j.Chunks) == 0 {
		return task.Invalid("enhancement", "only completed jobs with chunks can be restored")
	}
	o.store.restore(j)
	return nil
}

// Delete drops a task's job. A running job keeps going but its updates
// are discarded.
func (o *Orchestrator) Delete(taskID string) { o.store.Delete(taskID) }

func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) Wait() { o.wg.Wait() }

// monitor calls onStall when no chunk finishes within the stall timeout.
func (o *Orchestrator) monitor(ctx context.Context, taskID string, beat <-chan struct{}, onStall func()) {
	timer := time.NewTimer(o.opts.StallTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-beat:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(o.opts.StallTimeout)
		case <-timer.C:
			log.Warn().Str("task_id", taskID).Dur("timeout", o.opts.StallTimeout).Msg("enhancement stalled")
			onStall()
			return
		}
	}
}
