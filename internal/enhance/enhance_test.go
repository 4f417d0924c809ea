package enhance

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/pdfocr/internal/ai"
	"github.com/local/pdfocr/internal/task"
)

func TestSplitPacksParagraphsPerPage(t *testing.T) {
	pages := []task.Page{
		{Index: 0, Outcome: task.OutcomeOK, Paragraphs: []string{"aaaa", "bbbb", "cccc"}},
		task.FailedPage(1, "render failed"),
		{Index: 2, Outcome: task.OutcomeOK, RawText: "dddd\n\neeee"},
	}
	chunks := Split(pages, 10)
	require.Len(t, chunks, 3)
	assert.Equal(t, Chunk{Index: 0, PageIndex: 0, Original: "aaaa\n\nbbbb"}, chunks[0])
	assert.Equal(t, "cccc", chunks[1].Original)
	assert.Equal(t, 2, chunks[2].PageIndex)
	assert.Equal(t, "dddd\n\neeee", chunks[2].Original)
}

func TestSplitLongParagraph(t *testing.T) {
	para := "First sentence here. Second one follows! Third? " + strings.Repeat("x", 25)
	chunks := Split([]task.Page{{Index: 0, Outcome: task.OutcomeOK, Paragraphs: []string{para}}}, 20)
	for _, c := range chunks {
		assert.LessOrEqual(t, runes(c.Original), 20, c.Original)
	}
	assert.Equal(t, "First sentence here.", chunks[0].Original)
	assert.True(t, strings.HasPrefix(chunks[1].Original, "Second one follows!"))
	joined := ""
	for _, c := range chunks {
		joined += c.Original
	}
	assert.Equal(t, 25, strings.Count(joined, "x"))
}

func TestSplitCountsRunes(t *testing.T) {
	para := strings.Repeat("é", 15)
	chunks := Split([]task.Page{{Index: 0, Outcome: task.OutcomeOK, Paragraphs: []string{para, para}}}, 20)
	assert.Len(t, chunks, 2)
}

func TestCutPoint(t *testing.T) {
	assert.Equal(t, 4, cutPoint([]rune("A b. C d? e"), 8), "last sentence end that fits")
	assert.Equal(t, 7, cutPoint([]rune("3.14 is pi here"), 8), "decimal point is not a sentence end")
	assert.Equal(t, 5, cutPoint([]rune("xxxxxyyyyy"), 5), "hard cut")
	assert.Equal(t, 2, cutPoint([]rune("一。二三四五"), 3))
}

func TestSplitRejoinsExactly(t *testing.T) {
	paras := []string{
		"Short opening.",
		"A line that wraps\nonto the next one. Then a " + strings.Repeat("w", 30) + " tail.",
		"Closing words here.",
	}
	chunks := Split([]task.Page{{Index: 0, Outcome: task.OutcomeOK, Paragraphs: paras}}, 16)
	require.Greater(t, len(chunks), 3)

	var b strings.Builder
	for i, c := range chunks {
		assert.LessOrEqual(t, runes(c.Original), 16, c.Original)
		if i > 0 {
			b.WriteString(c.Sep)
		}
		b.WriteString(c.Original)
		chunks[i].Formatted = c.Original
	}
	want := strings.Join(paras, "\n\n")
	assert.Equal(t, want, b.String())

	job := Job{Chunks: chunks}
	pages := job.Pages()
	require.Len(t, pages, 1)
	assert.Equal(t, want, pages[0].Text, "pass-through chunks give back the page")
}

// fakeClient upper-cases the chunk text. Per-chunk delays and failures are
// keyed by a marker contained in the text.
type fakeClient struct {
	delays map[string]time.Duration
	fail   map[string]error
	gate   chan struct{}
	calls  atomic.Int32
	mu     sync.Mutex
	order  []string
}

func (f *fakeClient) Name() string { return "openai" }
func (f *fakeClient) Complete(ctx context.Context, req ai.Request) (ai.Response, error) {
	f.calls.Add(1)
	text := strings.TrimPrefix(req.Prompt, userPromptPrefix)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ai.Response{}, ctx.Err()
		}
	}
	for marker, d := range f.delays {
		if strings.Contains(text, marker) {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return ai.Response{}, ctx.Err()
			}
		}
	}
	for marker, err := range f.fail {
		if strings.Contains(text, marker) {
			return ai.Response{}, err
		}
	}
	f.mu.Lock()
	f.order = append(f.order, text)
	f.mu.Unlock()
	return ai.Response{Text: strings.ToUpper(text)}, nil
}

func completedTask(t *testing.T, reg *task.MemoryRegistry, pages []task.Page) string {
	t.Helper()
	ctx := context.Background()
	id, err := reg.Create(ctx, task.FileMeta{Filename: "a.pdf"})
	require.NoError(t, err)
	typ, count := task.PDFScanned, len(pages)
	_, err = reg.Transition(ctx, id, task.StatusUploaded, task.StatusParsing, task.Payload{})
	require.NoError(t, err)
	_, err = reg.Transition(ctx, id, task.StatusParsing, task.StatusReady, task.Payload{PDFType: &typ, PageCount: &count})
	require.NoError(t, err)
	release, err := reg.AcquireProcessingSlot(ctx, id)
	require.NoError(t, err)
	defer release()
	_, err = reg.Transition(ctx, id, task.StatusReady, task.StatusPending, task.Payload{TotalPages: &count})
	require.NoError(t, err)
	_, err = reg.Transition(ctx, id, task.StatusPending, task.StatusProcessing, task.Payload{})
	require.NoError(t, err)
	_, err = reg.Transition(ctx, id, task.StatusProcessing, task.StatusCompleted, task.Payload{Pages: pages})
	require.NoError(t, err)
	return id
}

func okPage(i int, paras ...string) task.Page {
	return task.Page{Index: i, Outcome: task.OutcomeOK, Paragraphs: paras, Source: task.SourceOCR}
}

func newOrch(reg task.Registry, c ai.Client, mod func(*Options)) *Orchestrator {
	opts := Options{
		Registry:       reg,
		MaxChunkChars:  20,
		RetryBaseDelay: time.Millisecond,
		NewClient:      func(ai.Credentials) (ai.Client, error) { return c, nil },
	}
	if mod != nil {
		mod(&opts)
	}
	return New(opts)
}

var cred = ai.Credentials{Provider: "openai", APIKey: "k", Model: "m"}

func TestChunkOrderSurvivesOutOfOrderCompletion(t *testing.T) {
	reg := task.NewMemoryRegistry(task.MemoryOptions{})
	id := completedTask(t, reg, []task.Page{
		okPage(0, "chunk zero text"),
		okPage(1, "chunk one text"),
		okPage(2, "chunk two text"),
	})
	client := &fakeClient{delays: map[string]time.Duration{"zero": 80 * time.Millisecond, "one": 40 * time.Millisecond}}
	o := newOrch(reg, client, func(opts *Options) { opts.Parallelism = 3 })

	require.NoError(t, o.Start(context.Background(), id, cred))
	o.Wait()

	client.mu.Lock()
	assert.Equal(t, "chunk two text", client.order[0], "completion order is reversed")
	client.mu.Unlock()

	job, err := o.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 3, job.ChunksProcessed)
	for i, c := range job.Chunks {
		assert.Equal(t, i, c.Index)
	}
	text, ok := o.Result(id)
	require.True(t, ok)
	assert.Equal(t, "CHUNK ZERO TEXT\n\nCHUNK ONE TEXT\n\nCHUNK TWO TEXT", text)

	pages, ok := o.PageTexts(id)
	require.True(t, ok)
	require.Len(t, pages, 3)
	assert.Equal(t, 1, pages[1].PageIndex)
}

func TestFailedChunkPassesThrough(t *testing.T) {
	reg := task.NewMemoryRegistry(task.MemoryOptions{})
	id := completedTask(t, reg, []task.Page{okPage(0, "good text"), okPage(1, "bad text")})
	client := &fakeClient{fail: map[string]error{"bad": &ai.HTTPError{StatusCode: 400, Body: "bad request"}}}
	o := newOrch(reg, client, nil)

	require.NoError(t, o.Start(context.Background(), id, cred))
	o.Wait()

	job, _ := o.Get(id)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.False(t, job.Chunks[0].Failed)
	assert.Equal(t, "GOOD TEXT", job.Chunks[0].Formatted)
	assert.True(t, job.Chunks[1].Failed)
	assert.Equal(t, "bad text", job.Chunks[1].Formatted)
	assert.Contains(t, job.Chunks[1].Error, task.ErrEnhancementChunk.Error())
}

func TestAllChunksFailing(t *testing.T) {
	reg := task.NewMemoryRegistry(task.MemoryOptions{})
	id := completedTask(t, reg, []task.Page{okPage(0, "one"), okPage(1, "two")})
	client := &fakeClient{fail: map[string]error{"": &ai.HTTPError{StatusCode: 401}}}
	o := newOrch(reg, client, nil)

	require.NoError(t, o.Start(context.Background(), id, cred))
	o.Wait()

	job, _ := o.Get(id)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.Error, task.ErrEnhancementUnavailable.Error())
	_, ok := o.Result(id)
	assert.False(t, ok)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	reg := task.NewMemoryRegistry(task.MemoryOptions{})
	id := completedTask(t, reg, []task.Page{okPage(0, "flaky")})
	flaky := &flakyClient{failures: 2}
	o := newOrch(reg, flaky, func(opts *Options) { opts.RetryAttempts = 2 })

	require.NoError(t, o.Start(context.Background(), id, cred))
	o.Wait()

	job, _ := o.Get(id)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.False(t, job.Chunks[0].Failed)
	assert.Equal(t, int32(3), flaky.calls.Load())
}

type flakyClient struct {
	failures int32
	calls    atomic.Int32
}

func (f *flakyClient) Name() string { return "openai" }
func (f *flakyClient) Complete(_ context.Context, req ai.Request) (ai.Response, error) {
	if f.calls.Add(1) <= f.failures {
		return ai.Response{}, &ai.HTTPError{StatusCode: 503}
	}
	return ai.Response{Text: "ok"}, nil
}

func TestStartPreconditions(t *testing.T) {
	reg := task.NewMemoryRegistry(task.MemoryOptions{})
	client := &fakeClient{gate: make(chan struct{})}
	o := newOrch(reg, client, nil)
	ctx := context.Background()

	assert.ErrorIs(t, o.Start(ctx, "nope", cred), task.ErrNotFound)

	fresh, err := reg.Create(ctx, task.FileMeta{Filename: "b.pdf"})
	require.NoError(t, err)
	assert.ErrorIs(t, o.Start(ctx, fresh, cred), task.ErrNotCompleted)

	id := completedTask(t, reg, []task.Page{okPage(0, "text")})
	assert.ErrorIs(t, o.Start(ctx, id, ai.Credentials{APIKey: "k"}), task.ErrValidation)

	require.NoError(t, o.Start(ctx, id, cred))
	assert.ErrorIs(t, o.Start(ctx, id, cred), task.ErrAlreadyProcessing)
	close(client.gate)
	o.Wait()

	empty := completedTask(t, reg, []task.Page{task.FailedPage(0, "x")})
	assert.ErrorIs(t, o.Start(ctx, empty, cred), task.ErrValidation)

	_, err = o.Get(empty)
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestClientErrorIsValidation(t *testing.T) {
	reg := task.NewMemoryRegistry(task.MemoryOptions{})
	id := completedTask(t, reg, []task.Page{okPage(0, "text")})
	o := New(Options{Registry: reg})
	err := o.Start(context.Background(), id, ai.Credentials{Provider: "openai", Model: "m"})
	assert.ErrorIs(t, err, task.ErrValidation)
}

func TestStallFailsJob(t *testing.T) {
	reg := task.NewMemoryRegistry(task.MemoryOptions{})
	id := completedTask(t, reg, []task.Page{okPage(0, "text")})
	client := &fakeClient{gate: make(chan struct{})}
	o := newOrch(reg, client, func(opts *Options) { opts.StallTimeout = 30 * time.Millisecond })

	require.NoError(t, o.Start(context.Background(), id, cred))
	o.Wait()

	job, _ := o.Get(id)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.Error, "stalled")
	require.NoError(t, o.Start(context.Background(), id, cred), "a failed job can be restarted")
	close(client.gate)
	o.Wait()
}

func TestStoreObserverSeesEveryUpdate(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	store := NewStore(func(j Job) {
		mu.Lock()
		seen = append(seen, j.ChunksProcessed)
		mu.Unlock()
	})
	reg := task.NewMemoryRegistry(task.MemoryOptions{})
	id := completedTask(t, reg, []task.Page{okPage(0, "a"), okPage(1, "b")})
	o := newOrch(reg, &fakeClient{}, func(opts *Options) { opts.Store = store })
	require.NoError(t, o.Start(context.Background(), id, cred))
	o.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 2}, seen)
}

// stuckClient blocks until release is closed and ignores its context.
type stuckClient struct {
	release chan struct{}
}

func (c *stuckClient) Name() string { return "openai" }
func (c *stuckClient) Complete(context.Context, ai.Request) (ai.Response, error) {
	<-c.release
	return ai.Response{Text: "late"}, nil
}

func TestStallFailsJobWhenClientIgnoresContext(t *testing.T) {
	reg := task.NewMemoryRegistry(task.MemoryOptions{})
	id := completedTask(t, reg, []task.Page{okPage(0, "text")})
	client := &stuckClient{release: make(chan struct{})}
	o := newOrch(reg, client, func(opts *Options) { opts.StallTimeout = 50 * time.Millisecond })
	ctx := context.Background()

	require.NoError(t, o.Start(ctx, id, cred))
	require.Eventually(t, func() bool {
		j, err := o.Get(id)
		return err == nil && j.Status == StatusFailed
	}, 2*time.Second, 5*time.Millisecond)
	job, _ := o.Get(id)
	assert.Contains(t, job.Error, "stalled")

	require.NoError(t, o.Start(ctx, id, cred), "a stalled job can be restarted")
	close(client.release)
	o.Wait()

	job, _ = o.Get(id)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 1, job.ChunksProcessed, "the stalled run does not write into the new job")
	assert.Equal(t, "late", job.Chunks[0].Formatted)
}

func TestRerunKeepsPreviousResult(t *testing.T) {
	reg := task.NewMemoryRegistry(task.MemoryOptions{})
	id := completedTask(t, reg, []task.Page{okPage(0, "first")})
	client := &fakeClient{}
	o := newOrch(reg, client, nil)
	ctx := context.Background()

	require.NoError(t, o.Start(ctx, id, cred))
	o.Wait()

	client.gate = make(chan struct{})
	require.NoError(t, o.Start(ctx, id, cred))
	job, err := o.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, job.Status)

	text, ok := o.Result(id)
	require.True(t, ok)
	assert.Equal(t, "FIRST", text)
	pages, ok := o.PageTexts(id)
	require.True(t, ok)
	assert.Equal(t, "FIRST", pages[0].Text)

	close(client.gate)
	o.Wait()
	o.Delete(id)
	_, ok = o.Result(id)
	assert.False(t, ok)
}

func TestRestoreInstallsCompletedJob(t *testing.T) {
	o := New(Options{Registry: task.NewMemoryRegistry(task.MemoryOptions{})})
	done := time.Now().UTC()
	job := Job{
		TaskID: "t1", Status: StatusCompleted, ChunksTotal: 2, ChunksProcessed: 2,
		Chunks: []Chunk{
			{Index: 0, PageIndex: 0, Original: "a", Formatted: "A"},
			{Index: 1, PageIndex: 0, Sep: "\n\n", Original: "b", Formatted: "B"},
		},
		FinishedAt: &done,
	}
	require.NoError(t, o.Restore(job))

	got, err := o.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	text, ok := o.Result("t1")
	require.True(t, ok)
	assert.Equal(t, "A\n\nB", text)

	job.Status = StatusFailed
	assert.ErrorIs(t, o.Restore(job), task.ErrValidation)
}
