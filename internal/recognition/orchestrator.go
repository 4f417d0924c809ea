package recognition

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/local/pdfocr/internal/limiter"
	"github.com/local/pdfocr/internal/logger"
	"github.com/local/pdfocr/internal/metrics"
	"github.com/local/pdfocr/internal/mupdf"
	"github.com/local/pdfocr/internal/ocr"
	"github.com/local/pdfocr/internal/paragraph"
	"github.com/local/pdfocr/internal/preprocess"
	"github.com/local/pdfocr/internal/render"
	"github.com/local/pdfocr/internal/task"
)

// DefaultStallTimeout fails a run that reports no page for this long.
const DefaultStallTimeout = 5 * time.Minute

var errStalled = errors.New("stalled")

// TextDoc is an open text layer.
type TextDoc interface {
	Page(index int) (ocr.Result, error)
	Close() error
}

// TextOpener opens the text layer of a document.
type TextOpener func(path string) (TextDoc, error)

// MupdfOpener adapts the go-fitz text extractor.
func MupdfOpener(ex *mupdf.GoFitzExtractor) TextOpener {
	return func(path string) (TextDoc, error) {
		doc, err := ex.Open(path)
		if err != nil {
			return nil, err
		}
		return doc, nil
	}
}

type Options struct {
	Registry          task.Registry
	Renderer          *render.Renderer
	Recognizer        ocr.Recognizer
	TextLayer         TextOpener
	Limiter           *limiter.Semaphore
	Paragraph         paragraph.Options
	StallTimeout      time.Duration
	BinarizeThreshold int
	DefaultLanguage   string
}

// Orchestrator drives recognition runs. Each run owns the task's
// processing slot for its whole lifetime and is the only writer of the
// task's progress.
type Orchestrator struct {
	reg       task.Registry
	renderer  *render.Renderer
	rec       ocr.Recognizer
	textLayer TextOpener
	sem       *limiter.Semaphore
	para      paragraph.Options
	stall     time.Duration
	threshold int
	lang      string

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Orchestrator {
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = DefaultStallTimeout
	}
	if opts.Limiter == nil {
		opts.Limiter = limiter.NewSemaphore(2)
	}
	if opts.Renderer == nil {
		opts.Renderer = render.New(render.Options{})
	}
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = "eng"
	}
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		reg:       opts.Registry,
		renderer:  opts.Renderer,
		rec:       opts.Recognizer,
		textLayer: opts.TextLayer,
		sem:       opts.Limiter,
		para:      opts.Paragraph,
		stall:     opts.StallTimeout,
		threshold: opts.BinarizeThreshold,
		lang:      opts.DefaultLanguage,
		base:      base,
		cancel:    cancel,
	}
}

// Start validates the request, moves the task to pending and launches the
// run in the background. It returns task.ErrAlreadyProcessing when a run
// holds the task.
func (o *Orchestrator) Start(ctx context.Context, id string, opts task.RecognitionOptions) error {
	release, err := o.reg.AcquireProcessingSlot(ctx, id)
	if err != nil {
		return err
	}
	started := false
	defer func() {
		if !started {
			release()
		}
	}()

	t, err := o.reg.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != task.StatusReady {
		return &task.TransitionError{ID: id, Want: task.StatusReady, Got: t.Status, To: task.StatusPending}
	}
	opts, err = o.normalize(t, opts)
	if err != nil {
		return err
	}
	total := len(opts.Pages)
	if total == 0 {
		total = t.PageCount
	}
	t, err = o.reg.Transition(ctx, id, task.StatusReady, task.StatusPending, task.Payload{Options: &opts, TotalPages: &total})
	if err != nil {
		return err
	}

	started = true
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer release()
		o.run(t, opts, release)
	}()
	log.Info().Str("task_id", id).Int("pages", total).Int("dpi", opts.DPI).Bool("force_ocr", opts.ForceOCR).Msg("recognition queued")
	return nil
}

func (o *Orchestrator) normalize(t task.Task, opts task.RecognitionOptions) (task.RecognitionOptions, error) {
	opts = opts.Clone()
	if len(opts.Pages) > 0 {
		seen := map[int]bool{}
		pages := make([]int, 0, len(opts.Pages))
		for _, p := range opts.Pages {
			if p < 0 || p >= t.PageCount {
				return opts, task.Invalid("pages", "page %d out of range 1..%d", p+1, t.PageCount)
			}
			if !seen[p] {
				seen[p] = true
				pages = append(pages, p)
			}
		}
		sort.Ints(pages)
		if len(pages) == t.PageCount {
			pages = nil
		}
		opts.Pages = pages
	}
	for name, v := range map[string]int{
		"ignore_top": opts.IgnoreTop, "ignore_bottom": opts.IgnoreBottom,
		"ignore_left": opts.IgnoreLeft, "ignore_right": opts.IgnoreRight,
	} {
		if v < 0 || v > 100 {
			return opts, task.Invalid(name, "must be within 0..100, got %d", v)
		}
	}
	if opts.IgnoreTop+opts.IgnoreBottom >= 100 || opts.IgnoreLeft+opts.IgnoreRight >= 100 {
		return opts, task.Invalid("ignore", "margins leave nothing to recognize")
	}
	opts.DPI = o.renderer.ClampDPI(opts.DPI)
	if opts.Language == "" {
		opts.Language = o.lang
	}
	return opts, nil
}

// indices lists the 0-based pages a run covers.
func indices(t task.Task, opts task.RecognitionOptions) []int {
	if len(opts.Pages) > 0 {
		return opts.Pages
	}
	out := make([]int, t.PageCount)
	for i := range out {
		out[i] = i
	}
	return out
}

// run is one task's recognition. It never returns an error; all outcomes
// end up in the task.
type run struct {
	o       *Orchestrator
	t       task.Task
	opts    task.RecognitionOptions
	pre     preprocess.Options
	lg      zerolog.Logger
	ctx     context.Context
	beat    chan struct{}
	lines   map[int]ocr.Result
	done    int
	started time.Time
}

func (o *Orchestrator) run(t task.Task, opts task.RecognitionOptions, release func()) {
	lg := logger.ForTask(t.ID)
	queued, cancelQueue := context.WithCancel(o.base)
	defer cancelQueue()

	semRelease, err := o.sem.Acquire(queued)
	if err != nil {
		o.fail(t.ID, "shutting down")
		return
	}
	defer semRelease()
	defer metrics.RunStarted("recognition")()

	ctx, cancel := context.WithCancelCause(o.base)
	r := &run{
		o:       o,
		t:       t,
		opts:    opts,
		pre:     preprocess.FromRecognition(opts, o.threshold),
		lg:      lg,
		ctx:     ctx,
		beat:    make(chan struct{}, 1),
		lines:   map[int]ocr.Result{},
		started: time.Now(),
	}
	monDone := make(chan struct{})
	go func() {
		defer close(monDone)
		o.monitor(ctx, t.ID, r.beat, func() {
			cancel(errStalled)
			o.fail(t.ID, fmt.Sprintf("stalled: no progress for %s", o.stall))
			release()
		})
	}()
	defer func() {
		cancel(nil)
		<-monDone
	}()

	if _, err := o.reg.Transition(ctx, t.ID, task.StatusPending, task.StatusProcessing, task.Payload{}); err != nil {
		lg.Warn().Err(err).Msg("could not start processing")
		return
	}
	lg.Info().Str("pdf_type", string(t.PDFType)).Msg("recognition started")

	var abort error
	if t.PDFType == task.PDFText && !opts.ForceOCR && o.textLayer != nil {
		abort = r.textLayerPages()
	} else {
		abort = r.ocrPages(indices(t, opts))
	}
	if cause := context.Cause(ctx); cause != nil {
		lg.Warn().Err(cause).Msg("recognition interrupted")
		if !errors.Is(cause, errStalled) {
			o.fail(t.ID, "interrupted: "+cause.Error())
		}
		return
	}
	if abort != nil {
		lg.Error().Err(abort).Int("pages_done", r.done).Msg("recognition aborted")
		o.fail(t.ID, abort.Error())
		return
	}
	r.complete()
}

func (r *run) ocrPages(idx []int) error {
	if r.o.rec == nil {
		return fmt.Errorf("%w: no recognizer configured", task.ErrRecognizerUnavailable)
	}
	seq, err := r.o.renderer.Render(r.ctx, r.t.SourcePath, idx, r.opts.DPI)
	if err != nil {
		return err
	}
	defer seq.Close()
	for {
		rd, ok := seq.Next()
		if !ok {
			return nil
		}
		if err := r.recognizeRendered(rd); err != nil {
			return err
		}
	}
}

func (r *run) recognizeRendered(rd render.Rendered) error {
	start := time.Now()
	if rd.Err != nil {
		return r.record(task.FailedPage(rd.Index, rd.Err.Error()), string(task.SourceOCR), start)
	}
	img, err := preprocess.Apply(rd.Image, r.pre)
	if err != nil {
		return r.record(task.FailedPage(rd.Index, err.Error()), string(task.SourceOCR), start)
	}
	res, err := r.o.rec.Recognize(r.ctx, img, r.opts.Language)
	if err != nil {
		if errors.Is(err, task.ErrRecognizerUnavailable) {
			return err
		}
		if r.ctx.Err() != nil {
			return nil
		}
		return r.record(task.FailedPage(rd.Index, err.Error()), string(task.SourceOCR), start)
	}
	r.lines[rd.Index] = res
	return r.record(task.OKPage(rd.Index, task.SourceOCR, res.Text(), res.MeanConfidence()), string(task.SourceOCR), start)
}

// textLayerPages reads embedded text. Pages without any text fall back to
// OCR when a recognizer is available.
func (r *run) textLayerPages() error {
	doc, err := r.o.textLayer(r.t.SourcePath)
	if err != nil {
		return err
	}
	defer doc.Close()
	for _, i := range indices(r.t, r.opts) {
		if r.ctx.Err() != nil {
			return nil
		}
		start := time.Now()
		res, err := doc.Page(i)
		if err != nil {
			if err := r.record(task.FailedPage(i, err.Error()), string(task.SourceTextLayer), start); err != nil {
				return err
			}
			continue
		}
		res = cropLines(res, r.opts)
		if len(res.Lines) == 0 && r.o.rec != nil {
			r.lg.Debug().Int("page", i+1).Msg("empty text layer, falling back to OCR")
			if err := r.ocrPages([]int{i}); err != nil {
				return err
			}
			continue
		}
		r.lines[i] = res
		if err := r.record(task.OKPage(i, task.SourceTextLayer, res.Text(), res.MeanConfidence()), string(task.SourceTextLayer), start); err != nil {
			return err
		}
	}
	return nil
}

// cropLines drops text-layer lines inside the ignored margins, matching
// what the image crop does for OCR.
func cropLines(res ocr.Result, opts task.RecognitionOptions) ocr.Result {
	if opts.IgnoreTop == 0 && opts.IgnoreBottom == 0 && opts.IgnoreLeft == 0 && opts.IgnoreRight == 0 {
		return res
	}
	top := res.Height * opts.IgnoreTop / 100
	bottom := res.Height - res.Height*opts.IgnoreBottom/100
	left := res.Width * opts.IgnoreLeft / 100
	right := res.Width - res.Width*opts.IgnoreRight/100
	out := ocr.Result{Width: res.Width, Height: res.Height}
	for _, l := range res.Lines {
		if l.Box.Min.Y < top || l.Box.Max.Y > bottom || l.Box.Min.X < left || l.Box.Max.X > right {
			continue
		}
		out.Lines = append(out.Lines, l)
	}
	return out
}

func (r *run) record(p task.Page, source string, start time.Time) error {
	r.done++
	metrics.ObservePage(string(p.Outcome), source, time.Since(start))
	if !p.OK() {
		r.lg.Warn().Int("page", p.Index+1).Str("reason", p.FailureReason).Msg("page failed")
	}
	t, err := r.o.reg.ReportProgress(r.ctx, r.t.ID, task.Progress{Page: p, Done: r.done})
	if err != nil {
		if r.ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("report progress: %w", err)
	}
	select {
	case r.beat <- struct{}{}:
	default:
	}
	r.lg.Debug().Int("page", p.Index+1).Int("progress", t.Progress).Dur("dur", time.Since(start)).Msg("page recognized")
	return nil
}

// complete reconstructs paragraphs over all OK pages and finishes the task.
func (r *run) complete() {
	t, err := r.o.reg.Get(r.ctx, r.t.ID)
	if err != nil {
		r.lg.Error().Err(err).Msg("load task for completion")
		return
	}
	var input []paragraph.PageLines
	for _, p := range t.Pages {
		if res, ok := r.lines[p.Index]; ok && p.OK() {
			input = append(input, paragraph.PageLines{Index: p.Index, Result: res})
		}
	}
	byIndex := map[int]paragraph.PageResult{}
	for _, pr := range paragraph.Reconstruct(input, r.o.para) {
		byIndex[pr.Index] = pr
	}
	final := make([]task.Page, len(t.Pages))
	okCount := 0
	for i, p := range t.Pages {
		if pr, ok := byIndex[p.Index]; ok {
			p.Paragraphs = pr.Paragraphs
			p.SuppressedLines = pr.Suppressed
			okCount++
		}
		final[i] = p
	}
	if _, err := r.o.reg.Transition(r.ctx, r.t.ID, task.StatusProcessing, task.StatusCompleted, task.Payload{Pages: final}); err != nil {
		r.lg.Warn().Err(err).Msg("could not complete task")
		return
	}
	r.lg.Info().
		Int("pages", len(final)).
		Int("pages_ok", okCount).
		Dur("dur", time.Since(r.started)).
		Msg("recognition completed")
}

// fail moves a pending or processing task to failed, keeping the pages
// already produced.
func (o *Orchestrator) fail(id, msg string) {
	ctx := context.Background()
	t, err := o.reg.Get(ctx, id)
	if err != nil {
		return
	}
	if t.Status != task.StatusPending && t.Status != task.StatusProcessing {
		return
	}
	if _, err := o.reg.Transition(ctx, id, t.Status, task.StatusFailed, task.Payload{Error: msg}); err != nil {
		log.Debug().Err(err).Str("task_id", id).Msg("fail transition lost")
	}
}

// Shutdown cancels all runs and waits for them to return or ctx to end.
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

// Wait blocks until every started run has returned.
func (o *Orchestrator) Wait() { o.wg.Wait() }
