package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/local/pdfocr/internal/ai"
	"github.com/local/pdfocr/internal/classifier"
	cfgpkg "github.com/local/pdfocr/internal/config"
	"github.com/local/pdfocr/internal/enhance"
	"github.com/local/pdfocr/internal/export"
	"github.com/local/pdfocr/internal/history"
	"github.com/local/pdfocr/internal/limiter"
	logpkg "github.com/local/pdfocr/internal/logger"
	"github.com/local/pdfocr/internal/metrics"
	"github.com/local/pdfocr/internal/mupdf"
	"github.com/local/pdfocr/internal/ocr"
	"github.com/local/pdfocr/internal/orchestrator"
	"github.com/local/pdfocr/internal/paragraph"
	"github.com/local/pdfocr/internal/recognition"
	"github.com/local/pdfocr/internal/render"
	"github.com/local/pdfocr/internal/statuscheck"
	"github.com/local/pdfocr/internal/storage"
	"github.com/local/pdfocr/internal/store"
	"github.com/local/pdfocr/internal/task"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	cfg := cfgpkg.FromEnv()

	_ = logpkg.Init(logpkg.Options{
		Level:        cfg.Logging.Level,
		Pretty:       cfg.Logging.Pretty,
		File:         cfg.Logging.File,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
		AxiomAPIKey:  cfg.Axiom.APIKey,
		AxiomOrgID:   cfg.Axiom.OrgID,
		AxiomDataset: cfg.Axiom.Dataset,
		AxiomFlush:   cfg.Axiom.FlushInterval,
	})
	defer logpkg.Close()
	metrics.Init()

	ws, err := storage.NewWorkspace(cfg.Storage.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to prepare data dir")
	}

	// History backend
	var (
		hist  history.Store
		redis statuscheck.Pinger
	)
	switch cfg.Storage.HistoryBackend {
	case "redis":
		rh, err := store.NewRedisHistory(cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis history")
		}
		defer rh.Close()
		hist, redis = rh, rh
	default:
		hist = history.NewFileStore(ws.Root())
	}
	recorder := history.NewRecorder(hist, ws.Exports)
	reg := task.NewMemoryRegistry(task.MemoryOptions{MaxTasks: cfg.Storage.MaxTasks, Observer: recorder.Observe})
	restoredEnh := restoreHistory(reg, hist, recorder)

	// Optional S3 mirror for exports
	var mirror *storage.Mirror
	if cfg.Storage.S3Bucket != "" {
		mirror, err = storage.NewMirror(context.Background(), storage.MirrorOptions{
			Bucket:    cfg.Storage.S3Bucket,
			Prefix:    cfg.Storage.S3Prefix,
			Region:    cfg.Storage.S3Region,
			AccessKey: cfg.Storage.S3AccessKey,
			SecretKey: cfg.Storage.S3SecretKey,
			Endpoint:  cfg.Storage.S3Endpoint,
			Password:  cfg.Storage.S3Password,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init s3 mirror")
		}
	}

	cooldown, err := limiter.NewCooldown(limiter.CooldownOptions{RedisURL: cfg.Redis.URL})
	if err != nil {
		log.Warn().Err(err).Msg("redis cooldown unavailable; using in-process cooldown")
		cooldown = limiter.NewMemoryCooldown(limiter.CooldownOptions{})
	}

	tess := ocr.NewTesseract(ocr.TesseractOptions{
		DefaultLanguage: cfg.OCR.Language,
		MinConfidence:   cfg.OCR.MinConfidence,
		TessdataPrefix:  cfg.OCR.TessdataPrefix,
	})
	recog := recognition.New(recognition.Options{
		Registry:   reg,
		Renderer:   render.New(render.Options{MinDPI: cfg.OCR.MinDPI, MaxDPI: cfg.OCR.MaxDPI}),
		Recognizer: tess,
		TextLayer:  recognition.MupdfOpener(mupdf.NewGoFitzExtractor(nil)),
		Limiter:    limiter.NewSemaphore(cfg.Recognition.Concurrency),
		Paragraph: paragraph.Options{
			GapFactor:       cfg.Recognition.GapFactor,
			IndentTolerance: cfg.Recognition.IndentTolerance,
			BandFraction:    cfg.Recognition.BandFraction,
			MinRepeats:      cfg.Recognition.MinRepeats,
		},
		StallTimeout:      cfg.Recognition.StallTimeout,
		BinarizeThreshold: cfg.OCR.BinarizeThreshold,
		DefaultLanguage:   cfg.OCR.Language,
	})

	creds := map[string]ai.Credentials{
		"openai":    {Provider: "openai", APIKey: cfg.Providers.OpenAIKey, Model: cfg.Providers.OpenAIModel, BaseURL: cfg.Providers.OpenAIBaseURL},
		"anthropic": {Provider: "anthropic", APIKey: cfg.Providers.AnthropicKey, Model: cfg.Providers.AnthropicModel},
	}
	var fallbacks []ai.Credentials
	if c, ok := creds[cfg.Providers.SecondaryEngine]; ok && c.APIKey != "" && cfg.Providers.SecondaryEngine != cfg.Providers.PrimaryEngine {
		fallbacks = append(fallbacks, c)
	}
	enh := enhance.New(enhance.Options{
		Registry:       reg,
		MaxChunkChars:  cfg.Enhancement.MaxChunkChars,
		Parallelism:    cfg.Enhancement.Parallelism,
		StallTimeout:   cfg.Enhancement.StallTimeout,
		RequestTimeout: cfg.Enhancement.RequestTimeout,
		RetryAttempts:  cfg.Enhancement.RetryAttempts,
		RetryBaseDelay: cfg.Enhancement.RetryBaseDelay,
		RetryFactor:    cfg.Enhancement.RetryBackoffFactor,
		Temperature:    cfg.Enhancement.Temperature,
		MaxTokens:      cfg.Enhancement.MaxTokens,
		Cooldown:       cooldown,
		Fallbacks:      fallbacks,
		Store:          enhance.NewStore(recorder.ObserveEnhancement),
	})
	for _, j := range restoredEnh {
		if err := enh.Restore(j); err != nil {
			log.Warn().Err(err).Str("task_id", j.TaskID).Msg("skipping stored enhancement")
		}
	}

	exportOpts := export.Options{Registry: reg, Enhanced: enh, Workspace: ws}
	checkOpts := statuscheck.Options{
		Redis:        redis,
		Tesseract:    func() (string, error) { return tesseractVersion(tess) },
		MuPDF:        mupdf.Probe,
		OpenAIKey:    cfg.Providers.OpenAIKey,
		OpenAIURL:    cfg.Providers.OpenAIBaseURL,
		AnthropicKey: cfg.Providers.AnthropicKey,
	}
	deps := orchestrator.Dependencies{
		Registry:        reg,
		Classifier:      classifier.New(classifier.Options{MinCharsPerPage: cfg.OCR.MinCharsPerPage, MinCoverage: cfg.OCR.MinTextCoverage, Opener: classifier.FitzOpener{}, PageCounter: classifier.PdfcpuPageCount}),
		Recognition:     recog,
		Enhance:         enh,
		History:         hist,
		Recorder:        recorder,
		Workspace:       ws,
		Credentials:     creds,
		DefaultProvider: cfg.Providers.PrimaryEngine,
		MaxUploadBytes:  cfg.HTTP.MaxUploadMB << 20,
	}
	if mirror != nil {
		exportOpts.Mirror = mirror
		checkOpts.S3 = mirror
		deps.Mirror = mirror
	}
	deps.Exporter = export.New(exportOpts)
	deps.Checker = statuscheck.New(checkOpts)

	orch := orchestrator.New(deps)
	mux := http.NewServeMux()
	orch.RegisterRoutes(mux)

	bg, stopBG := context.WithCancel(context.Background())
	go recorder.Run(bg)
	go orch.RunCleanup(bg, cfg.Cleanup.Interval, cfg.Cleanup.TaskMaxAge)

	srv := &http.Server{Addr: ":" + cfg.HTTP.Port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Msgf("HTTP server listening on :%s", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(ctx)
	if err := orch.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("classification did not drain")
	}
	if err := recog.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("recognition runs did not drain")
	}
	if err := enh.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("enhancement jobs did not drain")
	}
	stopBG()
	<-recorder.Done()
	log.Info().Msg("shutdown complete")
}

// restoreHistory replays persisted tasks into the registry. Runs that were
// interrupted come back failed and are written back. It returns the stored
// enhancements of the restored tasks.
func restoreHistory(reg *task.MemoryRegistry, hist history.Store, rec *history.Recorder) []enhance.Job {
	ctx := context.Background()
	recs, err := hist.List(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("history unavailable; starting empty")
		return nil
	}
	var jobs []enhance.Job
	restored := 0
	for _, r := range recs {
		if err := reg.Restore(ctx, r.Task); err != nil {
			log.Warn().Err(err).Str("task_id", r.Task.ID).Msg("skipping history record")
			continue
		}
		restored++
		if r.Enhancement != nil {
			rec.RestoreEnhancement(*r.Enhancement)
			jobs = append(jobs, *r.Enhancement)
		}
		if t, err := reg.Get(ctx, r.Task.ID); err == nil && t.Status != r.Task.Status {
			rec.Observe(t)
		}
	}
	log.Info().Int("tasks", restored).Int("enhancements", len(jobs)).Msg("history restored")
	return jobs
}

func tesseractVersion(t *ocr.Tesseract) (string, error) {
	v := t.Version()
	if v == "" {
		return "", errors.New("tesseract not available")
	}
	return v, nil
}
