package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/pdfocr/internal/limiter"
	"github.com/local/pdfocr/internal/metrics"
)

// Target is one provider/model attempt.
type Target struct {
	Client Client
	Model  string
}

// Failover tries targets in order. Transient errors open the target's
// cooldown and move on; fatal errors stop immediately.
type Failover struct {
	targets  []Target
	cooldown limiter.Cooldown
	timeout  time.Duration
}

func NewFailover(cooldown limiter.Cooldown, timeout time.Duration, targets ...Target) *Failover {
	if cooldown == nil {
		cooldown = limiter.NewMemoryCooldown(limiter.CooldownOptions{})
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Failover{targets: targets, cooldown: cooldown, timeout: timeout}
}

// Complete returns the first successful response and the target that
// produced it. When every target is cooling down the first one is probed
// anyway.
func (f *Failover) Complete(ctx context.Context, req Request) (Response, Target, error) {
	var order []Target
	for _, t := range f.targets {
		if f.cooldown.IsOpen(ctx, t.Client.Name(), t.Model) {
			log.Debug().Str("provider", t.Client.Name()).Str("model", t.Model).Msg("circuit breaker OPEN - skipping attempt")
			continue
		}
		order = append(order, t)
	}
	if len(order) == 0 && len(f.targets) > 0 {
		order = f.targets[:1]
	}

	var lastErr error
	for i, t := range order {
		prov := t.Client.Name()
		r := req
		r.Model = t.Model

		cctx, cancel := context.WithTimeout(ctx, f.timeout)
		start := time.Now()
		resp, err := t.Client.Complete(cctx, r)
		dur := time.Since(start)
		if err != nil && cctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = &RateLimitError{Provider: prov, Model: t.Model, Reason: "timeout"}
		}
		cancel()
		metrics.ObserveProvider(prov, t.Model, resultLabel(err), dur)

		if err == nil {
			f.cooldown.Close(ctx, prov, t.Model)
			log.Debug().
				Str("provider", prov).
				Str("model", t.Model).
				Dur("dur", dur).
				Int("tokens_in", resp.TokensIn).
				Int("tokens_out", resp.TokensOut).
				Msg("completion succeeded")
			return resp, t, nil
		}
		if ctx.Err() != nil {
			return Response{}, t, ctx.Err()
		}
		lastErr = err
		if IsFatal(err) {
			log.Error().Err(err).Str("provider", prov).Str("model", t.Model).Msg("fatal error - no retry")
			return Response{}, t, err
		}
		if IsTransient(err) {
			f.cooldown.Open(ctx, prov, t.Model)
		}
		log.Warn().
			Err(err).
			Str("provider", prov).
			Str("model", t.Model).
			Str("attempt", fmt.Sprintf("%d/%d", i+1, len(order))).
			Msg("completion failed - trying fallback")
	}
	if lastErr == nil {
		lastErr = &ValidationError{Message: "no providers configured"}
	}
	return Response{}, Target{}, lastErr
}
