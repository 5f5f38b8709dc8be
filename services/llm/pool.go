package llm

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
)

var poolMeter = otel.Meter("subchat.llm.pool")

var (
	poolInFlight    metric.Int64UpDownCounter
	poolAcquireWait metric.Float64Histogram
	poolExhausted   metric.Int64Counter

	poolMetricsOnce sync.Once
	poolMetricsErr  error
)

// initPoolMetrics initializes the pool meters. Safe to call multiple times.
func initPoolMetrics() error {
	poolMetricsOnce.Do(func() {
		var err error

		poolInFlight, err = poolMeter.Int64UpDownCounter(
			"lm_pool_in_flight",
			metric.WithDescription("Number of LM calls currently holding a pool slot"),
		)
		if err != nil {
			poolMetricsErr = err
			return
		}

		poolAcquireWait, err = poolMeter.Float64Histogram(
			"lm_pool_acquire_wait_seconds",
			metric.WithDescription("Time spent between slot acquisition and dispatch"),
			metric.WithUnit("s"),
		)
		if err != nil {
			poolMetricsErr = err
			return
		}

		poolExhausted, err = poolMeter.Int64Counter(
			"lm_pool_exhausted_total",
			metric.WithDescription("Total LM calls rejected because every pool slot was busy"),
		)
		if err != nil {
			poolMetricsErr = err
			return
		}
	})
	return poolMetricsErr
}

// PoolConfig sizes the LM client pool.
type PoolConfig struct {
	// Size is the number of concurrent LM calls allowed. Minimum 1.
	Size int64
	// RatePerSecond smooths outbound request rate. 0 disables limiting.
	RatePerSecond float64
	// CallTimeout is the per-call deadline, covering the whole stream.
	// 0 disables the deadline.
	CallTimeout time.Duration
}

// DefaultPoolConfig reads LM_POOL_SIZE, LM_RATE_LIMIT_RPS and
// LM_TIMEOUT_SECONDS with logged fallbacks.
func DefaultPoolConfig() PoolConfig {
	cfg := PoolConfig{
		Size:          8,
		RatePerSecond: 0,
		CallTimeout:   120 * time.Second,
	}
	if raw := os.Getenv("LM_POOL_SIZE"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v >= 1 {
			cfg.Size = v
		} else {
			slog.Warn("Invalid LM_POOL_SIZE, using default", "value", raw, "default", cfg.Size)
		}
	}
	if raw := os.Getenv("LM_RATE_LIMIT_RPS"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v >= 0 {
			cfg.RatePerSecond = v
		} else {
			slog.Warn("Invalid LM_RATE_LIMIT_RPS, using default", "value", raw, "default", cfg.RatePerSecond)
		}
	}
	if raw := os.Getenv("LM_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			cfg.CallTimeout = time.Duration(v) * time.Second
		} else {
			slog.Warn("Invalid LM_TIMEOUT_SECONDS, using default", "value", raw, "default", cfg.CallTimeout)
		}
	}
	return cfg
}

// Pool bounds concurrent access to an LLM backend. Acquisition never
// queues: when every slot is busy the call fails fast with
// ErrPoolExhausted so the HTTP layer can answer 503 with a retry hint.
// An optional rate limiter smooths dispatch for providers with strict
// RPS caps; only slot holders ever wait on it.
type Pool struct {
	client  LLMClient
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	timeout time.Duration
}

var _ LLMClient = (*Pool)(nil)

// NewPool wraps client with slot accounting per cfg.
func NewPool(client LLMClient, cfg PoolConfig) *Pool {
	if client == nil {
		panic("llm.NewPool: client must not be nil")
	}
	if cfg.Size < 1 {
		slog.Warn("Pool size below minimum, clamping", "requested", cfg.Size, "clamped", 1)
		cfg.Size = 1
	}
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	slog.Info("Initializing LM client pool",
		"size", cfg.Size,
		"rate_limit_rps", cfg.RatePerSecond,
		"call_timeout", cfg.CallTimeout,
	)
	return &Pool{
		client:  client,
		sem:     semaphore.NewWeighted(cfg.Size),
		limiter: limiter,
		timeout: cfg.CallTimeout,
	}
}

// Generate implements the LLMClient interface.
func (p *Pool) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	ctx, cancel := p.withDeadline(ctx)
	defer cancel()
	return p.client.Generate(ctx, prompt, params)
}

// Chat implements the LLMClient interface.
func (p *Pool) Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	ctx, cancel := p.withDeadline(ctx)
	defer cancel()
	return p.client.Chat(ctx, messages, params)
}

// ChatStream implements the LLMClient interface. The slot is held for
// the lifetime of the stream.
func (p *Pool) ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {
	release, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := p.withDeadline(ctx)
	defer cancel()
	return p.client.ChatStream(ctx, messages, params, callback)
}

func (p *Pool) acquire(ctx context.Context) (func(), error) {
	start := time.Now()
	if !p.sem.TryAcquire(1) {
		if initPoolMetrics() == nil {
			poolExhausted.Add(ctx, 1)
		}
		slog.Warn("LM pool exhausted, rejecting call")
		return nil, ErrPoolExhausted
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			p.sem.Release(1)
			return nil, err
		}
	}
	if initPoolMetrics() == nil {
		poolInFlight.Add(ctx, 1)
		poolAcquireWait.Record(ctx, time.Since(start).Seconds())
	}
	return func() {
		p.sem.Release(1)
		if initPoolMetrics() == nil {
			poolInFlight.Add(context.Background(), -1)
		}
	}, nil
}

func (p *Pool) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.timeout)
}
