package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentmesh/mesh-go/internal/circuitbreaker"
	"github.com/agentmesh/mesh-go/internal/metrics"
	"github.com/agentmesh/mesh-go/internal/queue"
	"github.com/agentmesh/mesh-go/internal/retry"
	"github.com/agentmesh/mesh-go/pkg/events"
	"github.com/agentmesh/mesh-go/pkg/mesherr"
)

const (
	defaultQueueCap   = 1000
	defaultMaxRetries = 3
	defaultTimeout    = 30 * time.Second

	// responseBodyLimit caps how much of a receiver's reply we retain
	// for the webhook:success event.
	responseBodyLimit = 8 << 10

	// openPollFloor is the minimum pause before re-probing an open breaker.
	openPollFloor = 100 * time.Millisecond
)

// Config controls a delivery engine. Zero values fall back to defaults.
type Config struct {
	// URL is the receiver endpoint. Validated against the SSRF rules on
	// construction and on every Configure call.
	URL string

	// Headers are merged over the engine's own headers on every request,
	// so a caller can override Content-Type if the receiver demands it.
	Headers map[string]string

	// Events restricts delivery to the listed event types. Empty means
	// deliver everything.
	Events []EventType

	// Secret, when set, signs each payload with HMAC-SHA256 and attaches
	// the hex digest as X-Mesh-Signature.
	Secret string

	MaxRetries int
	Timeout    time.Duration
	QueueCap   int

	// Policy overrides the retry schedule. Nil uses exponential backoff
	// from 1s capped at 30s with jitter.
	Policy *retry.Policy

	// Breaker overrides the circuit breaker configuration.
	Breaker *circuitbreaker.Config

	// AllowInsecure permits localhost receivers over plain HTTP.
	AllowInsecure bool
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.QueueCap <= 0 {
		c.QueueCap = defaultQueueCap
	}
	return c
}

func (c Config) retryPolicy() retry.Policy {
	if c.Policy != nil {
		p := *c.Policy
		if p.MaxAttempts == 0 {
			p.MaxAttempts = c.MaxRetries
		}
		return p
	}
	return retry.Policy{
		Type:        retry.Exponential,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: c.MaxRetries,
		Jitter:      true,
	}
}

// item is one queued delivery. The runner mutates attempts and nextRetry
// in place, so the queue stores pointers.
type item struct {
	payload      Payload
	attempts     int
	nextRetry    time.Time
	lastAttempt  time.Time
	lastErr      error
	responseBody string
}

// Engine delivers payloads to a single receiver endpoint. It owns one
// bounded queue, one circuit breaker and one retry policy; a single
// runner goroutine works the queue head so deliveries never interleave.
type Engine struct {
	mu     sync.Mutex // guards cfg, filter, policy
	cfg    Config
	filter map[EventType]struct{}
	policy retry.Policy

	validator *Validator
	q         *queue.Queue[*item]
	breaker   *circuitbreaker.CircuitBreaker
	client    *http.Client
	bus       *events.Bus
	log       logrus.FieldLogger
	metrics   *metrics.Metrics

	// opMu serialises structural queue operations between the runner
	// and management calls (RetryFailed, ClearQueue).
	opMu sync.Mutex

	kick      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	destroyed atomic.Bool
}

// NewEngine validates cfg.URL and starts the delivery runner.
func NewEngine(cfg Config, bus *events.Bus, log logrus.FieldLogger, m *metrics.Metrics) (*Engine, error) {
	cfg = cfg.withDefaults()

	validator := NewValidator(cfg.AllowInsecure)
	if err := validator.Validate(cfg.URL); err != nil {
		return nil, err
	}

	if log == nil {
		log = logrus.StandardLogger()
	}
	if m == nil {
		m = metrics.Nop()
	}

	bcfg := circuitbreaker.DefaultConfig("webhook")
	if cfg.Breaker != nil {
		copied := *cfg.Breaker
		bcfg = &copied
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		filter:    filterSet(cfg.Events),
		policy:    cfg.retryPolicy(),
		validator: validator,
		q:         queue.New[*item](cfg.QueueCap, queue.DropOldest),
		client:    &http.Client{},
		bus:       bus,
		log:       log.WithField("component", "webhook"),
		metrics:   m,
		kick:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}

	userCB := bcfg.OnStateChange
	bcfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		e.log.WithFields(logrus.Fields{
			"from": from.String(),
			"to":   to.String(),
		}).Info("webhook circuit breaker state changed")
		e.metrics.SetBreakerState(name, float64(to))
		if userCB != nil {
			userCB(name, from, to)
		}
	}
	e.breaker = circuitbreaker.New(bcfg)

	e.wg.Add(1)
	go e.run()
	return e, nil
}

func filterSet(types []EventType) map[EventType]struct{} {
	if len(types) == 0 {
		return nil
	}
	set := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return set
}

// ============================================================================
// Enqueue
// ============================================================================

// Enqueue wraps data in a delivery payload and appends it to the queue.
// Events outside the configured filter are dropped silently. A full queue
// evicts its oldest entry and emits webhook:dropped.
func (e *Engine) Enqueue(event EventType, data interface{}, meta map[string]interface{}) error {
	if e.destroyed.Load() {
		return mesherr.New(mesherr.CodeSDK, "webhook engine destroyed")
	}

	p, err := newPayload(event, data, meta)
	if err != nil {
		return err
	}

	e.mu.Lock()
	filtered := e.filter != nil
	if filtered {
		_, ok := e.filter[event]
		filtered = !ok
	}
	e.mu.Unlock()
	if filtered {
		return nil
	}

	e.opMu.Lock()
	old, evicted, _ := e.q.Push(&item{payload: p})
	depth := e.q.Len()
	e.opMu.Unlock()

	if evicted {
		e.log.WithField("event", old.payload.Event).Warn("webhook queue full, dropped oldest delivery")
		e.metrics.RecordWebhook("dropped", 0)
		e.emit(events.TypeWebhookDropped, map[string]interface{}{
			"event":    string(old.payload.Event),
			"attempts": old.attempts,
		}, nil)
	}
	e.metrics.SetWebhookQueueDepth(float64(depth))
	e.wake()
	return nil
}

func (e *Engine) wake() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// ============================================================================
// Runner
// ============================================================================

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.kick:
		}
		if !e.drain() {
			return
		}
	}
}

// drain works the queue until it is empty. Returns false when the engine
// is shutting down.
func (e *Engine) drain() bool {
	for {
		if e.ctx.Err() != nil {
			return false
		}

		head, nextRetry, ok := e.peek()
		if !ok {
			e.metrics.SetWebhookQueueDepth(0)
			return true
		}

		now := time.Now()
		if nextRetry.After(now) {
			if !e.sleepUntil(nextRetry) {
				return false
			}
			continue
		}

		err := e.breaker.Execute(func() error { return e.deliver(head) })
		switch {
		case err == nil:
			e.complete(head)
		case mesherr.HasCode(err, mesherr.CodeCircuitOpen):
			// Pause the whole queue until the breaker is willing to
			// admit a probe again.
			resume := e.breaker.Snapshot().NextAttemptAt
			if until := time.Until(resume); until < openPollFloor {
				resume = now.Add(openPollFloor)
			}
			if !e.sleepUntil(resume) {
				return false
			}
		default:
			e.fail(head, err)
		}
	}
}

// peek reads the head and its schedule under opMu so RetryFailed cannot
// rewrite nextRetry mid-read.
func (e *Engine) peek() (*item, time.Time, bool) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	it, ok := e.q.Peek()
	if !ok {
		return nil, time.Time{}, false
	}
	return it, it.nextRetry, true
}

// popIfHead removes head only if it is still the queue front. Management
// calls can reshuffle the queue between the runner's peek and its verdict.
func (e *Engine) popIfHead(head *item) bool {
	cur, ok := e.q.Peek()
	if !ok || cur != head {
		return false
	}
	e.q.Pop()
	return true
}

func (e *Engine) complete(head *item) {
	e.opMu.Lock()
	popped := e.popIfHead(head)
	depth := e.q.Len()
	e.opMu.Unlock()
	if !popped {
		return
	}

	e.metrics.SetWebhookQueueDepth(float64(depth))
	e.log.WithFields(logrus.Fields{
		"event":    head.payload.Event,
		"attempts": head.attempts + 1,
	}).Debug("webhook delivered")

	data := map[string]interface{}{
		"event":    string(head.payload.Event),
		"attempts": head.attempts + 1,
	}
	e.emit(events.TypeWebhookSent, data, nil)
	if head.responseBody != "" {
		data = map[string]interface{}{
			"event":    string(head.payload.Event),
			"attempts": head.attempts + 1,
			"response": head.responseBody,
		}
	}
	e.emit(events.TypeWebhookSuccess, data, nil)
}

func (e *Engine) fail(head *item, err error) {
	now := time.Now()

	e.mu.Lock()
	policy := e.policy
	e.mu.Unlock()

	e.opMu.Lock()
	cur, ok := e.q.Peek()
	if !ok || cur != head {
		e.opMu.Unlock()
		return
	}

	head.attempts++
	head.lastAttempt = now
	head.lastErr = err

	if !policy.ShouldRetry(head.attempts) {
		e.q.Pop()
		depth := e.q.Len()
		e.opMu.Unlock()

		e.metrics.SetWebhookQueueDepth(float64(depth))
		e.metrics.RecordWebhook("error", 0)
		e.log.WithFields(logrus.Fields{
			"event":    head.payload.Event,
			"attempts": head.attempts,
		}).WithError(err).Error("webhook delivery abandoned")
		e.emit(events.TypeWebhookError, map[string]interface{}{
			"event":    string(head.payload.Event),
			"attempts": head.attempts,
		}, err)
		return
	}

	delay, derr := policy.Delay(head.attempts)
	if derr != nil {
		delay = time.Second
	}
	head.nextRetry = now.Add(delay)
	attempt := head.attempts
	nextRetry := head.nextRetry
	e.q.RotateToTail()
	e.opMu.Unlock()

	e.metrics.RecordWebhook("retry", 0)
	e.log.WithFields(logrus.Fields{
		"event":   head.payload.Event,
		"attempt": attempt,
		"delay":   delay,
	}).WithError(err).Warn("webhook delivery failed, will retry")
	e.emit(events.TypeWebhookRetry, map[string]interface{}{
		"event":      string(head.payload.Event),
		"attempt":    attempt,
		"next_retry": nextRetry,
	}, err)
}

// sleepUntil blocks until t, a kick, or shutdown. Returns false only on
// shutdown. A kick returns early so management calls and fresh enqueues
// are picked up immediately.
func (e *Engine) sleepUntil(t time.Time) bool {
	d := time.Until(t)
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-e.ctx.Done():
		return false
	case <-e.kick:
		return true
	case <-timer.C:
		return true
	}
}

// ============================================================================
// Delivery
// ============================================================================

func (e *Engine) deliver(it *item) error {
	e.mu.Lock()
	url := e.cfg.URL
	headers := e.cfg.Headers
	timeout := e.cfg.Timeout
	secret := e.cfg.Secret
	e.mu.Unlock()

	if err := e.validator.Validate(url); err != nil {
		return err
	}

	body, err := json.Marshal(it.payload)
	if err != nil {
		return mesherr.Wrap(mesherr.CodeValidation, err, "marshal webhook payload")
	}

	started := time.Now()
	ctx, cancel := context.WithTimeout(e.ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return mesherr.Wrap(mesherr.CodeWebhook, err, "build webhook request")
	}

	e.opMu.Lock()
	attempt := it.attempts + 1
	e.opMu.Unlock()

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Mesh-Event", string(it.payload.Event))
	req.Header.Set("X-Mesh-Delivery-Attempt", fmt.Sprintf("%d", attempt))
	if secret != "" {
		req.Header.Set("X-Mesh-Signature", "sha256="+signPayload(body, secret))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return mesherr.Newf(mesherr.CodeTimeout, "webhook request timed out after %s", timeout)
		}
		return mesherr.Wrap(mesherr.CodeWebhook, err, "webhook request failed")
	}
	defer resp.Body.Close()

	reply, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return mesherr.Newf(mesherr.CodeWebhook, "webhook receiver returned status %d", resp.StatusCode)
	}

	it.responseBody = string(reply)
	e.metrics.RecordWebhook("success", time.Since(started).Seconds())
	return nil
}

// signPayload computes the HMAC-SHA256 hex digest receivers use to verify
// delivery authenticity.
func signPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// ============================================================================
// Management
// ============================================================================

// Configure replaces the receiver settings. The new URL is validated
// immediately so a bad endpoint is rejected before anything is queued
// against it.
func (e *Engine) Configure(cfg Config) error {
	if e.destroyed.Load() {
		return mesherr.New(mesherr.CodeSDK, "webhook engine destroyed")
	}
	cfg = cfg.withDefaults()

	validator := NewValidator(cfg.AllowInsecure)
	if err := validator.Validate(cfg.URL); err != nil {
		return err
	}

	e.mu.Lock()
	e.cfg = cfg
	e.filter = filterSet(cfg.Events)
	e.policy = cfg.retryPolicy()
	e.validator = validator
	e.mu.Unlock()

	e.wake()
	return nil
}

// RetryFailed resets the attempt counters of every queued delivery that
// has already failed at least once, making them eligible immediately.
func (e *Engine) RetryFailed() int {
	e.opMu.Lock()
	items := e.q.Drain()
	reset := 0
	for _, it := range items {
		if it.lastErr != nil {
			it.attempts = 0
			it.lastErr = nil
			it.nextRetry = time.Time{}
			reset++
		}
		e.q.Push(it)
	}
	depth := e.q.Len()
	e.opMu.Unlock()

	e.metrics.SetWebhookQueueDepth(float64(depth))
	if reset > 0 {
		e.wake()
	}
	return reset
}

// ClearQueue discards every pending delivery.
func (e *Engine) ClearQueue() int {
	e.opMu.Lock()
	items := e.q.Drain()
	e.opMu.Unlock()

	e.metrics.SetWebhookQueueDepth(0)
	return len(items)
}

// Destroy stops the runner, aborts any in-flight request and discards the
// queue. The engine cannot be reused afterwards.
func (e *Engine) Destroy() {
	if !e.destroyed.CompareAndSwap(false, true) {
		return
	}
	e.cancel()
	e.wg.Wait()

	e.opMu.Lock()
	e.q.Drain()
	e.opMu.Unlock()
	e.metrics.SetWebhookQueueDepth(0)
}

// QueueLen reports how many deliveries are waiting.
func (e *Engine) QueueLen() int {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.q.Len()
}

// BreakerStats exposes the delivery breaker for diagnostics.
func (e *Engine) BreakerStats() circuitbreaker.Stats {
	return e.breaker.Snapshot()
}

func (e *Engine) emit(t events.Type, data map[string]interface{}, err error) {
	if e.bus == nil {
		return
	}
	ev := events.New(t, "webhook", data)
	if err != nil {
		ev = ev.WithError(err)
	}
	e.bus.Publish(ev)
}
