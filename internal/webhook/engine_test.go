package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh-go/internal/circuitbreaker"
	"github.com/agentmesh/mesh-go/internal/retry"
	"github.com/agentmesh/mesh-go/pkg/events"
	"github.com/agentmesh/mesh-go/pkg/mesherr"
)

// fastPolicy is a deterministic schedule for tests: no jitter, short
// exponential delays.
func fastPolicy(maxAttempts int, base time.Duration) *retry.Policy {
	return &retry.Policy{
		Type:        retry.Exponential,
		BaseDelay:   base,
		MaxDelay:    time.Second,
		MaxAttempts: maxAttempts,
		Jitter:      false,
	}
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, <-chan *events.Event) {
	t.Helper()

	bus := events.NewBus(64)
	t.Cleanup(bus.Close)
	ch := bus.Subscribe()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg.AllowInsecure = true
	e, err := NewEngine(cfg, bus, logger, nil)
	require.NoError(t, err)
	t.Cleanup(e.Destroy)
	return e, ch
}

func waitEvent(t *testing.T, ch <-chan *events.Event, want events.Type) *events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event channel closed while waiting for %s", want)
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestEngineDeliversPayload(t *testing.T) {
	var (
		mu      sync.Mutex
		body    []byte
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		headers = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, ch := newTestEngine(t, Config{URL: srv.URL})

	err := e.Enqueue(EventMessage,
		map[string]interface{}{"content": "hello", "from": "agent-1"},
		map[string]interface{}{"trace": "abc"})
	require.NoError(t, err)

	waitEvent(t, ch, events.TypeWebhookSent)
	waitEvent(t, ch, events.TypeWebhookSuccess)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, "message", headers.Get("X-Mesh-Event"))
	assert.Equal(t, "1", headers.Get("X-Mesh-Delivery-Attempt"))

	var p Payload
	require.NoError(t, json.Unmarshal(body, &p))
	assert.Equal(t, EventMessage, p.Event)
	_, terr := time.Parse(time.RFC3339, p.Timestamp)
	assert.NoError(t, terr)
	data, ok := p.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hello", data["content"])
	assert.Equal(t, "abc", p.Metadata["trace"])

	assert.Equal(t, 0, e.QueueLen())
}

func TestEngineRetriesWithBackoffSchedule(t *testing.T) {
	var (
		mu    sync.Mutex
		times []time.Time
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		n := len(times)
		times = append(times, time.Now())
		mu.Unlock()
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, ch := newTestEngine(t, Config{
		URL:    srv.URL,
		Policy: fastPolicy(3, 40*time.Millisecond),
	})

	require.NoError(t, e.Enqueue(EventTask, map[string]interface{}{"task_id": "t-1"}, nil))

	first := waitEvent(t, ch, events.TypeWebhookRetry)
	assert.Equal(t, 1, first.Data["attempt"])
	require.Error(t, first.Err)

	second := waitEvent(t, ch, events.TypeWebhookRetry)
	assert.Equal(t, 2, second.Data["attempt"])

	waitEvent(t, ch, events.TypeWebhookSuccess)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, times, 3)
	// Exponential schedule without jitter: waits of 40ms then 80ms.
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 40*time.Millisecond)
	assert.Less(t, times[1].Sub(times[0]), time.Second)
	assert.GreaterOrEqual(t, times[2].Sub(times[1]), 80*time.Millisecond)
	assert.Less(t, times[2].Sub(times[1]), time.Second)

	assert.Equal(t, 0, e.QueueLen())
}

func TestEngineAbandonsAfterRetryBudget(t *testing.T) {
	var posts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e, ch := newTestEngine(t, Config{
		URL:        srv.URL,
		MaxRetries: 1,
		Policy:     fastPolicy(1, 10*time.Millisecond),
	})

	require.NoError(t, e.Enqueue(EventError, map[string]interface{}{"content": "boom"}, nil))

	ev := waitEvent(t, ch, events.TypeWebhookError)
	assert.Equal(t, 2, ev.Data["attempts"])
	require.Error(t, ev.Err)
	assert.True(t, mesherr.HasCode(ev.Err, mesherr.CodeWebhook))

	assert.Equal(t, int64(2), posts.Load())
	assert.Equal(t, 0, e.QueueLen())
}

func TestEngineFiltersEventTypes(t *testing.T) {
	var posts atomic.Int64
	var lastEvent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		lastEvent.Store(r.Header.Get("X-Mesh-Event"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, ch := newTestEngine(t, Config{
		URL:    srv.URL,
		Events: []EventType{EventTask},
	})

	require.NoError(t, e.Enqueue(EventMessage, map[string]interface{}{"content": "skip me"}, nil))
	require.NoError(t, e.Enqueue(EventTask, map[string]interface{}{"task_id": "t-2"}, nil))

	waitEvent(t, ch, events.TypeWebhookSuccess)

	assert.Equal(t, int64(1), posts.Load())
	assert.Equal(t, "task", lastEvent.Load())
}

func TestEngineRejectsUnknownEventKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, _ := newTestEngine(t, Config{URL: srv.URL})

	err := e.Enqueue(EventType("bogus"), nil, nil)
	require.Error(t, err)
	assert.True(t, mesherr.HasCode(err, mesherr.CodeValidation))
}

func TestEngineDropsOldestWhenQueueFull(t *testing.T) {
	var posts atomic.Int64
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if posts.Add(1) == 1 {
			close(entered)
			<-release
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, ch := newTestEngine(t, Config{URL: srv.URL, QueueCap: 2})

	require.NoError(t, e.Enqueue(EventMessage, map[string]interface{}{"content": "a"}, nil))
	<-entered

	// The in-flight delivery is still the queue head, so a third enqueue
	// evicts it.
	require.NoError(t, e.Enqueue(EventMessage, map[string]interface{}{"content": "b"}, nil))
	require.NoError(t, e.Enqueue(EventMessage, map[string]interface{}{"content": "c"}, nil))

	waitEvent(t, ch, events.TypeWebhookDropped)
	close(release)

	waitEvent(t, ch, events.TypeWebhookSuccess)
	waitEvent(t, ch, events.TypeWebhookSuccess)

	assert.Equal(t, int64(3), posts.Load())
	assert.Equal(t, 0, e.QueueLen())
}

func TestEngineFailsFastWhileBreakerOpen(t *testing.T) {
	var posts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e, ch := newTestEngine(t, Config{
		URL:    srv.URL,
		Policy: fastPolicy(5, time.Millisecond),
		Breaker: &circuitbreaker.Config{
			Name:             "webhook-test",
			FailureThreshold: 1,
			SuccessThreshold: 1,
			OpenTimeout:      time.Minute,
		},
	})

	require.NoError(t, e.Enqueue(EventMessage, map[string]interface{}{"content": "x"}, nil))
	waitEvent(t, ch, events.TypeWebhookRetry)

	require.NoError(t, e.Enqueue(EventMessage, map[string]interface{}{"content": "y"}, nil))
	time.Sleep(300 * time.Millisecond)

	// One real POST tripped the breaker, everything since failed fast.
	assert.Equal(t, int64(1), posts.Load())
	assert.Equal(t, 2, e.QueueLen())
	assert.Equal(t, circuitbreaker.StateOpen.String(), e.BreakerStats().State)
}

func TestEngineResumesAfterBreakerRecovers(t *testing.T) {
	var posts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if posts.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, ch := newTestEngine(t, Config{
		URL:    srv.URL,
		Policy: fastPolicy(5, time.Millisecond),
		Breaker: &circuitbreaker.Config{
			Name:             "webhook-test",
			FailureThreshold: 1,
			SuccessThreshold: 1,
			OpenTimeout:      150 * time.Millisecond,
		},
	})

	require.NoError(t, e.Enqueue(EventMessage, map[string]interface{}{"content": "x"}, nil))

	waitEvent(t, ch, events.TypeWebhookSuccess)
	assert.Equal(t, int64(2), posts.Load())
	assert.Equal(t, circuitbreaker.StateClosed.String(), e.BreakerStats().State)
}

func TestEngineClassifiesTimeouts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, ch := newTestEngine(t, Config{
		URL:     srv.URL,
		Timeout: 50 * time.Millisecond,
		Policy:  fastPolicy(1, 10*time.Millisecond),
	})

	require.NoError(t, e.Enqueue(EventMessage, map[string]interface{}{"content": "slow"}, nil))

	ev := waitEvent(t, ch, events.TypeWebhookRetry)
	require.Error(t, ev.Err)
	assert.True(t, mesherr.HasCode(ev.Err, mesherr.CodeTimeout))
}

func TestEngineConfigureRejectsPrivateTarget(t *testing.T) {
	var posts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, ch := newTestEngine(t, Config{URL: srv.URL})

	err := e.Configure(Config{URL: "https://10.0.0.1/hook"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "private IP")
	assert.True(t, mesherr.HasCode(err, mesherr.CodeWebhook))

	// The previous target survives a rejected reconfiguration.
	require.NoError(t, e.Enqueue(EventMessage, map[string]interface{}{"content": "still here"}, nil))
	waitEvent(t, ch, events.TypeWebhookSuccess)
	assert.Equal(t, int64(1), posts.Load())
}

func TestNewEngineRejectsBadTarget(t *testing.T) {
	bus := events.NewBus(8)
	defer bus.Close()

	_, err := NewEngine(Config{URL: "ftp://example.com/hook"}, bus, nil, nil)
	require.Error(t, err)

	_, err = NewEngine(Config{URL: "https://169.254.169.254/hook"}, bus, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked infrastructure endpoint")
}

func TestEngineRetryFailedReschedulesImmediately(t *testing.T) {
	var posts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if posts.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// A long base delay parks the failed delivery far in the future.
	e, ch := newTestEngine(t, Config{
		URL:    srv.URL,
		Policy: fastPolicy(3, time.Hour),
	})

	require.NoError(t, e.Enqueue(EventMessage, map[string]interface{}{"content": "z"}, nil))
	waitEvent(t, ch, events.TypeWebhookRetry)

	require.Equal(t, 1, e.RetryFailed())

	waitEvent(t, ch, events.TypeWebhookSuccess)
	assert.Equal(t, int64(2), posts.Load())
}

func TestEngineClearQueue(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-entered:
		default:
			close(entered)
		}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, _ := newTestEngine(t, Config{URL: srv.URL})

	require.NoError(t, e.Enqueue(EventMessage, map[string]interface{}{"content": "a"}, nil))
	<-entered
	require.NoError(t, e.Enqueue(EventMessage, map[string]interface{}{"content": "b"}, nil))

	assert.Equal(t, 2, e.ClearQueue())
	assert.Equal(t, 0, e.QueueLen())
	close(release)
}

func TestEngineDestroyStopsDeliveries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, _ := newTestEngine(t, Config{URL: srv.URL})

	e.Destroy()
	e.Destroy() // idempotent

	err := e.Enqueue(EventMessage, map[string]interface{}{"content": "late"}, nil)
	require.Error(t, err)
	assert.True(t, mesherr.HasCode(err, mesherr.CodeSDK))
	assert.Equal(t, 0, e.QueueLen())
}

func TestEngineSignsPayloadWithSecret(t *testing.T) {
	var (
		mu   sync.Mutex
		body []byte
		sig  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		sig = r.Header.Get("X-Mesh-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, ch := newTestEngine(t, Config{URL: srv.URL, Secret: "s3cret"})

	require.NoError(t, e.Enqueue(EventMessage, map[string]interface{}{"content": "signed"}, nil))
	waitEvent(t, ch, events.TypeWebhookSuccess)

	mu.Lock()
	defer mu.Unlock()
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), sig)
}

func TestEngineMergesCustomHeaders(t *testing.T) {
	var (
		mu      sync.Mutex
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		headers = r.Header.Clone()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, ch := newTestEngine(t, Config{
		URL: srv.URL,
		Headers: map[string]string{
			"Authorization": "Bearer tok",
			"Content-Type":  "application/vnd.mesh+json",
		},
	})

	require.NoError(t, e.Enqueue(EventMessage, map[string]interface{}{"content": "hdrs"}, nil))
	waitEvent(t, ch, events.TypeWebhookSuccess)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer tok", headers.Get("Authorization"))
	// User headers win over the engine defaults.
	assert.Equal(t, "application/vnd.mesh+json", headers.Get("Content-Type"))
}
