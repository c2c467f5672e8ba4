// Package pipeline routes inbound frames that were not claimed by a pending
// request: dedup gate, signature gate, then dispatch to a per-kind handler.
package pipeline

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/agentmesh/mesh-go/internal/conn"
	"github.com/agentmesh/mesh-go/internal/dedup"
	"github.com/agentmesh/mesh-go/internal/metrics"
	"github.com/agentmesh/mesh-go/internal/registry"
	"github.com/agentmesh/mesh-go/internal/signature"
	"github.com/agentmesh/mesh-go/pkg/events"
	"github.com/agentmesh/mesh-go/pkg/mesherr"
	"github.com/agentmesh/mesh-go/pkg/wire"
)

// Handler reacts to one inbound frame. Returning an error reports the
// failure on the bus; it does not stop the pipeline.
type Handler func(hc *HandlerContext, f *wire.Frame) error

// HandlerContext is the capability set handlers run with. The same context
// is shared by every invocation, so all fields must be safe for concurrent
// use.
type HandlerContext struct {
	Log  logrus.FieldLogger
	Emit func(e *events.Event)
	Send func(ctx context.Context, f *wire.Frame) error

	ConnState func() conn.State
	AuthState func() conn.AuthState

	// AuthSucceeded and AuthFailed report handshake verdicts back to the
	// connection engine.
	AuthSucceeded func(address string)
	AuthFailed    func(err error)

	Rooms  *registry.Rooms
	Agents *registry.Agents
	Signer *signature.Signer

	AgentName    string
	Capabilities []string
}

// Options configures a pipeline. A nil Dedup or Verifier disables the
// corresponding gate.
type Options struct {
	Context  HandlerContext
	Dedup    *dedup.Cache
	Verifier *signature.Verifier
}

// Pipeline owns the handler registry and applies the inbound gates. Process
// is expected to be called from a single reader goroutine; frames keep their
// transport delivery order.
type Pipeline struct {
	hc       *HandlerContext
	dedup    *dedup.Cache
	verifier *signature.Verifier
	bus      *events.Bus
	log      logrus.FieldLogger
	metrics  *metrics.Metrics

	mu       sync.RWMutex
	handlers map[wire.Kind]Handler
}

// New builds a pipeline seeded with the default handlers. Missing context
// fields are filled with safe fallbacks.
func New(opts Options, bus *events.Bus, log logrus.FieldLogger, m *metrics.Metrics) *Pipeline {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if m == nil {
		m = metrics.Nop()
	}
	p := &Pipeline{
		hc:       &opts.Context,
		dedup:    opts.Dedup,
		verifier: opts.Verifier,
		bus:      bus,
		log:      log.WithField("component", "pipeline"),
		metrics:  m,
		handlers: defaultHandlers(),
	}
	if p.hc.Log == nil {
		p.hc.Log = p.log
	}
	if p.hc.Emit == nil {
		p.hc.Emit = func(e *events.Event) {
			if bus != nil && e != nil {
				bus.Publish(e)
			}
		}
	}
	if p.hc.Send == nil {
		p.hc.Send = func(context.Context, *wire.Frame) error {
			return mesherr.New(mesherr.CodeSDK, "pipeline has no send callback")
		}
	}
	return p
}

// Register installs a handler for kind, replacing the default. A nil
// handler removes the binding so frames of that kind are dropped after the
// gates.
func (p *Pipeline) Register(kind wire.Kind, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h == nil {
		delete(p.handlers, kind)
		return
	}
	p.handlers[kind] = h
}

// Process runs one frame through the gates and its handler. Errors are
// reported as message:error events and swallowed.
func (p *Pipeline) Process(f *wire.Frame) {
	if f == nil {
		return
	}

	// Dedup gate. Add is check-then-insert under one lock, so concurrent
	// duplicates cannot both pass.
	if p.dedup != nil && p.dedup.Enabled() && f.ID != "" {
		if !p.dedup.Add(f.ID) {
			p.metrics.RecordDuplicate()
			p.log.WithFields(logrus.Fields{"kind": f.Kind, "id": f.ID}).Debug("dropping duplicate frame")
			p.emitFrame(events.TypeMessageDuplicate, f, nil)
			return
		}
	}

	// Signature gate. Unsigned frames pass unless their kind demands a
	// signature.
	if p.verifier != nil {
		if res := p.verifier.Verify(f); !res.Valid {
			err := mesherr.Newf(mesherr.CodeSignature, "frame rejected: %s", res.Reason)
			p.metrics.RecordFrameError("signature")
			p.log.WithFields(logrus.Fields{
				"kind":      f.Kind,
				"from":      f.From,
				"recovered": res.Recovered,
			}).Warn("frame failed signature verification")
			p.emitFrame(events.TypeMessageError, f, err)
			return
		}
	}

	p.mu.RLock()
	h, ok := p.handlers[f.Kind]
	p.mu.RUnlock()
	if !ok {
		p.log.WithField("kind", f.Kind).Debug("no handler for frame kind")
		return
	}

	if err := p.invoke(h, f); err != nil {
		p.metrics.RecordFrameError("handler")
		p.log.WithField("kind", f.Kind).WithError(err).Warn("frame handler failed")
		p.emitFrame(events.TypeMessageError, f, err)
	}
}

// invoke shields the pipeline from handler panics.
func (p *Pipeline) invoke(h Handler, f *wire.Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = mesherr.Newf(mesherr.CodeSDK, "handler panic: %v", r)
		}
	}()
	return h(p.hc, f)
}

func (p *Pipeline) emitFrame(t events.Type, f *wire.Frame, err error) {
	if p.bus == nil {
		return
	}
	e := events.New(t, "pipeline", nil).WithFrame(f)
	if err != nil {
		e = e.WithError(err)
	}
	p.bus.Publish(e)
}
