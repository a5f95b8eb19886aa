// Package natsctx runs rule nodes on NATS subjects.
//
// A Context reads RuleData from an input subject, publishes results to an
// output subject and lifecycle events and failures to optional event and
// error subjects. Lifecycle events are acknowledged once the server confirmed
// them: by a connection flush on core NATS or by the stream's publish ack when
// a StreamPublisher is configured.
package natsctx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/marc45/rule-engine/pkg/concurrency"
	"github.com/marc45/rule-engine/pkg/config"
	"github.com/marc45/rule-engine/pkg/event"
	"github.com/marc45/rule-engine/pkg/message"
	"github.com/marc45/rule-engine/pkg/node"
	"github.com/marc45/rule-engine/pkg/reporting"
	"github.com/marc45/rule-engine/pkg/ruledata"
)

const (
	// HeaderSubject holds the subject an item was received on.
	HeaderSubject = "natsSubject"
	// HeaderEventKind is set on published lifecycle events.
	HeaderEventKind = "Rule-Event"

	defaultAckTimeout = 5 * time.Second
)

// ErrAckTimeout is returned when an event is not acknowledged in time.
var ErrAckTimeout = errors.New("event acknowledgement timed out")

// Subjects names the subjects a node is bound to.
type Subjects struct {
	Input  string
	Output string
	// Events receives lifecycle events. Empty disables publishing them.
	Events string
	// Errors receives failure envelopes. Empty disables publishing them.
	Errors string
	// Queue is the queue group of the input subscription.
	Queue string
}

// SubjectsFor returns the subjects of spec.
func SubjectsFor(spec config.NodeSpec) Subjects {
	return Subjects{
		Input:  spec.Input,
		Output: spec.Output,
		Events: spec.Events,
		Errors: spec.Errors,
		Queue:  spec.Queue,
	}
}

// Context is a node.ExecutionContext on a NATS connection.
type Context struct {
	conn       Conn
	stream     StreamPublisher
	nodeID     string
	subjects   Subjects
	logger     *zap.Logger
	reporter   reporting.Reporter
	workers    int
	breaker    *concurrency.CircuitBreaker
	ackTimeout time.Duration
	hooks      node.StopHooks
}

var _ node.ExecutionContext = (*Context)(nil)

// Option configures a Context.
type Option func(*Context)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Context) { c.logger = logger }
}

// WithReporter forwards failures to r in addition to the errors subject.
func WithReporter(r reporting.Reporter) Option {
	return func(c *Context) { c.reporter = r }
}

// WithWorkers handles up to n items concurrently. With n <= 1 items are
// handled one at a time in the subscription's delivery goroutine.
func WithWorkers(n int) Option {
	return func(c *Context) { c.workers = n }
}

// WithJetStream publishes lifecycle events through s.
func WithJetStream(s StreamPublisher) Option {
	return func(c *Context) { c.stream = s }
}

// WithCircuitBreaker guards output publishing with cb.
func WithCircuitBreaker(cb *concurrency.CircuitBreaker) Option {
	return func(c *Context) { c.breaker = cb }
}

// WithAckTimeout bounds how long an event acknowledgement may take.
func WithAckTimeout(d time.Duration) Option {
	return func(c *Context) { c.ackTimeout = d }
}

// New creates a context for the node nodeID on conn.
func New(conn Conn, nodeID string, subjects Subjects, opts ...Option) (*Context, error) {
	if conn == nil {
		return nil, errors.New("connection cannot be nil")
	}
	if subjects.Input == "" {
		return nil, errors.New("input subject cannot be empty")
	}
	if subjects.Output == "" {
		return nil, errors.New("output subject cannot be empty")
	}

	c := &Context{
		conn:       conn,
		nodeID:     nodeID,
		subjects:   subjects,
		logger:     zap.NewNop(),
		reporter:   reporting.Nop,
		ackTimeout: defaultAckTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("nodeId", nodeID))
	return c, nil
}

func (c *Context) Input() node.Input { return &input{c: c} }

func (c *Context) Output() node.Output { return &output{c: c} }

// FireEvent publishes the event envelope to the events subject.
func (c *Context) FireEvent(ctx context.Context, kind event.Kind, data *ruledata.RuleData) event.Ack {
	if c.subjects.Events == "" {
		return nil
	}
	body, err := message.NewEvent(c.nodeID, kind, data).ToBytes()
	if err != nil {
		return event.Acked(fmt.Errorf("failed to encode %s event: %w", kind, err))
	}
	msg := c.newMsg(ctx, c.subjects.Events, body)
	msg.Header.Set(HeaderEventKind, string(kind))

	if c.stream != nil {
		return c.publishStream(msg)
	}
	if err := c.conn.PublishMsg(msg); err != nil {
		return event.Acked(fmt.Errorf("failed to publish %s event: %w", kind, err))
	}

	ack := make(chan error, 1)
	go func() {
		defer close(ack)
		fctx, cancel := context.WithTimeout(ctx, c.ackTimeout)
		defer cancel()
		if err := c.conn.FlushWithContext(fctx); err != nil {
			ack <- fmt.Errorf("failed to flush %s event: %w", kind, err)
		}
	}()
	return ack
}

func (c *Context) publishStream(msg *nats.Msg) event.Ack {
	future, err := c.stream.PublishMsgAsync(msg)
	if err != nil {
		return event.Acked(fmt.Errorf("failed to publish event to stream: %w", err))
	}

	ack := make(chan error, 1)
	go func() {
		defer close(ack)
		timer := time.NewTimer(c.ackTimeout)
		defer timer.Stop()
		select {
		case <-future.Ok():
		case err := <-future.Err():
			ack <- err
		case <-timer.C:
			ack <- ErrAckTimeout
		}
	}()
	return ack
}

// OnError publishes a failure envelope to the errors subject and reports the
// failure to the configured reporter.
func (c *Context) OnError(ctx context.Context, data *ruledata.RuleData, err error) error {
	var errs []error
	if c.subjects.Errors != "" {
		body, merr := message.NewError(c.nodeID, data, err).ToBytes()
		if merr != nil {
			errs = append(errs, fmt.Errorf("failed to encode error envelope: %w", merr))
		} else if perr := c.conn.PublishMsg(c.newMsg(ctx, c.subjects.Errors, body)); perr != nil {
			errs = append(errs, fmt.Errorf("failed to publish error envelope: %w", perr))
		}
	}
	if rerr := c.reporter.Report(ctx, c.nodeID, data, err); rerr != nil {
		errs = append(errs, rerr)
	}
	return errors.Join(errs...)
}

// OnStop registers fn to run on Stop.
func (c *Context) OnStop(fn func()) { c.hooks.OnStop(fn) }

// Stop runs the stop hooks once, tearing down every node started on c.
func (c *Context) Stop() { c.hooks.Stop() }

func (c *Context) newMsg(ctx context.Context, subject string, body []byte) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = body
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))
	return msg
}

type input struct {
	c *Context
}

func (in *input) Subscribe(ctx context.Context, h node.Handler) (node.Subscription, error) {
	c := in.c
	if h == nil {
		return nil, errors.New("handler cannot be nil")
	}

	var limiter *concurrency.Limiter
	if c.workers > 1 {
		limiter = concurrency.NewLimiter(c.workers)
	}

	handle := message.Chain(
		message.RecoveryMiddleware(),
		message.LoggingMiddleware(c.logger),
		message.ValidationMiddleware(),
	)(func(mctx context.Context, msg *nats.Msg) error {
		h(mctx, decode(msg))
		return nil
	})

	gate := &inflight{}
	sub, err := c.conn.QueueSubscribe(c.subjects.Input, c.subjects.Queue, func(msg *nats.Msg) {
		if !gate.enter() {
			return
		}
		mctx := otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(msg.Header))
		run := func() {
			defer gate.leave()
			_ = handle(mctx, msg)
		}
		if limiter == nil {
			run()
			return
		}
		if err := limiter.Go(ctx, run); err != nil {
			gate.leave()
			c.logger.Warn("Dropping message", zap.String("subject", msg.Subject), zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", c.subjects.Input, err)
	}

	c.logger.Info("Subscribed to input",
		zap.String("subject", c.subjects.Input),
		zap.String("queue", c.subjects.Queue),
		zap.Int("workers", c.workers))
	return &subscription{sub: sub, gate: gate}, nil
}

// decode builds the RuleData of msg. Message headers are copied to data
// headers unless the body already carries them.
func decode(msg *nats.Msg) *ruledata.RuleData {
	d := message.DecodeData(msg.Data)
	for key := range msg.Header {
		if isPropagationHeader(key) {
			continue
		}
		if _, ok := d.Header(key); !ok {
			d.SetHeader(key, msg.Header.Get(key))
		}
	}
	d.SetHeader(HeaderSubject, msg.Subject)
	return d
}

func isPropagationHeader(key string) bool {
	switch http.CanonicalHeaderKey(key) {
	case "Traceparent", "Tracestate", "Baggage":
		return true
	}
	return false
}

// inflight counts the messages being handled. Once closed it admits no more.
type inflight struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func (g *inflight) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.wg.Add(1)
	return true
}

func (g *inflight) leave() {
	g.wg.Done()
}

// close stops admitting messages and waits for the admitted ones.
func (g *inflight) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.wg.Wait()
}

// subscription stops delivery and waits for the items being handled, inline
// on the client's delivery goroutine or on the limiter.
// Messages still pending in the client are dropped.
type subscription struct {
	sub  Subscription
	gate *inflight
	once sync.Once
	err  error
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.sub.Unsubscribe()
		s.gate.close()
	})
	return s.err
}

type output struct {
	c *Context
}

func (o *output) Write(ctx context.Context, data *ruledata.RuleData) error {
	c := o.c
	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			return err
		}
	}

	body, err := message.EncodeData(data)
	if err != nil {
		return err
	}
	err = c.conn.PublishMsg(c.newMsg(ctx, c.subjects.Output, body))
	if c.breaker != nil {
		if err != nil {
			c.breaker.RecordFailure()
		} else {
			c.breaker.RecordSuccess()
		}
	}
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", c.subjects.Output, err)
	}
	return nil
}
