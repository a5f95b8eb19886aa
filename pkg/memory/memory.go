// Package memory provides an in-process ExecutionContext backed by channels.
//
// It is used to embed nodes without a broker and to test node types.
package memory

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/marc45/rule-engine/pkg/event"
	"github.com/marc45/rule-engine/pkg/node"
	"github.com/marc45/rule-engine/pkg/ruledata"
)

var (
	// ErrClosed is returned when sending to a closed input.
	ErrClosed = errors.New("input closed")
	// ErrNoSubscriber is returned when sending to an input nobody subscribed to.
	ErrNoSubscriber = errors.New("input has no subscriber")
)

// Failure is an item reported through OnError.
type Failure struct {
	Data *ruledata.RuleData
	Err  error
}

// ErrorHandler receives reported failures.
type ErrorHandler func(ctx context.Context, data *ruledata.RuleData, err error) error

// Context is an in-memory node.ExecutionContext.
type Context struct {
	input   *Input
	output  *Output
	bus     *event.Bus
	logger  *zap.Logger
	onError ErrorHandler
	hooks   node.StopHooks

	mu       sync.Mutex
	events   []event.Event
	failures []Failure
}

var _ node.ExecutionContext = (*Context)(nil)

// Option configures a Context.
type Option func(*Context)

// WithInput replaces the default synchronous input.
func WithInput(in *Input) Option {
	return func(c *Context) { c.input = in }
}

// WithOutput replaces the default recording output.
func WithOutput(out *Output) Option {
	return func(c *Context) { c.output = out }
}

// WithBus delivers events to bus listeners.
func WithBus(bus *event.Bus) Option {
	return func(c *Context) { c.bus = bus }
}

// WithErrorHandler forwards reported failures to h.
func WithErrorHandler(h ErrorHandler) Option {
	return func(c *Context) { c.onError = h }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Context) { c.logger = logger }
}

// New creates a Context. Without options the input delivers synchronously and
// the output records every write.
func New(opts ...Option) *Context {
	c := &Context{
		input:  NewInput(0, 0),
		output: NewOutput(nil),
		bus:    event.NewBus(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Context) Input() node.Input { return c.input }

func (c *Context) Output() node.Output { return c.output }

// In returns the concrete input to send items with.
func (c *Context) In() *Input { return c.input }

// Out returns the concrete output to inspect results with.
func (c *Context) Out() *Output { return c.output }

// Bus returns the event bus.
func (c *Context) Bus() *event.Bus { return c.bus }

// FireEvent records the event and delivers it to the bus synchronously.
func (c *Context) FireEvent(ctx context.Context, kind event.Kind, data *ruledata.RuleData) event.Ack {
	e := event.Event{Kind: kind, Data: data}
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	return event.Acked(c.bus.Fire(ctx, e))
}

// OnError records the failure and forwards it to the error handler.
func (c *Context) OnError(ctx context.Context, data *ruledata.RuleData, err error) error {
	c.mu.Lock()
	c.failures = append(c.failures, Failure{Data: data, Err: err})
	c.mu.Unlock()

	c.logger.Debug("Item failed",
		zap.String("dataId", data.ID),
		zap.Error(err))

	if c.onError != nil {
		return c.onError(ctx, data, err)
	}
	return nil
}

// OnStop registers fn to run on Stop.
func (c *Context) OnStop(fn func()) { c.hooks.OnStop(fn) }

// Stop runs the stop hooks once.
func (c *Context) Stop() { c.hooks.Stop() }

// Events returns the events fired so far.
func (c *Context) Events() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Event(nil), c.events...)
}

// EventsOf returns the events of kind k fired so far.
func (c *Context) EventsOf(k event.Kind) []event.Event {
	var out []event.Event
	for _, e := range c.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// Failures returns the failures reported so far.
func (c *Context) Failures() []Failure {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Failure(nil), c.failures...)
}
