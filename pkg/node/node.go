// Package node runs a node's business function over its input stream.
//
// A Node wraps an ExecutorFactory. Started on an ExecutionContext, it
// subscribes to the context's input and, for every item:
//
//   - stamps the item with the current time
//   - fires BEFORE with a copy of the item
//   - fires STARTED with data derived from the node configuration and waits
//     for it to be acknowledged
//   - runs the executor, normalizes each output value and applies the merge
//     policy selected by Config.ReturnsNewValue
//   - fires RESULT and writes each result to the output
//   - fires DONE with a copy of the original item
//
// Events are emitted in that order. The runner waits for the acknowledgement
// of STARTED only; BEFORE, RESULT and DONE acknowledgements are collected in
// the background. DONE for an item is only emitted once every RESULT of that
// item has been acknowledged. A failure at any step is reported through
// ExecutionContext.OnError and never stops the subscription.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/marc45/rule-engine/pkg/event"
	"github.com/marc45/rule-engine/pkg/normalize"
	"github.com/marc45/rule-engine/pkg/ruledata"
)

// Node is a configured unit of work ready to run on an ExecutionContext.
type Node struct {
	id             string
	cfg            Config
	factory        ExecutorFactory
	clock          func() time.Time
	logger         *zap.Logger
	tracer         trace.Tracer
	metrics        MetricsCollector
	normalizeInput bool

	// pending tracks outstanding event acknowledgements.
	pending sync.WaitGroup
}

var _ Runnable = (*Node)(nil)

// New validates cfg and creates a node around factory.
// A validation failure is returned as a *ConfigurationError.
func New(cfg Config, factory ExecutorFactory, opts ...Option) (*Node, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if factory == nil {
		return nil, errors.New("executor factory cannot be nil")
	}

	n := &Node{
		cfg:            cfg,
		factory:        factory,
		clock:          time.Now,
		logger:         zap.NewNop(),
		tracer:         otel.Tracer("rule-engine/node"),
		metrics:        NoOpMetricsCollector{},
		normalizeInput: true,
	}
	if named, ok := cfg.(interface{ NodeID() string }); ok {
		n.id = named.NodeID()
	}
	for _, opt := range opts {
		opt(n)
	}

	if err := cfg.Validate(); err != nil {
		var cerr *ConfigurationError
		if errors.As(err, &cerr) {
			return nil, cerr
		}
		return nil, NewConfigurationError(n.id, err)
	}

	return n, nil
}

// ID returns the node ID.
func (n *Node) ID() string {
	return n.id
}

// Metrics returns the node's metrics.
func (n *Node) Metrics() Metrics {
	return n.metrics.GetMetrics()
}

// Start builds the executor, subscribes to the context's input and registers
// the teardown of the subscription with the context.
func (n *Node) Start(ctx context.Context, ectx ExecutionContext) error {
	if ectx == nil {
		return errors.New("execution context cannot be nil")
	}

	executor, err := n.factory.CreateExecutor(ectx, n.cfg)
	if err != nil {
		return fmt.Errorf("failed to create executor for node %s: %w", n.id, err)
	}
	if executor == nil {
		return fmt.Errorf("executor factory for node %s returned nil", n.id)
	}

	run := &execution{node: n, ectx: ectx, executor: executor}
	sub, err := ectx.Input().Subscribe(ctx, run.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe node %s to input: %w", n.id, err)
	}
	run.sub = sub

	if starter, ok := n.factory.(Starter); ok {
		starter.OnStarted(ectx, n.cfg)
	}
	ectx.OnStop(run.dispose)

	n.logger.Info("Node started",
		zap.String("nodeId", n.id),
		zap.Bool("returnsNewValue", n.cfg.ReturnsNewValue()))
	return nil
}

// Wait blocks until every emitted event has been acknowledged or ctx is done.
// Call it after the node has been stopped.
func (n *Node) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.pending.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startedData builds the payload of the STARTED event from the configuration.
func (n *Node) startedData() *ruledata.RuleData {
	var payload any = n.cfg
	if m, ok := n.cfg.(interface{ AsMap() map[string]any }); ok {
		payload = m.AsMap()
	}
	return ruledata.New(payload)
}

// execution is one subscription of a node to one context.
type execution struct {
	node     *Node
	ectx     ExecutionContext
	executor Executor
	sub      Subscription
	stopped  atomic.Bool
	once     sync.Once
}

func (r *execution) dispose() {
	r.once.Do(func() {
		r.stopped.Store(true)
		if err := r.sub.Unsubscribe(); err != nil {
			r.node.logger.Warn("Failed to unsubscribe node input",
				zap.String("nodeId", r.node.id),
				zap.Error(err))
		}
		r.node.logger.Info("Node stopped", zap.String("nodeId", r.node.id))
	})
}

func (r *execution) handle(ctx context.Context, data *ruledata.RuleData) {
	n := r.node
	if data == nil {
		return
	}
	if r.stopped.Load() {
		n.logger.Debug("Dropping item received after stop",
			zap.String("nodeId", n.id),
			zap.String("dataId", data.ID))
		return
	}

	start := time.Now()
	ctx, span := n.tracer.Start(ctx, "node.item",
		trace.WithAttributes(
			attribute.String("node.id", n.id),
			attribute.String("data.id", data.ID),
			attribute.String("data.context_id", data.ContextID),
		))
	defer span.End()

	data.SetExecuteTime(n.clock())

	var inputErr error
	if n.normalizeInput {
		payload, err := normalize.Value(data.Payload)
		if err != nil {
			inputErr = NewProcessingError(n.id, data.ID, PhaseInput, ErrNormalization, err)
		} else {
			data.Payload = payload
		}
	}

	original := data.Copy()
	r.fireAsync(ctx, event.Before, data.Copy(), nil)

	var results sync.WaitGroup
	if err := r.process(ctx, data, inputErr, &results); err != nil {
		r.fail(ctx, span, data, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	n.pending.Add(1)
	go func() {
		defer n.pending.Done()
		results.Wait()
		r.await(r.fire(context.WithoutCancel(ctx), event.Done, original), event.Done, original)
	}()

	n.metrics.RecordProcessed(time.Since(start))
}

func (r *execution) process(ctx context.Context, data *ruledata.RuleData, inputErr error, results *sync.WaitGroup) error {
	n := r.node
	if err := r.fire(ctx, event.Started, n.startedData()).Wait(ctx); err != nil {
		return NewProcessingError(n.id, data.ID, PhaseStarted, ErrVetoed, err)
	}
	if inputErr != nil {
		return inputErr
	}
	return r.execute(ctx, data, results)
}

func (r *execution) execute(ctx context.Context, data *ruledata.RuleData, results *sync.WaitGroup) (err error) {
	n := r.node
	defer func() {
		if rec := recover(); rec != nil {
			err = NewProcessingError(n.id, data.ID, PhaseExecute, ErrExecution, fmt.Errorf("panic recovered: %v", rec))
		}
	}()

	emitted := false
	if seq := r.executor.Execute(ctx, data); seq != nil {
		for value, verr := range seq {
			if verr != nil {
				return NewProcessingError(n.id, data.ID, PhaseExecute, ErrExecution, verr)
			}
			emitted = true

			normalized, nerr := normalize.Value(value)
			if nerr != nil {
				return NewProcessingError(n.id, data.ID, PhaseNormalize, ErrNormalization, nerr)
			}

			out := data
			if n.cfg.ReturnsNewValue() {
				out = data.WithPayload(normalized)
			}
			if werr := r.emit(ctx, out, results); werr != nil {
				return werr
			}
		}
	}

	if !emitted {
		return r.emit(ctx, data, results)
	}
	return nil
}

func (r *execution) emit(ctx context.Context, out *ruledata.RuleData, results *sync.WaitGroup) error {
	n := r.node
	r.fireAsync(ctx, event.Result, out.Copy(), results)
	if err := r.ectx.Output().Write(ctx, out); err != nil {
		return NewProcessingError(n.id, out.ID, PhaseWrite, ErrSink, err)
	}
	n.metrics.RecordResult()
	return nil
}

func (r *execution) fail(ctx context.Context, span trace.Span, data *ruledata.RuleData, err error) {
	n := r.node
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	n.metrics.RecordError()

	n.logger.Warn("Item processing failed",
		zap.String("nodeId", n.id),
		zap.String("dataId", data.ID),
		zap.Error(err))

	if herr := r.ectx.OnError(ctx, data, err); herr != nil {
		n.logger.Error("Error hook failed",
			zap.String("nodeId", n.id),
			zap.String("dataId", data.ID),
			zap.Error(herr))
	}
}

// fireAsync emits an event and collects its acknowledgement in the background.
func (r *execution) fireAsync(ctx context.Context, kind event.Kind, data *ruledata.RuleData, wg *sync.WaitGroup) {
	ack := r.fire(context.WithoutCancel(ctx), kind, data)
	r.node.pending.Add(1)
	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer r.node.pending.Done()
		if wg != nil {
			defer wg.Done()
		}
		r.await(ack, kind, data)
	}()
}

// fire emits an event. A listener panicking while the event is delivered
// fails its acknowledgement.
func (r *execution) fire(ctx context.Context, kind event.Kind, data *ruledata.RuleData) (ack event.Ack) {
	defer func() {
		if rec := recover(); rec != nil {
			ack = event.Acked(fmt.Errorf("%s listener panicked: %v", kind, rec))
		}
	}()
	return r.ectx.FireEvent(ctx, kind, data)
}

func (r *execution) await(ack event.Ack, kind event.Kind, data *ruledata.RuleData) {
	if err := ack.Wait(context.Background()); err != nil {
		r.node.logger.Warn("Lifecycle event not acknowledged",
			zap.String("nodeId", r.node.id),
			zap.String("event", string(kind)),
			zap.String("dataId", data.ID),
			zap.Error(err))
	}
}
