package node

import (
	"context"
	"iter"

	"github.com/marc45/rule-engine/pkg/event"
	"github.com/marc45/rule-engine/pkg/ruledata"
)

// Config is the configuration a node is created from.
type Config interface {
	// Validate fails fast, before any execution starts.
	Validate() error
	// ReturnsNewValue selects the merge policy: true publishes the business
	// function's output, false republishes the input item.
	ReturnsNewValue() bool
}

// Executor is the business logic of a node type.
type Executor interface {
	// Execute maps one item to a finite, possibly empty, lazy sequence of output
	// values. Yielding a non-nil error terminates the sequence.
	Execute(ctx context.Context, data *ruledata.RuleData) iter.Seq2[any, error]
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, data *ruledata.RuleData) iter.Seq2[any, error]

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, data *ruledata.RuleData) iter.Seq2[any, error] {
	return f(ctx, data)
}

// ExecutorFactory builds the executor for a node once it is started on a context.
type ExecutorFactory interface {
	CreateExecutor(ectx ExecutionContext, cfg Config) (Executor, error)
}

// ExecutorFactoryFunc adapts a function to ExecutorFactory.
type ExecutorFactoryFunc func(ectx ExecutionContext, cfg Config) (Executor, error)

// CreateExecutor calls f.
func (f ExecutorFactoryFunc) CreateExecutor(ectx ExecutionContext, cfg Config) (Executor, error) {
	return f(ectx, cfg)
}

// Starter is implemented by factories that need a side effect once the input
// subscription is established, such as opening a resource.
type Starter interface {
	OnStarted(ectx ExecutionContext, cfg Config)
}

// Handler receives items from an Input.
type Handler func(ctx context.Context, data *ruledata.RuleData)

// Subscription is an active subscription to an Input.
type Subscription interface {
	Unsubscribe() error
}

// Input produces the items a node processes. The Input decides the delivery
// discipline; Handler may be called concurrently for distinct items.
type Input interface {
	Subscribe(ctx context.Context, h Handler) (Subscription, error)
}

// Output receives the results of a node. Write blocks while the sink applies
// backpressure.
type Output interface {
	Write(ctx context.Context, data *ruledata.RuleData) error
}

// ExecutionContext is the runtime handle giving a node its input, output,
// event, error and stop facilities.
type ExecutionContext interface {
	Input() Input
	Output() Output
	// FireEvent emits an event. Events fired for one item are emitted in call
	// order; the returned Ack resolves once the event has been acknowledged.
	FireEvent(ctx context.Context, kind event.Kind, data *ruledata.RuleData) event.Ack
	// OnError reports a failed item. An error returned here is logged and dropped.
	OnError(ctx context.Context, data *ruledata.RuleData, err error) error
	// OnStop registers a callback run when the node is torn down.
	OnStop(fn func())
}

// Runnable is a node ready to start on a context.
type Runnable interface {
	Start(ctx context.Context, ectx ExecutionContext) error
}
