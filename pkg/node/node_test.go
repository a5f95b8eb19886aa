package node_test

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marc45/rule-engine/pkg/event"
	"github.com/marc45/rule-engine/pkg/memory"
	"github.com/marc45/rule-engine/pkg/node"
	"github.com/marc45/rule-engine/pkg/normalize"
	"github.com/marc45/rule-engine/pkg/ruledata"
)

type testConfig struct {
	id        string
	returnNew bool
	invalid   error
}

func (c testConfig) Validate() error       { return c.invalid }
func (c testConfig) ReturnsNewValue() bool { return c.returnNew }
func (c testConfig) NodeID() string        { return c.id }
func (c testConfig) AsMap() map[string]any {
	return map[string]any{"id": c.id, "returnNewValue": c.returnNew}
}

// executorOf builds a factory whose executor calls fn.
func executorOf(fn func(ctx context.Context, data *ruledata.RuleData) iter.Seq2[any, error]) node.ExecutorFactory {
	return node.ExecutorFactoryFunc(func(ectx node.ExecutionContext, cfg node.Config) (node.Executor, error) {
		return node.ExecutorFunc(fn), nil
	})
}

func startNode(t *testing.T, cfg node.Config, factory node.ExecutorFactory, ectx node.ExecutionContext, opts ...node.Option) *node.Node {
	t.Helper()
	n, err := node.New(cfg, factory, opts...)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background(), ectx))
	return n
}

func waitNode(t *testing.T, n *node.Node) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Wait(ctx))
}

func kinds(events []event.Event) []event.Kind {
	out := make([]event.Kind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

func send(t *testing.T, ectx *memory.Context, payload any) *ruledata.RuleData {
	t.Helper()
	d := ruledata.New(payload)
	require.NoError(t, ectx.In().Send(context.Background(), d))
	return d
}

func TestStructuredScenario(t *testing.T) {
	ectx := memory.New()
	n := startNode(t, testConfig{id: "map-node", returnNew: true}, executorOf(
		func(ctx context.Context, data *ruledata.RuleData) iter.Seq2[any, error] {
			return node.Values(`{"v":10}`)
		}), ectx)

	send(t, ectx, `{"v":5}`)
	waitNode(t, n)

	events := ectx.Events()
	require.Equal(t, []event.Kind{event.Before, event.Started, event.Result, event.Done}, kinds(events))
	assert.Equal(t, map[string]any{"v": float64(5)}, events[0].Data.Payload)
	assert.Equal(t, map[string]any{"id": "map-node", "returnNewValue": true}, events[1].Data.Payload)
	assert.Equal(t, map[string]any{"v": float64(10)}, events[2].Data.Payload)
	assert.Equal(t, map[string]any{"v": float64(5)}, events[3].Data.Payload)

	written := ectx.Out().Written()
	require.Len(t, written, 1)
	assert.Equal(t, map[string]any{"v": float64(10)}, written[0].Payload)
	assert.Empty(t, ectx.Failures())
}

func TestLifecycleCompleteWhenItemFails(t *testing.T) {
	ectx := memory.New()
	boom := errors.New("boom")
	n := startNode(t, testConfig{id: "n", returnNew: true}, executorOf(
		func(ctx context.Context, data *ruledata.RuleData) iter.Seq2[any, error] {
			if data.Payload == "bad" {
				return node.Failure(boom)
			}
			return node.Values(data.Payload)
		}), ectx)

	send(t, ectx, "first")
	bad := send(t, ectx, "bad")
	send(t, ectx, "third")
	waitNode(t, n)

	assert.Len(t, ectx.EventsOf(event.Before), 3)
	assert.Len(t, ectx.EventsOf(event.Started), 3)
	assert.Len(t, ectx.EventsOf(event.Done), 3)
	assert.Len(t, ectx.EventsOf(event.Result), 2)

	written := ectx.Out().Written()
	require.Len(t, written, 2)
	assert.Equal(t, "first", written[0].Payload)
	assert.Equal(t, "third", written[1].Payload)

	failures := ectx.Failures()
	require.Len(t, failures, 1)
	assert.Same(t, bad, failures[0].Data)
	assert.ErrorIs(t, failures[0].Err, node.ErrExecution)
	assert.ErrorIs(t, failures[0].Err, boom)

	var perr *node.ProcessingError
	require.ErrorAs(t, failures[0].Err, &perr)
	assert.Equal(t, node.PhaseExecute, perr.Phase)
	assert.Equal(t, "n", perr.NodeID)
	assert.Equal(t, bad.ID, perr.DataID)
}

func TestPassThroughRepublishesInput(t *testing.T) {
	ectx := memory.New()
	n := startNode(t, testConfig{id: "peek"}, executorOf(
		func(ctx context.Context, data *ruledata.RuleData) iter.Seq2[any, error] {
			return node.Values(`{"ignored":true}`, 7)
		}), ectx)

	in := send(t, ectx, map[string]any{"temperature": 21.5})
	waitNode(t, n)

	written := ectx.Out().Written()
	require.Len(t, written, 2)
	for _, w := range written {
		assert.Same(t, in, w)
		assert.Equal(t, map[string]any{"temperature": 21.5}, w.Payload)
	}
	assert.Len(t, ectx.EventsOf(event.Result), 2)
	assert.Len(t, ectx.EventsOf(event.Done), 1)
}

func TestReturnsNewValueDerivesResult(t *testing.T) {
	ectx := memory.New()
	n := startNode(t, testConfig{id: "map", returnNew: true}, executorOf(
		func(ctx context.Context, data *ruledata.RuleData) iter.Seq2[any, error] {
			return node.Values("hello", []any{1, 2})
		}), ectx)

	in := send(t, ectx, "input")
	waitNode(t, n)

	written := ectx.Out().Written()
	require.Len(t, written, 2)
	assert.Equal(t, "hello", written[0].Payload)
	assert.Equal(t, []any{1, 2}, written[1].Payload)
	for _, w := range written {
		assert.NotEqual(t, in.ID, w.ID)
		assert.Equal(t, in.ContextID, w.ContextID)
	}
	assert.Equal(t, "input", in.Payload)
}

func TestMalformedOutputIsReported(t *testing.T) {
	ectx := memory.New()
	n := startNode(t, testConfig{id: "n", returnNew: true}, executorOf(
		func(ctx context.Context, data *ruledata.RuleData) iter.Seq2[any, error] {
			return node.Values("[1,2")
		}), ectx)

	send(t, ectx, "x")
	waitNode(t, n)

	assert.Empty(t, ectx.Out().Written())
	assert.Empty(t, ectx.EventsOf(event.Result))
	assert.Len(t, ectx.EventsOf(event.Done), 1)

	failures := ectx.Failures()
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0].Err, node.ErrNormalization)
	assert.ErrorIs(t, failures[0].Err, normalize.ErrMalformed)
	assert.True(t, node.IsPermanent(failures[0].Err))
}

func TestMalformedInputStillCompletesLifecycle(t *testing.T) {
	ectx := memory.New()
	var calls atomic.Int32
	n := startNode(t, testConfig{id: "n", returnNew: true}, executorOf(
		func(ctx context.Context, data *ruledata.RuleData) iter.Seq2[any, error] {
			calls.Add(1)
			return node.Empty()
		}), ectx)

	send(t, ectx, "{broken")
	waitNode(t, n)

	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, []event.Kind{event.Before, event.Started, event.Done}, kinds(ectx.Events()))
	failures := ectx.Failures()
	require.Len(t, failures, 1)
	var perr *node.ProcessingError
	require.ErrorAs(t, failures[0].Err, &perr)
	assert.Equal(t, node.PhaseInput, perr.Phase)
}

func TestInputNormalizationCanBeDisabled(t *testing.T) {
	ectx := memory.New()
	n := startNode(t, testConfig{id: "n"}, executorOf(
		func(ctx context.Context, data *ruledata.RuleData) iter.Seq2[any, error] {
			return node.Empty()
		}), ectx, node.WithInputNormalization(false))

	send(t, ectx, `{"raw":true}`)
	waitNode(t, n)

	written := ectx.Out().Written()
	require.Len(t, written, 1)
	assert.Equal(t, `{"raw":true}`, written[0].Payload)
}

func TestEmptySequenceUsesInputAsResult(t *testing.T) {
	ectx := memory.New()
	n := startNode(t, testConfig{id: "n", returnNew: true}, executorOf(
		func(ctx context.Context, data *ruledata.RuleData) iter.Seq2[any, error] {
			return node.Empty()
		}), ectx)

	in := send(t, ectx, "x")
	waitNode(t, n)

	written := ectx.Out().Written()
	require.Len(t, written, 1)
	assert.Same(t, in, written[0])

	results := ectx.EventsOf(event.Result)
	require.Len(t, results, 1)
	assert.Equal(t, in.ID, results[0].Data.ID)
	assert.NotSame(t, in, results[0].Data)
}

func TestNilSequenceUsesInputAsResult(t *testing.T) {
	ectx := memory.New()
	n := startNode(t, testConfig{id: "n"}, executorOf(
		func(ctx context.Context, data *ruledata.RuleData) iter.Seq2[any, error] {
			return nil
		}), ectx)

	send(t, ectx, "x")
	waitNode(t, n)
	assert.Len(t, ectx.Out().Written(), 1)
}

func TestStartedVetoSkipsExecution(t *testing.T) {
	bus := event.NewBus()
	veto := errors.New("paused")
	bus.Subscribe(event.Started, func(ctx context.Context, e event.Event) error { return veto })
	ectx := memory.New(memory.WithBus(bus))

	var calls atomic.Int32
	n := startNode(t, testConfig{id: "n"}, executorOf(
		func(ctx context.Context, data *ruledata.RuleData) iter.Seq2[any, error] {
			calls.Add(1)
			return node.Empty()
		}), ectx)

	send(t, ectx, "x")
	waitNode(t, n)

	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, []event.Kind{event.Before, event.Started, event.Done}, kinds(ectx.Events()))
	failures := ectx.Failures()
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0].Err, node.ErrVetoed)
	assert.ErrorIs(t, failures[0].Err, veto)
}

func TestPanicIsReportedAsExecutionError(t *testing.T) {
	ectx := memory.New()
	n := startNode(t, testConfig{id: "n"}, executorOf(
		func(ctx context.Context, data *ruledata.RuleData) iter.Seq2[any, error] {
			return func(yield func(any, error) bool) {
				panic("kaboom")
			}
		}), ectx)

	send(t, ectx, "x")
	send(t, ectx, "y")
	waitNode(t, n)

	failures := ectx.Failures()
	require.Len(t, failures, 2)
	assert.ErrorIs(t, failures[0].Err, node.ErrExecution)
	assert.Contains(t, failures[0].Err.Error(), "kaboom")
	assert.Len(t, ectx.EventsOf(event.Done), 2)
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	bus := event.NewBus()
	bus.Subscribe(event.Before, func(ctx context.Context, e event.Event) error {
		if e.Data.Payload == "before" {
			panic("before listener")
		}
		return nil
	})
	bus.Subscribe(event.Started, func(ctx context.Context, e event.Event) error {
		panic("started listener")
	})
	ectx := memory.New(memory.WithBus(bus))

	var calls atomic.Int32
	n := startNode(t, testConfig{id: "n"}, executorOf(
		func(ctx context.Context, data *ruledata.RuleData) iter.Seq2[any, error] {
			calls.Add(1)
			return node.Empty()
		}), ectx)

	send(t, ectx, "before")
	send(t, ectx, "x")
	waitNode(t, n)

	assert.Zero(t, calls.Load())
	failures := ectx.Failures()
	require.Len(t, failures, 2)
	for _, f := range failures {
		assert.ErrorIs(t, f.Err, node.ErrVetoed)
		assert.Contains(t, f.Err.Error(), "started listener")
	}
	assert.Len(t, ectx.EventsOf(event.Done), 2)
}

func TestResultSnapshotSurvivesSinkMutation(t *testing.T) {
	out := memory.NewOutput(func(ctx context.Context, data *ruledata.RuleData) error {
		data.Payload.(map[string]int)["v"] = -1
		return nil
	})
	ectx := memory.New(memory.WithOutput(out))
	n := startNode(t, testConfig{id: "n", returnNew: true}, executorOf(
		func(ctx context.Context, data *ruledata.RuleData) iter.Seq2[any, error] {
			return node.Values(map[string]int{"v": 10})
		}), ectx)

	send(t, ectx, "x")
	waitNode(t, n)

	results := ectx.EventsOf(event.Result)
	require.Len(t, results, 1)
	assert.Equal(t, map[string]int{"v": 10}, results[0].Data.Payload)
	assert.Equal(t, map[string]int{"v": -1}, ectx.Out().Written()[0].Payload)
}

func TestSinkErrorIsReported(t *testing.T) {
	full := errors.New("sink full")
	out := memory.NewOutput(func(ctx context.Context, data *ruledata.RuleData) error {
		if data.Payload == "drop" {
			return full
		}
		return nil
	})
	ectx := memory.New(memory.WithOutput(out))
	n := startNode(t, testConfig{id: "n"}, executorOf(
		func(ctx context.Context, data *ruledata.RuleData) iter.Seq2[any, error] {
			return node.Empty()
		}), ectx)

	send(t, ectx, "drop")
	send(t, ectx, "keep")
	waitNode(t, n)

	failures := ectx.Failures()
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0].Err, node.ErrSink)
	assert.ErrorIs(t, failures[0].Err, full)
	assert.True(t, node.IsRetryable(failures[0].Err))
	require.Len(t, out.Written(), 1)
	assert.Equal(t, "keep", out.Written()[0].Payload)
}

func TestErrorHookFailureDoesNotStopNode(t *testing.T) {
	ectx := memory.New(memory.WithErrorHandler(func(ctx context.Context, data *ruledata.RuleData, err error) error {
		return errors.New("hook down")
	}))
	n := startNode(t, testConfig{id: "n"}, executorOf(
		func(ctx context.Context, data *ruledata.RuleData) iter.Seq2[any, error] {
			return node.Failure(errors.New("bad"))
		}), ectx)

	send(t, ectx, "a")
	send(t, ectx, "b")
	waitNode(t, n)

	assert.Len(t, ectx.Failures(), 2)
	assert.Len(t, ectx.EventsOf(event.Done), 2)
}

func TestErrorMidSequenceKeepsEarlierResults(t *testing.T) {
	ectx := memory.New()
	n := startNode(t, testConfig{id: "n", returnNew: true}, executorOf(
		func(ctx context.Context, data *ruledata.RuleData) iter.Seq2[any, error] {
			return func(yield func(any, error) bool) {
				if !yield(1, nil) {
					return
				}
				yield(nil, errors.New("stream broke"))
			}
		}), ectx)

	send(t, ectx, "x")
	waitNode(t, n)

	assert.Len(t, ectx.Out().Written(), 1)
	assert.Len(t, ectx.Failures(), 1)
	assert.Equal(t, []event.Kind{event.Before, event.Started, event.Result, event.Done}, kinds(ectx.Events()))
}

func TestExecuteTimeUsesClock(t *testing.T) {
	fixed := time.UnixMilli(1700000000000)
	ectx := memory.New()
	n := startNode(t, testConfig{id: "n"}, executorOf(
		func(ctx context.Context, data *ruledata.RuleData) iter.Seq2[any, error] {
			return node.Empty()
		}), ectx, node.WithClock(func() time.Time { return fixed }))

	in := send(t, ectx, "x")
	waitNode(t, n)

	got, ok := in.ExecuteTime()
	require.True(t, ok)
	assert.True(t, fixed.Equal(got))

	before := ectx.EventsOf(event.Before)
	require.Len(t, before, 1)
	got, ok = before[0].Data.ExecuteTime()
	require.True(t, ok)
	assert.True(t, fixed.Equal(got))
}

func TestInvalidConfigFailsFast(t *testing.T) {
	invalid := errors.New("missing script")
	called := false
	_, err := node.New(testConfig{id: "n", invalid: invalid}, node.ExecutorFactoryFunc(
		func(ectx node.ExecutionContext, cfg node.Config) (node.Executor, error) {
			called = true
			return nil, nil
		}))

	require.Error(t, err)
	assert.ErrorIs(t, err, node.ErrConfiguration)
	assert.ErrorIs(t, err, invalid)
	var cerr *node.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "n", cerr.NodeID)
	assert.False(t, called)
}

func TestNewRejectsNilArguments(t *testing.T) {
	_, err := node.New(nil, executorOf(nil))
	assert.Error(t, err)
	_, err = node.New(testConfig{}, nil)
	assert.Error(t, err)
}

func TestStartFailsWhenFactoryFails(t *testing.T) {
	n, err := node.New(testConfig{id: "n"}, node.ExecutorFactoryFunc(
		func(ectx node.ExecutionContext, cfg node.Config) (node.Executor, error) {
			return nil, errors.New("no connection")
		}))
	require.NoError(t, err)

	ectx := memory.New()
	err = n.Start(context.Background(), ectx)
	require.Error(t, err)
	subscribed, _ := ectx.In().Subscriptions()
	assert.Equal(t, 0, subscribed)
}

// countingInput hands out subscriptions that count every Unsubscribe call and
// keeps the handler so items can be pushed after disposal.
type countingInput struct {
	handler      node.Handler
	unsubscribes atomic.Int32
}

func (in *countingInput) Subscribe(ctx context.Context, h node.Handler) (node.Subscription, error) {
	in.handler = h
	return countingSub{in}, nil
}

type countingSub struct{ in *countingInput }

func (s countingSub) Unsubscribe() error {
	s.in.unsubscribes.Add(1)
	return nil
}

// hookContext records stop hooks instead of running them.
type hookContext struct {
	*memory.Context
	input *countingInput
	hooks []func()
}

func (c *hookContext) Input() node.Input { return c.input }
func (c *hookContext) OnStop(fn func())  { c.hooks = append(c.hooks, fn) }

func TestTeardownDisposesOnce(t *testing.T) {
	ectx := &hookContext{Context: memory.New(), input: &countingInput{}}
	n := startNode(t, testConfig{id: "n"}, executorOf(
		func(ctx context.Context, data *ruledata.RuleData) iter.Seq2[any, error] {
			return node.Empty()
		}), ectx)

	require.Len(t, ectx.hooks, 1)
	ectx.hooks[0]()
	ectx.hooks[0]()
	assert.Equal(t, int32(1), ectx.input.unsubscribes.Load())

	// items delivered after disposal are not accepted
	ectx.input.handler(context.Background(), ruledata.New("late"))
	waitNode(t, n)
	assert.Empty(t, ectx.Events())
	assert.Empty(t, ectx.Out().Written())
}

func TestStopThroughContext(t *testing.T) {
	tests := map[string]*memory.Input{
		"synchronous input": memory.NewInput(0, 0),
		"worker input":      memory.NewInput(4, 2),
	}

	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			ectx := memory.New(memory.WithInput(in))
			n := startNode(t, testConfig{id: "n"}, executorOf(
				func(ctx context.Context, data *ruledata.RuleData) iter.Seq2[any, error] {
					return node.Empty()
				}), ectx)

			ectx.Stop()
			ectx.Stop()
			waitNode(t, n)

			subscribed, unsubscribed := in.Subscriptions()
			assert.Equal(t, 1, subscribed)
			assert.Equal(t, 1, unsubscribed)

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			assert.ErrorIs(t, in.Send(ctx, ruledata.New("late")), memory.ErrNoSubscriber)
			assert.ErrorIs(t, in.Send(ctx, ruledata.New("later")), memory.ErrNoSubscriber)
			assert.Empty(t, ectx.Events())
			in.Close()
		})
	}
}

type starterFactory struct {
	started atomic.Int32
}

func (f *starterFactory) CreateExecutor(ectx node.ExecutionContext, cfg node.Config) (node.Executor, error) {
	return node.ExecutorFunc(func(ctx context.Context, data *ruledata.RuleData) iter.Seq2[any, error] {
		return node.Empty()
	}), nil
}

func (f *starterFactory) OnStarted(ectx node.ExecutionContext, cfg node.Config) {
	f.started.Add(1)
}

func TestOnStartedCalledOnce(t *testing.T) {
	factory := &starterFactory{}
	ectx := memory.New()
	n := startNode(t, testConfig{id: "n"}, factory, ectx)

	send(t, ectx, "a")
	send(t, ectx, "b")
	waitNode(t, n)

	assert.Equal(t, int32(1), factory.started.Load())
}

// gatedContext holds back RESULT acknowledgements until release is closed.
type gatedContext struct {
	*memory.Context
	release chan struct{}
}

func (c *gatedContext) FireEvent(ctx context.Context, kind event.Kind, data *ruledata.RuleData) event.Ack {
	ack := c.Context.FireEvent(ctx, kind, data)
	if kind != event.Result {
		return ack
	}
	gated := make(chan error, 1)
	go func() {
		<-c.release
		gated <- ack.Wait(context.Background())
	}()
	return gated
}

func TestDoneWaitsForResultAcknowledgement(t *testing.T) {
	ectx := &gatedContext{Context: memory.New(), release: make(chan struct{})}
	n := startNode(t, testConfig{id: "n", returnNew: true}, executorOf(
		func(ctx context.Context, data *ruledata.RuleData) iter.Seq2[any, error] {
			return node.Values(1, 2)
		}), ectx)

	require.NoError(t, ectx.In().Send(context.Background(), ruledata.New("x")))

	// the item has been fully processed but its results are unacknowledged
	assert.Len(t, ectx.Out().Written(), 2)
	assert.Empty(t, ectx.EventsOf(event.Done))

	close(ectx.release)
	waitNode(t, n)
	assert.Equal(t, []event.Kind{event.Before, event.Started, event.Result, event.Result, event.Done}, kinds(ectx.Events()))
}

func TestConcurrentDelivery(t *testing.T) {
	const items = 50
	in := memory.NewInput(8, 4)
	ectx := memory.New(memory.WithInput(in))
	metrics := node.NewMetricsCollector()

	var mu sync.Mutex
	seen := make(map[string]bool)
	n := startNode(t, testConfig{id: "n", returnNew: true}, executorOf(
		func(ctx context.Context, data *ruledata.RuleData) iter.Seq2[any, error] {
			mu.Lock()
			seen[data.ID] = true
			mu.Unlock()
			return node.Values(data.Payload)
		}), ectx, node.WithMetrics(metrics))

	for i := 0; i < items; i++ {
		require.NoError(t, in.Send(context.Background(), ruledata.New(i)))
	}
	in.Close()
	ectx.Stop()
	waitNode(t, n)

	assert.Len(t, seen, items)
	assert.Len(t, ectx.EventsOf(event.Before), items)
	assert.Len(t, ectx.EventsOf(event.Started), items)
	assert.Len(t, ectx.EventsOf(event.Result), items)
	assert.Len(t, ectx.EventsOf(event.Done), items)
	assert.Len(t, ectx.Out().Written(), items)

	m := n.Metrics()
	assert.Equal(t, int64(items), m.ItemsProcessed)
	assert.Equal(t, int64(items), m.ResultsWritten)
	assert.Equal(t, int64(0), m.Errors)
	assert.Equal(t, float64(0), metrics.ErrorRate())
}
