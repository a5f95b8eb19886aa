package script

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marc45/rule-engine/pkg/config"
	"github.com/marc45/rule-engine/pkg/event"
	"github.com/marc45/rule-engine/pkg/memory"
	"github.com/marc45/rule-engine/pkg/node"
	"github.com/marc45/rule-engine/pkg/ruledata"
)

func scriptConfig(settings map[string]any) *config.RuleNodeConfig {
	return &config.RuleNodeConfig{ID: "js", Type: Type, Mode: config.ModeMap, Configuration: settings}
}

func collect(t *testing.T, exec node.Executor, data *ruledata.RuleData) ([]any, error) {
	t.Helper()
	var out []any
	for v, err := range exec.Execute(context.Background(), data) {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

func newExecutor(t *testing.T, settings map[string]any) node.Executor {
	t.Helper()
	exec, err := NewFactory(nil).CreateExecutor(memory.New(), scriptConfig(settings))
	require.NoError(t, err)
	return exec
}

func TestScriptReturnsValue(t *testing.T) {
	exec := newExecutor(t, map[string]any{"script": "return {v: msg.v * 2, source: metadata.source};"})

	data := ruledata.New(map[string]any{"v": 5.0})
	data.SetHeader("source", "sensor-1")

	out, err := collect(t, exec, data)
	require.NoError(t, err)
	require.Len(t, out, 1)
	m, ok := out[0].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 10, m["v"])
	assert.Equal(t, "sensor-1", m["source"])
}

func TestScriptDoesNotMutateInput(t *testing.T) {
	exec := newExecutor(t, map[string]any{"script": "msg.v = 99; return msg.v;"})

	payload := map[string]any{"v": 1.0}
	out, err := collect(t, exec, ruledata.New(payload))
	require.NoError(t, err)
	assert.EqualValues(t, []any{int64(99)}, out)
	assert.Equal(t, 1.0, payload["v"])
}

func TestScriptUndefinedYieldsNothing(t *testing.T) {
	exec := newExecutor(t, map[string]any{"script": "if (msg > 10) { return msg; }"})

	out, err := collect(t, exec, ruledata.New(3))
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = collect(t, exec, ruledata.New(30))
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestScriptSplit(t *testing.T) {
	exec := newExecutor(t, map[string]any{"script": "return [1, 'two', {three: 3}];", "split": true})
	out, err := collect(t, exec, ruledata.New(nil))
	require.NoError(t, err)
	assert.Len(t, out, 3)

	whole := newExecutor(t, map[string]any{"script": "return [1, 2];"})
	out, err = collect(t, whole, ruledata.New(nil))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Len(t, out[0], 2)
}

func TestScriptRuntimeError(t *testing.T) {
	exec := newExecutor(t, map[string]any{"script": "throw new Error('sensor offline');"})
	_, err := collect(t, exec, ruledata.New(nil))
	require.Error(t, err)

	var jsErr *JSError
	require.ErrorAs(t, err, &jsErr)
	assert.Equal(t, ErrorTypeRuntime, jsErr.Type)
	assert.Contains(t, jsErr.Message, "sensor offline")
}

func TestScriptTimeout(t *testing.T) {
	exec := newExecutor(t, map[string]any{"script": "while (true) {}", "timeout": "50ms", "poolSize": 1})

	start := time.Now()
	_, err := collect(t, exec, ruledata.New(nil))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	var jsErr *JSError
	require.ErrorAs(t, err, &jsErr)
	assert.Equal(t, ErrorTypeTimeout, jsErr.Type)
	assert.Contains(t, jsErr.Message, "50ms")
}

func TestScriptRuntimeReuseAfterTimeout(t *testing.T) {
	exec := newExecutor(t, map[string]any{"script": "if (msg) { while (true) {} } return 'ok';", "timeout": "50ms", "poolSize": 1})

	_, err := collect(t, exec, ruledata.New(true))
	require.Error(t, err)

	out, err := collect(t, exec, ruledata.New(false))
	require.NoError(t, err)
	assert.Equal(t, []any{"ok"}, out)
}

func TestScriptGlobalsDoNotLeak(t *testing.T) {
	exec := newExecutor(t, map[string]any{"script": "var seen = globalThis.counter || 0; globalThis.counter = seen + 1; return seen;", "poolSize": 1})

	for i := 0; i < 3; i++ {
		out, err := collect(t, exec, ruledata.New(nil))
		require.NoError(t, err)
		assert.EqualValues(t, []any{int64(0)}, out)
	}
}

func TestStrictModeBlocksEval(t *testing.T) {
	exec := newExecutor(t, map[string]any{"script": "return eval('1+1');", "securityLevel": SecurityLevelStrict})
	_, err := collect(t, exec, ruledata.New(nil))
	require.Error(t, err)

	var jsErr *JSError
	require.ErrorAs(t, err, &jsErr)
	assert.Equal(t, ErrorTypeSecurity, jsErr.Type)
}

func TestHostGlobalsRemoved(t *testing.T) {
	exec := newExecutor(t, map[string]any{"script": "return typeof require;"})
	out, err := collect(t, exec, ruledata.New(nil))
	require.NoError(t, err)
	assert.Equal(t, []any{"undefined"}, out)
}

func TestInvalidScriptIsConfigurationError(t *testing.T) {
	tests := map[string]map[string]any{
		"syntax":      {"script": "return {"},
		"missing":     {},
		"bad level":   {"script": "return 1;", "securityLevel": "none"},
		"zero pool":   {"script": "return 1;", "poolSize": 0},
		"bad timeout": {"script": "return 1;", "timeout": "soon"},
	}
	for name, settings := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewFactory(nil).CreateExecutor(memory.New(), scriptConfig(settings))
			require.Error(t, err)
			assert.ErrorIs(t, err, node.ErrConfiguration)
		})
	}
}

func TestCompileReportsSyntaxType(t *testing.T) {
	_, err := Compile("return (")
	var jsErr *JSError
	require.ErrorAs(t, err, &jsErr)
	assert.Equal(t, ErrorTypeSyntax, jsErr.Type)
}

func TestPoolLifecycleFollowsNode(t *testing.T) {
	factory := NewFactory(nil)
	cfg := scriptConfig(map[string]any{"script": "return {v: msg.v * 2};", "poolSize": 2})
	n, err := node.New(cfg, factory)
	require.NoError(t, err)

	ectx := memory.New()
	require.NoError(t, n.Start(context.Background(), ectx))

	pool := factory.Pool()
	require.NotNil(t, pool)
	assert.Equal(t, 2, pool.Stats().Idle)

	require.NoError(t, ectx.In().Send(context.Background(), ruledata.New(`{"v":5}`)))

	ectx.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Wait(ctx))

	written := ectx.Out().Written()
	require.Len(t, written, 1)
	m, ok := written[0].Payload.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 10, m["v"])
	assert.Len(t, ectx.EventsOf(event.Done), 1)

	_, err = pool.Acquire(context.Background())
	assert.True(t, errors.Is(err, ErrPoolClosed))
}

func TestPoolNeverGrowsPastSize(t *testing.T) {
	program, err := Compile("return msg;")
	require.NoError(t, err)
	pool := newVMPool(program, sandbox{level: SecurityLevelStandard, logger: zap.NewNop()}, 2, 100)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var (
		wg       sync.WaitGroup
		acquired atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			// runtimes are held until the test ends so every other caller has to wait
			if _, err := pool.Acquire(ctx); err == nil {
				acquired.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(2), acquired.Load())
	stats := pool.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, int64(2), stats.Created)
}
