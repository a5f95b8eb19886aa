// Package script implements a node type running JavaScript with goja.
package script

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/marc45/rule-engine/pkg/node"
	"github.com/marc45/rule-engine/pkg/nodes"
	"github.com/marc45/rule-engine/pkg/ruledata"
)

// Type is the registry name of the script node.
const Type = "script"

// Factory builds the executor of one script node. The VM pool it creates is
// warmed once the node's input is subscribed and closed when the node stops.
type Factory struct {
	logger *zap.Logger

	mu       sync.Mutex
	pool     *VMPool
	settings Settings
}

var (
	_ node.ExecutorFactory = (*Factory)(nil)
	_ node.Starter         = (*Factory)(nil)
)

// NewFactory creates a script node factory.
func NewFactory(logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{logger: logger}
}

// CreateExecutor decodes the settings and compiles the script.
func (f *Factory) CreateExecutor(ectx node.ExecutionContext, cfg node.Config) (node.Executor, error) {
	var settings Settings
	if err := nodes.Decode(cfg, &settings); err != nil {
		return nil, err
	}

	id := nodes.ID(cfg)
	program, err := Compile(settings.Script)
	if err != nil {
		return nil, node.NewConfigurationError(id, err)
	}

	logger := f.logger.With(zap.String("nodeId", id))
	pool := newVMPool(program, sandbox{level: settings.SecurityLevel, logger: logger}, settings.PoolSize, settings.MaxReuseCount)

	f.mu.Lock()
	f.pool = pool
	f.settings = settings
	f.mu.Unlock()

	return &executor{pool: pool, settings: settings, logger: logger}, nil
}

// OnStarted warms the pool and ties its lifetime to the node.
func (f *Factory) OnStarted(ectx node.ExecutionContext, cfg node.Config) {
	f.mu.Lock()
	pool, size := f.pool, f.settings.PoolSize
	f.mu.Unlock()
	if pool == nil {
		return
	}

	if err := pool.Warm(size); err != nil {
		f.logger.Warn("Failed to warm script pool",
			zap.String("nodeId", nodes.ID(cfg)),
			zap.Error(err))
	}
	ectx.OnStop(func() {
		_ = pool.Close()
	})
}

// Pool returns the VM pool of the last created executor.
func (f *Factory) Pool() *VMPool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pool
}

type executor struct {
	pool     *VMPool
	settings Settings
	logger   *zap.Logger
}

func (e *executor) Execute(ctx context.Context, data *ruledata.RuleData) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		result, err := e.run(ctx, data)
		if err != nil {
			yield(nil, err)
			return
		}
		if result == nil {
			return
		}
		if items, ok := result.([]any); ok && e.settings.Split {
			for _, item := range items {
				if !yield(item, nil) {
					return
				}
			}
			return
		}
		yield(result, nil)
	}
}

func (e *executor) run(ctx context.Context, data *ruledata.RuleData) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, e.settings.Timeout)
	defer cancel()

	vm, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire vm: %w", err)
	}
	defer func() {
		if rerr := e.pool.Release(vm); rerr != nil {
			e.logger.Warn("Failed to release vm", zap.Error(rerr))
		}
	}()

	stop := make(chan struct{})
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		select {
		case <-ctx.Done():
			vm.vm.Interrupt("execution timeout")
		case <-stop:
		}
	}()

	msg := vm.vm.ToValue(ruledata.Clone(data.Payload))
	metadata := vm.vm.ToValue(ruledata.Clone(data.Headers))
	value, err := vm.entry(goja.Undefined(), msg, metadata)

	close(stop)
	<-watched

	if err != nil {
		jsErr := fromGoja(err)
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			jsErr.Message = fmt.Sprintf("script exceeded timeout of %s", e.settings.Timeout)
		}
		return nil, jsErr
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}
