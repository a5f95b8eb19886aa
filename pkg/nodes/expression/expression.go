// Package expression implements a node type evaluating expr-lang expressions.
//
// The expression sees the item payload as msg and its headers as metadata.
// Besides the expr builtins it can call:
//
//	get(v, "a.b.c")   value at a dotted path, nil when absent
//	has(v, "a.b.c")   whether the path exists
//	toJSON(v)         v encoded as a JSON string
package expression

import (
	"context"
	"fmt"
	"iter"

	"github.com/Jeffail/gabs/v2"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/marc45/rule-engine/pkg/node"
	"github.com/marc45/rule-engine/pkg/nodes"
	"github.com/marc45/rule-engine/pkg/ruledata"
)

// Type is the registry name of the expression node.
const Type = "expression"

// Settings configures an expression node.
type Settings struct {
	Expression string `json:"expression" validate:"required"`
	// Split yields each element of a list result as its own value.
	Split bool `json:"split"`
}

// env is the variable scope of an expression.
type env struct {
	Msg      any            `expr:"msg"`
	Metadata map[string]any `expr:"metadata"`
}

var functions = []expr.Option{
	expr.Function("get", func(params ...any) (any, error) {
		path, ok := params[1].(string)
		if !ok {
			return nil, fmt.Errorf("get() expects a string path, got %T", params[1])
		}
		return gabs.Wrap(params[0]).Path(path).Data(), nil
	}, new(func(any, string) any)),
	expr.Function("has", func(params ...any) (any, error) {
		path, ok := params[1].(string)
		if !ok {
			return false, fmt.Errorf("has() expects a string path, got %T", params[1])
		}
		return gabs.Wrap(params[0]).ExistsP(path), nil
	}, new(func(any, string) bool)),
	expr.Function("toJSON", func(params ...any) (any, error) {
		return gabs.Wrap(params[0]).String(), nil
	}, new(func(any) string)),
}

// Compile parses and type checks expression.
func Compile(expression string) (*vm.Program, error) {
	opts := []expr.Option{
		expr.Env(env{}),
	}
	opts = append(opts, functions...)

	program, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", err)
	}
	return program, nil
}

// NewFactory returns the factory of expression nodes.
func NewFactory() node.ExecutorFactory {
	return node.ExecutorFactoryFunc(func(ectx node.ExecutionContext, cfg node.Config) (node.Executor, error) {
		var settings Settings
		if err := nodes.Decode(cfg, &settings); err != nil {
			return nil, err
		}
		program, err := Compile(settings.Expression)
		if err != nil {
			return nil, node.NewConfigurationError(nodes.ID(cfg), err)
		}
		return &executor{program: program, split: settings.Split}, nil
	})
}

type executor struct {
	program *vm.Program
	split   bool
}

func (e *executor) Execute(ctx context.Context, data *ruledata.RuleData) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		scope := env{Msg: ruledata.Clone(data.Payload)}
		if data.Headers != nil {
			scope.Metadata = ruledata.Clone(data.Headers).(map[string]any)
		}

		result, err := expr.Run(e.program, scope)
		if err != nil {
			yield(nil, fmt.Errorf("failed to evaluate expression: %w", err))
			return
		}
		if result == nil {
			return
		}
		if items, ok := result.([]any); ok && e.split {
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
