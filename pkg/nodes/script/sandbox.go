package script

import (
	"fmt"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

var hostGlobals = []string{
	"require",
	"module",
	"exports",
	"process",
	"global",
	"__dirname",
	"__filename",
	"Buffer",
	"setImmediate",
	"clearImmediate",
}

var frozenBuiltins = []string{
	"Object", "Array", "Function", "String", "Number",
	"Boolean", "Date", "RegExp", "Error", "Math",
}

const freezeScript = `(function(obj) {
	if (obj && (typeof obj === 'object' || typeof obj === 'function')) {
		Object.freeze(obj);
		if (obj.prototype) {
			Object.freeze(obj.prototype);
		}
	}
})`

// sandbox strips host facilities from a runtime and installs a console that
// writes to the node logger.
type sandbox struct {
	level  string
	logger *zap.Logger
}

func (s sandbox) apply(vm *goja.Runtime) error {
	for _, name := range hostGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}

	if s.level == SecurityLevelStrict {
		err := vm.Set("eval", func(call goja.FunctionCall) goja.Value {
			panic(vm.NewTypeError("security: eval is not allowed in strict mode"))
		})
		if err != nil {
			return fmt.Errorf("failed to restrict eval: %w", err)
		}
	}

	if s.level != SecurityLevelPermissive {
		val, err := vm.RunString(freezeScript)
		if err != nil {
			return fmt.Errorf("failed to create freeze function: %w", err)
		}
		freeze, ok := goja.AssertFunction(val)
		if !ok {
			return fmt.Errorf("freeze function is not a function")
		}
		for _, name := range frozenBuiltins {
			if obj := vm.Get(name); obj != nil && !goja.IsUndefined(obj) {
				// a builtin that cannot be frozen stays mutable
				_, _ = freeze(goja.Undefined(), obj)
			}
		}
	}

	return s.installConsole(vm)
}

func (s sandbox) installConsole(vm *goja.Runtime) error {
	console := vm.NewObject()
	logAt := func(level func(string, ...zap.Field)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			args := make([]any, 0, len(call.Arguments))
			for _, a := range call.Arguments {
				args = append(args, a.Export())
			}
			level("Script console", zap.Any("args", args))
			return goja.Undefined()
		}
	}
	for name, fn := range map[string]func(string, ...zap.Field){
		"log":   s.logger.Debug,
		"info":  s.logger.Info,
		"warn":  s.logger.Warn,
		"error": s.logger.Error,
	} {
		if err := console.Set(name, logAt(fn)); err != nil {
			return fmt.Errorf("failed to install console.%s: %w", name, err)
		}
	}
	return vm.Set("console", console)
}
