package script

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// ErrPoolClosed is returned when acquiring a VM after the pool was closed.
var ErrPoolClosed = errors.New("vm pool is closed")

// ErrorType categorizes script failures.
type ErrorType string

const (
	ErrorTypeSyntax   ErrorType = "syntax_error"
	ErrorTypeRuntime  ErrorType = "runtime_error"
	ErrorTypeTimeout  ErrorType = "timeout_error"
	ErrorTypeSecurity ErrorType = "security_error"
)

// JSError is a failure raised while compiling or running a script.
type JSError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Stack   string    `json:"stack,omitempty"`
}

func (e *JSError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// fromGoja converts an error returned by goja into a *JSError.
func fromGoja(err error) *JSError {
	var jsErr *JSError
	if errors.As(err, &jsErr) {
		return jsErr
	}

	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return &JSError{Type: ErrorTypeSyntax, Message: syntax.Error()}
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return &JSError{Type: ErrorTypeTimeout, Message: interrupted.Error()}
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		out := &JSError{Type: ErrorTypeRuntime, Message: exc.Error()}
		if obj, ok := exc.Value().(*goja.Object); ok {
			if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
				out.Stack = stack.String()
			}
		}
		if strings.Contains(strings.ToLower(out.Message), "security") {
			out.Type = ErrorTypeSecurity
		}
		return out
	}

	return &JSError{Type: ErrorTypeRuntime, Message: err.Error()}
}
