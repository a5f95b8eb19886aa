// Package reporting delivers failed items to log, error tracking and
// dead-letter sinks.
package reporting

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/marc45/rule-engine/pkg/memory"
	"github.com/marc45/rule-engine/pkg/node"
	"github.com/marc45/rule-engine/pkg/ruledata"
)

// Reporter receives items a node failed to process.
type Reporter interface {
	Report(ctx context.Context, nodeID string, data *ruledata.RuleData, err error) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, nodeID string, data *ruledata.RuleData, err error) error

func (f ReporterFunc) Report(ctx context.Context, nodeID string, data *ruledata.RuleData, err error) error {
	return f(ctx, nodeID, data, err)
}

// Nop discards every report.
var Nop Reporter = ReporterFunc(func(context.Context, string, *ruledata.RuleData, error) error { return nil })

// LogReporter logs failures.
type LogReporter struct {
	logger *zap.Logger
}

// NewLogReporter creates a reporter logging through logger.
func NewLogReporter(logger *zap.Logger) *LogReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogReporter{logger: logger}
}

func (r *LogReporter) Report(ctx context.Context, nodeID string, data *ruledata.RuleData, err error) error {
	fields := []zap.Field{
		zap.String("nodeId", nodeID),
		zap.Bool("retryable", node.IsRetryable(err)),
		zap.Error(err),
	}
	if data != nil {
		fields = append(fields, zap.String("dataId", data.ID), zap.String("contextId", data.ContextID))
	}
	r.logger.Error("Node failed to process item", fields...)
	return nil
}

type multi []Reporter

// Multi reports to every reporter in order and joins their errors.
func Multi(reporters ...Reporter) Reporter {
	out := make(multi, 0, len(reporters))
	for _, r := range reporters {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (m multi) Report(ctx context.Context, nodeID string, data *ruledata.RuleData, err error) error {
	var errs []error
	for _, r := range m {
		if rerr := r.Report(ctx, nodeID, data, err); rerr != nil {
			errs = append(errs, rerr)
		}
	}
	return errors.Join(errs...)
}

// ErrorHandler adapts r to an in-memory context error handler for nodeID.
func ErrorHandler(nodeID string, r Reporter) memory.ErrorHandler {
	return func(ctx context.Context, data *ruledata.RuleData, err error) error {
		return r.Report(ctx, nodeID, data, err)
	}
}
