package reporting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/marc45/rule-engine/pkg/config"
	"github.com/marc45/rule-engine/pkg/message"
	"github.com/marc45/rule-engine/pkg/ruledata"
)

// SentryReporter captures failures as Sentry exceptions.
type SentryReporter struct {
	hub *sentry.Hub
}

// NewSentryReporter reports through hub.
func NewSentryReporter(hub *sentry.Hub) *SentryReporter {
	return &SentryReporter{hub: hub}
}

// NewSentryReporterFromConfig creates a dedicated Sentry client for cfg.
func NewSentryReporterFromConfig(cfg config.Sentry) (*SentryReporter, error) {
	if cfg.DSN == "" {
		return nil, errors.New("sentry DSN cannot be empty")
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		SampleRate:  cfg.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}
	return NewSentryReporter(sentry.NewHub(client, sentry.NewScope())), nil
}

func (r *SentryReporter) Report(ctx context.Context, nodeID string, data *ruledata.RuleData, err error) error {
	if err == nil {
		return nil
	}
	info := message.NewErrorInfo(err)
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("nodeId", nodeID)
		if info.Kind != "" {
			scope.SetTag("kind", info.Kind)
		}
		if info.Phase != "" {
			scope.SetTag("phase", info.Phase)
		}
		if data != nil {
			scope.SetTag("dataId", data.ID)
			scope.SetContext("ruleData", sentry.Context{
				"id":        data.ID,
				"contextId": data.ContextID,
				"headers":   data.Headers,
			})
		}
		r.hub.CaptureException(err)
	})
	return nil
}

// Flush waits up to timeout for buffered events to be sent.
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}
