package reporting

import (
	"context"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/marc45/rule-engine/pkg/message"
	"github.com/marc45/rule-engine/pkg/ruledata"
	"github.com/marc45/rule-engine/pkg/storage"
)

// DeadLetterReporter stores failed items as error envelopes in blob storage
// under <nodeId>/<yyyy-mm-dd>/<dataId>.json.
type DeadLetterReporter struct {
	store  storage.BlobStore
	logger *zap.Logger
	now    func() time.Time
}

// NewDeadLetterReporter creates a reporter writing to store.
func NewDeadLetterReporter(store storage.BlobStore, logger *zap.Logger) *DeadLetterReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeadLetterReporter{store: store, logger: logger, now: time.Now}
}

func (r *DeadLetterReporter) Report(ctx context.Context, nodeID string, data *ruledata.RuleData, err error) error {
	if data == nil {
		return nil
	}
	env := message.NewError(nodeID, data, err)
	env.CreatedAt = r.now().UTC()

	body, merr := env.ToBytes()
	if merr != nil {
		return fmt.Errorf("failed to encode dead letter for data %s: %w", data.ID, merr)
	}

	blobPath := path.Join(nodeID, env.CreatedAt.Format(time.DateOnly), data.ID+".json")
	metadata := map[string]string{
		"nodeId":    nodeID,
		"dataId":    data.ID,
		"contextId": data.ContextID,
	}
	if env.Error != nil && env.Error.Kind != "" {
		metadata["kind"] = env.Error.Kind
	}

	ref, uerr := r.store.Upload(ctx, blobPath, body, metadata)
	if uerr != nil {
		return fmt.Errorf("failed to store dead letter for data %s: %w", data.ID, uerr)
	}
	r.logger.Debug("Dead letter stored",
		zap.String("nodeId", nodeID),
		zap.String("dataId", data.ID),
		zap.String("reference", ref))
	return nil
}
