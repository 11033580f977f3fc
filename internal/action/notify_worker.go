package action

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lucasnoah/argus/internal/claim"
	"github.com/lucasnoah/argus/internal/notify"
	"github.com/lucasnoah/argus/internal/pipeline"
)

// NotifyWorker retries chat-publish records left NEW by a failed publish,
// and takes over ones whose publisher died mid-delivery.
type NotifyWorker struct {
	claimer    *claim.Claimer
	dispatcher *notify.Dispatcher
	batchSize  int
	lease      time.Duration
	logger     *slog.Logger
}

// NewNotifyWorker creates a NotifyWorker.
func NewNotifyWorker(claimer *claim.Claimer, dispatcher *notify.Dispatcher, batchSize int, lease time.Duration) *NotifyWorker {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &NotifyWorker{claimer: claimer, dispatcher: dispatcher, batchSize: batchSize, lease: lease, logger: slog.Default()}
}

// SetLogger sets the structured logger.
func (w *NotifyWorker) SetLogger(l *slog.Logger) {
	w.logger = l
}

// Tick claims and delivers pending notifications.
func (w *NotifyWorker) Tick(ctx context.Context) (*TickResult, error) {
	batch, claimErr := w.claimer.ClaimBatch(ctx, pipeline.IndexActions, claim.PollOpts{
		Statuses:   []string{pipeline.ActionNew},
		InProgress: pipeline.ActionProcessing,
		Fields:     map[string]string{"actionType": pipeline.ActionChatPublish},
		Limit:      w.batchSize,
		Lease:      w.lease,
	})
	if batch == nil {
		return nil, fmt.Errorf("claim notifications: %w", claimErr)
	}

	res := &TickResult{Skipped: batch.Conflicts, Reclaimed: batch.Reclaimed}
	for i := range batch.Claimed {
		rec, err := pipeline.ActionFromDoc(&batch.Claimed[i])
		if err != nil {
			w.logger.Error("decode notification", "id", batch.Claimed[i].ID, "err", err)
			if werr := w.dispatcher.Store().FailActionDoc(context.WithoutCancel(ctx), batch.Claimed[i], ErrCodePayload, err.Error()); werr != nil {
				w.logger.Error("write failed status", "action_id", batch.Claimed[i].ID, "err", werr)
			}
			res.Failed++
			continue
		}
		if _, err := w.dispatcher.Deliver(ctx, rec); err != nil {
			w.logger.Warn("notification delivery failed", "action_id", rec.ActionID, "attempts", rec.Attempts, "err", err)
			res.Failed++
			continue
		}
		res.Processed++
	}
	if claimErr != nil {
		return res, fmt.Errorf("claim notifications: %w", claimErr)
	}
	return res, nil
}
