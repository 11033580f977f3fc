package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lucasnoah/argus/internal/idempotency"
	"github.com/lucasnoah/argus/internal/pipeline"
)

// Dispatcher publishes a message at most once per content. Every message
// gets a chat-publish ledger record keyed by its content hash; a record that
// already exists means the message was (or is being) delivered.
type Dispatcher struct {
	store       *pipeline.Store
	sink        Sink
	owner       string
	maxAttempts int
	logger      *slog.Logger
}

// NewDispatcher creates a Dispatcher. A failed publish leaves the record
// NEW for the notification worker until maxAttempts is reached.
func NewDispatcher(store *pipeline.Store, sink Sink, owner string, maxAttempts int) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Dispatcher{store: store, sink: sink, owner: owner, maxAttempts: maxAttempts, logger: slog.Default()}
}

// SetLogger sets the structured logger.
func (d *Dispatcher) SetLogger(l *slog.Logger) {
	d.logger = l
}

// Store returns the store records are kept in.
func (d *Dispatcher) Store() *pipeline.Store {
	return d.store
}

// Sink returns the configured sink.
func (d *Dispatcher) Sink() Sink {
	return d.sink
}

// ContentHash hashes the parts of msg that make it a distinct notification.
// A set Dedupe value is used as is.
func ContentHash(msg Message) (string, error) {
	if msg.Dedupe != "" {
		return msg.Dedupe, nil
	}
	return idempotency.ContentHash(map[string]any{
		"kind":   msg.Kind,
		"scope":  msg.Scope,
		"repo":   msg.Repo,
		"title":  msg.Title,
		"text":   msg.Text,
		"fields": msg.Fields,
	})
}

// Key derives the chat-publish idempotency key of msg.
func Key(msg Message) (key, contentHash string, err error) {
	contentHash, err = ContentHash(msg)
	if err != nil {
		return "", "", err
	}
	key, err = idempotency.DeriveKey(pipeline.ActionChatPublish, msg.Scope, map[string]string{
		"contentHash": contentHash,
		"kind":        msg.Kind,
	})
	return key, contentHash, err
}

// Notify records and publishes msg unless an identical message was already
// recorded, in which case the existing record is returned without posting.
func (d *Dispatcher) Notify(ctx context.Context, msg Message, source, targetKey string) (*pipeline.ActionRecord, bool, error) {
	key, hash, err := Key(msg)
	if err != nil {
		return nil, false, fmt.Errorf("derive notification key: %w", err)
	}
	payload, err := toPayload(msg)
	if err != nil {
		return nil, false, err
	}
	now := d.store.Now()
	rec, created, err := d.store.CreateAction(ctx, &pipeline.ActionRecord{
		ActionID:    key,
		ActionType:  pipeline.ActionChatPublish,
		Scope:       msg.Scope,
		Status:      pipeline.ActionProcessing,
		PayloadHash: hash,
		Payload:     payload,
		Source:      source,
		TargetKey:   targetKey,
		ClaimedBy:   d.owner,
		ClaimedAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, false, fmt.Errorf("record notification: %w", err)
	}
	if !created {
		d.logger.Debug("notification already recorded", "action_id", key, "status", rec.Status)
		return rec, false, nil
	}
	rec, err = d.Deliver(ctx, rec)
	return rec, true, err
}

// Deliver publishes a claimed chat-publish record and writes its outcome.
// The returned error is the publish error, if any; the record is written
// either way.
func (d *Dispatcher) Deliver(ctx context.Context, rec *pipeline.ActionRecord) (*pipeline.ActionRecord, error) {
	msg, err := fromPayload(rec.Payload)
	if err != nil {
		if ferr := d.finish(ctx, rec, Result{Status: StatusFailed}, err, true); ferr != nil {
			return rec, ferr
		}
		return rec, err
	}
	msg.Key = rec.ActionID

	res, pubErr := d.sink.Publish(ctx, msg)
	rec.Attempts++
	final := pubErr == nil || rec.Attempts >= d.maxAttempts
	if err := d.finish(ctx, rec, res, pubErr, final); err != nil {
		return rec, err
	}
	if pubErr != nil {
		return rec, fmt.Errorf("publish %s via %s: %w", rec.ActionID, d.sink.Name(), pubErr)
	}
	d.logger.Info("notification published", "action_id", rec.ActionID, "sink", d.sink.Name(), "status", res.Status)
	return rec, nil
}

func (d *Dispatcher) finish(ctx context.Context, rec *pipeline.ActionRecord, res Result, pubErr error, final bool) error {
	rec.Result = string(res.Status)
	rec.Outcome = fmt.Sprintf("sink=%s status=%s attempts=%d", d.sink.Name(), res.Status, rec.Attempts)
	if res.Ref != "" {
		rec.Outcome += " ref=" + res.Ref
	}
	switch {
	case pubErr == nil:
		rec.Status = pipeline.ActionSucceeded
		rec.Error, rec.ErrorCode = "", ""
	case final:
		rec.Status = pipeline.ActionFailed
		rec.ErrorCode = "SINK_FAILED"
		rec.Error = pubErr.Error()
	default:
		rec.Status = pipeline.ActionNew
		rec.Error = pubErr.Error()
	}
	if err := d.store.UpdateAction(ctx, rec); err != nil {
		return fmt.Errorf("write notification outcome %s: %w", rec.ActionID, err)
	}
	return nil
}

func toPayload(msg Message) (map[string]any, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}
	return out, nil
}

func fromPayload(p map[string]any) (Message, error) {
	var msg Message
	data, err := json.Marshal(p)
	if err != nil {
		return msg, fmt.Errorf("decode notification: %w", err)
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("decode notification: %w", err)
	}
	return msg, nil
}
