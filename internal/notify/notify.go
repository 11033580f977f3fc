// Package notify publishes chat and ticket notifications with idempotent
// bookkeeping in the ledger, so a retried tick never posts twice.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Status is the outcome of one publish.
type Status string

const (
	StatusPosted Status = "POSTED"
	StatusFailed Status = "FAILED"
	StatusDryRun Status = "DRY_RUN"
)

// Message kinds.
const (
	KindNewScan = "new-scan"
	KindReport  = "report"
	KindFix     = "fix"
)

// Message is one notification.
type Message struct {
	Kind   string            `json:"kind"`
	Scope  string            `json:"scope"` // run id the message is about
	Repo   string            `json:"repo,omitempty"`
	Title  string            `json:"title"`
	Text   string            `json:"text"`
	Fields map[string]string `json:"fields,omitempty"`
	// Dedupe, when set, replaces the content hash in the idempotency key so
	// that messages whose text varies between retries still post once.
	Dedupe string `json:"dedupe,omitempty"`
	// Key is the idempotency key of the bookkeeping record. Sinks that can
	// search their own history embed it to detect duplicates.
	Key string `json:"-"`
}

// Result is what a sink reports for a publish.
type Result struct {
	Status Status `json:"status"`
	Ref    string `json:"ref,omitempty"` // URL or id of the posted item
}

// Sink delivers messages to an external system.
type Sink interface {
	Name() string
	Publish(ctx context.Context, msg Message) (Result, error)
}

// DryRun records what would have been sent. It is used when no
// credentials are configured.
type DryRun struct {
	Logger *slog.Logger
}

func (DryRun) Name() string { return "dry-run" }

func (d DryRun) Publish(_ context.Context, msg Message) (Result, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("dry-run notification", "kind", msg.Kind, "scope", msg.Scope, "title", msg.Title, "key", msg.Key)
	return Result{Status: StatusDryRun}, nil
}

// Format renders a message as plain text with its fields in key order.
func Format(msg Message) string {
	var b strings.Builder
	b.WriteString(msg.Title)
	if msg.Text != "" {
		b.WriteString("\n")
		b.WriteString(msg.Text)
	}
	keys := make([]string, 0, len(msg.Fields))
	for k := range msg.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, msg.Fields[k])
	}
	return b.String()
}
