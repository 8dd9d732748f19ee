// Package audit writes append-only audit records. Writes are best-effort:
// a failure is logged and counted but never returned to the caller, so it
// cannot mask or roll back the operation being audited.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sstlabs/esocial-engine/internal/metrics"
	"github.com/sstlabs/esocial-engine/internal/model"
)

// Appender is the persistence the sink writes through. store.Store
// satisfies it.
type Appender interface {
	AppendAudit(ctx context.Context, rec *model.AuditRecord) error
}

// Entry describes one audited change. Before and After are marshaled to
// JSON snapshots; nil leaves the snapshot empty.
type Entry struct {
	Actor    string
	Action   string
	Entity   string
	EntityID string
	Before   any
	After    any
}

type actorKey struct{}

// WithActor attaches the acting principal to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the principal attached by WithActor, or "system".
func ActorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return "system"
}

// Sink records audit entries.
type Sink struct {
	dst    Appender
	logger zerolog.Logger
	now    func() time.Time
}

// NewSink creates a Sink writing to dst.
func NewSink(dst Appender, logger zerolog.Logger) *Sink {
	return &Sink{dst: dst, logger: logger, now: time.Now}
}

// Record writes e. It never fails.
func (s *Sink) Record(ctx context.Context, e Entry) {
	if s == nil || s.dst == nil {
		return
	}
	actor := e.Actor
	if actor == "" {
		actor = ActorFrom(ctx)
	}
	rec := &model.AuditRecord{
		ID:        uuid.NewString(),
		Actor:     actor,
		Action:    e.Action,
		Entity:    e.Entity,
		EntityID:  e.EntityID,
		Before:    s.snapshot(e.Before),
		After:     s.snapshot(e.After),
		CreatedAt: s.now().UTC(),
	}
	// The primary operation may have been cancelled by now; the record
	// still describes something that happened.
	if err := s.dst.AppendAudit(context.WithoutCancel(ctx), rec); err != nil {
		metrics.RecordAuditFailure()
		s.logger.Warn().Err(err).
			Str("action", e.Action).
			Str("entity", e.Entity).
			Str("entity_id", e.EntityID).
			Msg("audit write failed")
	}
}

func (s *Sink) snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn().Err(err).Msg("audit snapshot not serializable")
		return nil
	}
	return b
}
