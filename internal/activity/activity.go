// Package activity keeps a best-effort trail of notable account events:
// credit movements, plan changes, feature toggles and maintenance actions.
//
// Recording never fails the operation that triggered it. Store errors are
// logged and dropped.
package activity

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/genforge/internal/idgen"
	"github.com/mbd888/genforge/internal/logging"
)

type contextKey string

const (
	ctxActorType contextKey = "activity_actor_type"
	ctxActorID   contextKey = "activity_actor_id"
)

// Actor types.
const (
	ActorSystem = "system"
	ActorAdmin  = "admin"
	ActorUser   = "user"
)

// WithActor attaches the acting principal to ctx.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = context.WithValue(ctx, ctxActorType, actorType)
	return context.WithValue(ctx, ctxActorID, actorID)
}

// ActorFromContext returns the acting principal, defaulting to system.
func ActorFromContext(ctx context.Context) (actorType, actorID string) {
	actorType = ActorSystem
	if v, ok := ctx.Value(ctxActorType).(string); ok && v != "" {
		actorType = v
	}
	if v, ok := ctx.Value(ctxActorID).(string); ok {
		actorID = v
	}
	return actorType, actorID
}

// Entry is one recorded event.
type Entry struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId,omitempty"`
	ActorType string            `json:"actorType"`
	ActorID   string            `json:"actorId,omitempty"`
	Action    string            `json:"action"`
	Subject   string            `json:"subject,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Recorder accepts entries. Implementations must not block for long.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// Log is a Recorder backed by a Store.
type Log struct {
	store  Store
	logger *slog.Logger
}

// NewLog creates a Log writing to store.
func NewLog(store Store, logger *slog.Logger) *Log {
	return &Log{store: store, logger: logging.OrDefault(logger)}
}

// Record fills in id, actor and timestamp and appends the entry.
func (l *Log) Record(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = idgen.WithPrefix(idgen.PrefixActivity)
	}
	if e.ActorType == "" {
		e.ActorType, e.ActorID = ActorFromContext(ctx)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if err := l.store.Append(context.WithoutCancel(ctx), &e); err != nil {
		l.logger.Warn("activity: append failed",
			"action", e.Action, "tenant_id", e.TenantID, "error", err)
	}
}

// Store returns the backing store for queries.
func (l *Log) Store() Store { return l.store }

// Nop discards entries.
type Nop struct{}

// Record does nothing.
func (Nop) Record(context.Context, Entry) {}

var (
	_ Recorder = (*Log)(nil)
	_ Recorder = Nop{}
)
