package logging

import (
	"context"
	"log/slog"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldItemID is the standardized structured logging key for queue item identifiers.
	FieldItemID = "item_id"
	// FieldGuildID is the standardized structured logging key for guild identifiers.
	FieldGuildID = "guild_id"
	// FieldWorkerID identifies the dispatcher worker holding a lease.
	FieldWorkerID = "worker_id"
	// FieldAttempts records how many processing attempts an item has used.
	FieldAttempts = "attempts"
	// FieldEventType is the machine-readable event name for warnings and errors.
	FieldEventType = "event_type"
	// FieldErrorHint suggests the next step an operator should take.
	FieldErrorHint = "error_hint"
	// FieldImpact is the standardized key for user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldAlert flags warnings or anomalies that should stand out in structured logs.
	FieldAlert = "alert"
)

type contextKey int

const (
	itemIDKey contextKey = iota
	guildIDKey
	workerIDKey
)

// WithItem tags ctx with the queue item and guild being processed.
func WithItem(ctx context.Context, itemID, guildID string) context.Context {
	ctx = context.WithValue(ctx, itemIDKey, itemID)
	return context.WithValue(ctx, guildIDKey, guildID)
}

// WithWorker tags ctx with a dispatcher worker id.
func WithWorker(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerIDKey, workerID)
}

// contextFields extracts the item, guild, and worker tags set on ctx.
func contextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 3)
	if id, ok := ctx.Value(itemIDKey).(string); ok && id != "" {
		fields = append(fields, slog.String(FieldItemID, id))
	}
	if guild, ok := ctx.Value(guildIDKey).(string); ok && guild != "" {
		fields = append(fields, slog.String(FieldGuildID, guild))
	}
	if worker, ok := ctx.Value(workerIDKey).(string); ok && worker != "" {
		fields = append(fields, slog.String(FieldWorkerID, worker))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := contextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
