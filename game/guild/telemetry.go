package guild

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kasuganosora/guildserver/serial"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type traceIDKey struct{}

// WithTraceID attaches a request trace id that ends up in logs and the guild log.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

// TraceIDFrom returns the trace id set by WithTraceID, falling back to the
// active span's trace id.
func TraceIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey{}).(string); ok && id != "" {
		return id
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// subject identifies who an operation acts on, for spans and log lines.
type subject struct {
	guildID int64
	actorID int64
}

// call runs fn under keys on the serializer, wrapped in a span, a timeout,
// metrics and one completion log line. With no keys fn runs inline.
//
// When the caller's context ends while fn is still queued, fn is skipped and
// the caller gets ErrTimeout. Once fn has started the caller waits for its
// real result, so ErrTimeout always means nothing was applied.
func call[T any](ctx context.Context, svc *Service, op string, sub subject, keys []serial.Key, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	if TraceIDFrom(ctx) == "" {
		ctx = WithTraceID(ctx, uuid.NewString())
	}
	ctx, span := svc.tracer.Start(ctx, "guild."+op, trace.WithAttributes(
		attribute.Int64("guild.id", sub.guildID),
		attribute.Int64("guild.actor_id", sub.actorID),
	))
	defer span.End()

	if _, ok := ctx.Deadline(); !ok && svc.cfg.OpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, svc.cfg.OpTimeout)
		defer cancel()
	}

	var (
		res T
		err error
	)
	if len(keys) == 0 {
		res, err = inline(ctx, fn)
	} else {
		res, err = serial.Submit(svc.serial, ctx, keys, fn).Wait(ctx)
	}
	err = normalize(op, err)
	svc.observe(ctx, op, sub, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var zero T
		return zero, err
	}
	return res, nil
}

// exec is call for operations without a result value.
func exec(ctx context.Context, svc *Service, op string, sub subject, keys []serial.Key, fn func(context.Context) error) error {
	_, err := call(ctx, svc, op, sub, keys, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func inline[T any](ctx context.Context, fn func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &serial.PanicError{Value: r}
		}
	}()
	return fn(ctx)
}

func (svc *Service) observe(ctx context.Context, op string, sub subject, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = KindOf(err).String()
	}
	svc.metrics.Observe(op, result, d)

	fields := []zap.Field{
		zap.String("op", op),
		zap.Int64("guild_id", sub.guildID),
		zap.Int64("actor_id", sub.actorID),
		zap.String("trace_id", TraceIDFrom(ctx)),
		zap.Duration("duration", d),
	}
	if err == nil {
		svc.logger.Debug("guild op", fields...)
		return
	}
	fields = append(fields, zap.String("kind", result), zap.Error(err))
	switch KindOf(err) {
	case KindInternal:
		svc.logger.Error("guild op failed", fields...)
	case KindTimeout, KindConflict:
		svc.logger.Warn("guild op failed", fields...)
	default:
		svc.logger.Info("guild op rejected", fields...)
	}
}
