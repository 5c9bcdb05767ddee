package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"
)

// WatermillBus carries events over an in-process watermill gochannel.
type WatermillBus struct {
	gc     *gochannel.GoChannel
	topic  string
	logger *zap.Logger
}

// NewWatermillBus creates the gochannel with buf slots per subscriber.
func NewWatermillBus(topic string, buf int64, logger *zap.Logger) *WatermillBus {
	if topic == "" {
		topic = "guild.events"
	}
	gc := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: buf}, zapAdapter{logger})
	return &WatermillBus{gc: gc, topic: topic, logger: logger}
}

func (b *WatermillBus) Publish(_ context.Context, ev Event) error {
	stamp(&ev)
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", ev.Type, err)
	}
	msg := message.NewMessage(ev.ID, data)
	msg.Metadata.Set("type", string(ev.Type))
	return b.gc.Publish(b.topic, msg)
}

func (b *WatermillBus) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	msgs, err := b.gc.Subscribe(subCtx, b.topic)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev Event
			err := json.Unmarshal(msg.Payload, &ev)
			msg.Ack()
			if err != nil {
				b.logger.Warn("events: bad payload", zap.String("uuid", msg.UUID), zap.Error(err))
				continue
			}
			select {
			case out <- ev:
			case <-subCtx.Done():
				return
			}
		}
	}()
	return out, cancel, nil
}

func (b *WatermillBus) Close() error { return b.gc.Close() }

// zapAdapter routes watermill's internal logging into zap.
type zapAdapter struct{ l *zap.Logger }

func fieldsOf(f watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func (a zapAdapter) Error(msg string, err error, f watermill.LogFields) {
	a.l.Error(msg, append(fieldsOf(f), zap.Error(err))...)
}
func (a zapAdapter) Info(msg string, f watermill.LogFields)  { a.l.Info(msg, fieldsOf(f)...) }
func (a zapAdapter) Debug(msg string, f watermill.LogFields) { a.l.Debug(msg, fieldsOf(f)...) }
func (a zapAdapter) Trace(msg string, f watermill.LogFields) { a.l.Debug(msg, fieldsOf(f)...) }
func (a zapAdapter) With(f watermill.LogFields) watermill.LoggerAdapter {
	return zapAdapter{a.l.With(fieldsOf(f)...)}
}
