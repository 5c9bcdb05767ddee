// Package events publishes guild domain events for presentation layers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kasuganosora/guildserver/cache"
	"github.com/kasuganosora/guildserver/config"
	"go.uber.org/zap"
)

// Type names a domain event.
type Type string

const (
	GuildCreated            Type = "guild.created"
	GuildDeleted            Type = "guild.deleted"
	GuildRenamed            Type = "guild.renamed"
	GuildTagChanged         Type = "guild.tag_changed"
	GuildDescriptionChanged Type = "guild.description_changed"
	GuildFrozen             Type = "guild.frozen"
	GuildUnfrozen           Type = "guild.unfrozen"
	GuildHomeChanged        Type = "guild.home_changed"
	GuildLevelUp            Type = "guild.level_up"

	MemberInvited           Type = "member.invited"
	MemberInviteDeclined    Type = "member.invite_declined"
	MemberInviteCancelled   Type = "member.invite_cancelled"
	MemberJoined            Type = "member.joined"
	MemberLeft              Type = "member.left"
	MemberKicked            Type = "member.kicked"
	MemberRoleChanged       Type = "member.role_changed"
	MemberLeaderTransferred Type = "member.leader_transferred"

	TreasuryDeposit  Type = "treasury.deposit"
	TreasuryWithdraw Type = "treasury.withdraw"
	TreasuryTransfer Type = "treasury.transfer"

	RelationProposed  Type = "relation.proposed"
	RelationAccepted  Type = "relation.accepted"
	RelationRejected  Type = "relation.rejected"
	RelationCancelled Type = "relation.cancelled"
	RelationEnded     Type = "relation.ended"
	RelationExpired   Type = "relation.expired"
)

// Event is one domain change. TargetID is the affected player or the other guild.
type Event struct {
	ID       string         `json:"id"`
	Type     Type           `json:"type"`
	GuildID  int64          `json:"guild_id"`
	ActorID  int64          `json:"actor_id,omitempty"`
	TargetID int64          `json:"target_id,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	At       time.Time      `json:"at"`
}

// Bus fans events out to subscribers.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe returns a stream of events and a function that ends it.
	Subscribe(ctx context.Context) (<-chan Event, func(), error)
	Close() error
}

func stamp(ev *Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
}

// New builds the bus selected by cfg.Backend: "pubsub" (cache pub/sub,
// local or Redis), "watermill" (in-process gochannel) or "none".
func New(cfg config.EventsConfig, ps cache.PubSub, logger *zap.Logger) (Bus, error) {
	switch cfg.Backend {
	case "", "pubsub":
		if ps == nil {
			return nil, fmt.Errorf("events: pubsub backend needs a cache.PubSub")
		}
		return NewPubSubBus(ps, cfg.Channel, logger), nil
	case "watermill":
		return NewWatermillBus(cfg.Channel, 256, logger), nil
	case "none":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("events: unknown backend %q", cfg.Backend)
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Subscribe(context.Context) (<-chan Event, func(), error) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}, nil
}
func (Nop) Close() error { return nil }

// PubSubBus sends JSON-encoded events over a cache.PubSub channel.
type PubSubBus struct {
	ps      cache.PubSub
	channel string
	logger  *zap.Logger
}

// NewPubSubBus publishes on channel (default "guild.events").
func NewPubSubBus(ps cache.PubSub, channel string, logger *zap.Logger) *PubSubBus {
	if channel == "" {
		channel = "guild.events"
	}
	return &PubSubBus{ps: ps, channel: channel, logger: logger}
}

func (b *PubSubBus) Publish(ctx context.Context, ev Event) error {
	stamp(&ev)
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", ev.Type, err)
	}
	return b.ps.Publish(ctx, b.channel, string(data))
}

// Subscribe decodes events until ctx ends or the returned cancel is called.
// A subscriber that stops reading does not pin the decoder goroutine.
func (b *PubSubBus) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	subCtx, stop := context.WithCancel(ctx)
	msgs, cancel, err := b.ps.Subscribe(subCtx, b.channel)
	if err != nil {
		stop()
		return nil, nil, err
	}
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer func() {
			cancel()
			for range msgs {
			}
		}()
		for {
			select {
			case <-subCtx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.logger.Warn("events: bad payload", zap.String("channel", m.Channel), zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()
	return out, stop, nil
}

func (b *PubSubBus) Close() error { return nil }
