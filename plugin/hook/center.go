package hook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrInterrupt signals that a hook vetoes the operation.
var ErrInterrupt = errors.New("hook interrupted")

// Deny returns an ErrInterrupt carrying a reason for the caller.
func Deny(reason string) error {
	return fmt.Errorf("%w: %s", ErrInterrupt, reason)
}

// Request describes the guild operation about to run. Fields not relevant to
// an event are zero. Hooks may read it but changes are ignored.
type Request struct {
	Event        string
	GuildID      int64
	ActorID      int64
	TargetID     int64 // invitee, kicked player or destination guild
	Amount       int64
	Name         string
	Tag          string
	RelationType string
}

// HookFn inspects a request. Returning an error wrapping ErrInterrupt vetoes
// it; any other error is reported to the error handler and ignored.
type HookFn func(ctx context.Context, req *Request) error

type hookEntry struct {
	priority int
	fn       HookFn
	name     string
}

// HookCenter manages guild hook registrations.
type HookCenter struct {
	mu      sync.RWMutex
	hooks   map[string][]*hookEntry
	onError func(event, name string, err error)
}

// NewHookCenter creates a new HookCenter.
func NewHookCenter() *HookCenter {
	return &HookCenter{hooks: make(map[string][]*hookEntry)}
}

// OnError sets the callback for hook errors that do not interrupt.
func (hc *HookCenter) OnError(fn func(event, name string, err error)) {
	hc.mu.Lock()
	hc.onError = fn
	hc.mu.Unlock()
}

// Register adds a HookFn for the given event with the given priority (lower runs first).
// name is used for Unregister.
func (hc *HookCenter) Register(event string, priority int, name string, fn HookFn) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	entries := append(hc.hooks[event], &hookEntry{priority: priority, fn: fn, name: name})
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].priority < entries[j].priority
	})
	hc.hooks[event] = entries
}

func without(entries []*hookEntry, name string) []*hookEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.name != name {
			out = append(out, e)
		}
	}
	return out
}

// Unregister removes all hooks with the given name for the given event.
func (hc *HookCenter) Unregister(event, name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.hooks[event] = without(hc.hooks[event], name)
}

// UnregisterAll removes all hooks registered with the given name across all events.
func (hc *HookCenter) UnregisterAll(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	for event, entries := range hc.hooks {
		hc.hooks[event] = without(entries, name)
	}
}

// Trigger runs the hooks for req.Event in priority order and stops at the
// first interrupt, which it returns. A nil HookCenter allows everything.
func (hc *HookCenter) Trigger(ctx context.Context, req Request) error {
	if hc == nil {
		return nil
	}
	hc.mu.RLock()
	entries := append([]*hookEntry(nil), hc.hooks[req.Event]...)
	onError := hc.onError
	hc.mu.RUnlock()

	for _, e := range entries {
		r := req
		err := e.fn(ctx, &r)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrInterrupt) {
			return err
		}
		if onError != nil {
			onError(req.Event, e.name, err)
		}
	}
	return nil
}

// ---- Hook event names ----

const (
	BeforeGuildCreate     = "before_guild_create"
	BeforeGuildDelete     = "before_guild_delete"
	BeforeGuildRename     = "before_guild_rename"
	BeforeInvite          = "before_invite"
	BeforeDeposit         = "before_deposit"
	BeforeWithdraw        = "before_withdraw"
	BeforeTransfer        = "before_transfer"
	BeforeRelationPropose = "before_relation_propose"
)
