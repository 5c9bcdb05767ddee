package guild

import (
	"context"
	"errors"
	"fmt"

	"github.com/kasuganosora/guildserver/saga"
	"github.com/kasuganosora/guildserver/serial"
	"github.com/kasuganosora/guildserver/store"
)

// Kind is the stable failure category returned to callers.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindAlreadyExists
	KindPermissionDenied
	KindInvalidState
	KindInsufficientFunds
	KindInvalidInput
	KindExpired
	KindTimeout
	KindConflict
)

var kindNames = [...]string{
	KindInternal:          "Internal",
	KindNotFound:          "NotFound",
	KindAlreadyExists:     "AlreadyExists",
	KindPermissionDenied:  "PermissionDenied",
	KindInvalidState:      "InvalidState",
	KindInsufficientFunds: "InsufficientFunds",
	KindInvalidInput:      "InvalidInput",
	KindExpired:           "Expired",
	KindTimeout:           "Timeout",
	KindConflict:          "Conflict",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a typed guild failure. Two Errors match under errors.Is when their
// Codes are equal, so sentinels can be compared after wrapping or enrichment.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// with returns a copy of e carrying cause.
func (e *Error) with(cause error) *Error {
	c := *e
	c.Err = cause
	return &c
}

// withMsg returns a copy of e with a more specific message.
func (e *Error) withMsg(format string, args ...any) *Error {
	c := *e
	c.Msg = fmt.Sprintf(format, args...)
	return &c
}

func newErr(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

var (
	ErrGuildNotFound      = newErr(KindNotFound, "guild_not_found", "guild not found")
	ErrNotMember          = newErr(KindNotFound, "not_member", "player is not a member of this guild")
	ErrInvitationNotFound = newErr(KindNotFound, "invitation_not_found", "invitation not found")
	ErrRelationNotFound   = newErr(KindNotFound, "relation_not_found", "relation not found")

	ErrNameTaken      = newErr(KindAlreadyExists, "name_taken", "guild name already taken")
	ErrTagTaken       = newErr(KindAlreadyExists, "tag_taken", "guild tag already taken")
	ErrAlreadyInGuild = newErr(KindAlreadyExists, "already_in_guild", "player is already in a guild")
	ErrAlreadyInvited = newErr(KindAlreadyExists, "already_invited", "player already has a pending invitation from this guild")
	ErrRelationExists = newErr(KindAlreadyExists, "relation_exists", "a relation already exists between these guilds")

	ErrNotLeader        = newErr(KindPermissionDenied, "not_leader", "only the guild leader may do this")
	ErrNoPermission     = newErr(KindPermissionDenied, "no_permission", "insufficient guild role")
	ErrNotAdmin         = newErr(KindPermissionDenied, "not_admin", "admin capability required")
	ErrCannotKickLeader = newErr(KindPermissionDenied, "cannot_kick_leader", "the guild leader cannot be kicked")
	ErrVetoed           = newErr(KindPermissionDenied, "vetoed", "operation rejected by policy")

	ErrFrozen            = newErr(KindInvalidState, "frozen", "guild is frozen")
	ErrLeaderCannotLeave = newErr(KindInvalidState, "leader_cannot_leave", "the leader must transfer leadership or delete the guild")
	ErrInvalidTransition = newErr(KindInvalidState, "invalid_transition", "invalid role transition")
	ErrGuildFull         = newErr(KindInvalidState, "guild_full", "guild is full")
	ErrSelfKick          = newErr(KindInvalidState, "self_kick", "use leave to exit the guild")
	ErrMaxLevel          = newErr(KindInvalidState, "max_level", "guild is already at max level")
	ErrRelationState     = newErr(KindInvalidState, "relation_state", "relation is not in a state that allows this")
	ErrOwnProposal       = newErr(KindInvalidState, "own_proposal", "a guild cannot answer its own proposal")
	ErrDepositFailed     = newErr(KindInvalidState, "deposit_failed", "deposit failed")
	ErrWithdrawFailed    = newErr(KindInvalidState, "withdraw_failed", "withdraw failed")
	ErrTransferFailed    = newErr(KindInvalidState, "transfer_failed", "transfer failed")

	ErrInsufficientFunds = newErr(KindInsufficientFunds, "insufficient_funds", "insufficient funds")

	ErrInvalidName        = newErr(KindInvalidInput, "invalid_name", "invalid guild name")
	ErrInvalidTag         = newErr(KindInvalidInput, "invalid_tag", "invalid guild tag")
	ErrInvalidDescription = newErr(KindInvalidInput, "invalid_description", "description too long")
	ErrInvalidAmount      = newErr(KindInvalidInput, "invalid_amount", "amount must be positive")
	ErrBalanceOverflow    = newErr(KindInvalidInput, "balance_overflow", "balance would exceed the maximum")
	ErrInvalidArgument    = newErr(KindInvalidInput, "invalid_argument", "invalid argument")

	ErrInvitationExpired = newErr(KindExpired, "invitation_expired", "invitation has expired")
	ErrRelationExpired   = newErr(KindExpired, "relation_expired", "relation proposal has expired")

	ErrTimeout = newErr(KindTimeout, "timeout", "operation timed out")

	ErrConflict = newErr(KindConflict, "conflict", "concurrent change, try again")

	ErrInternal = newErr(KindInternal, "internal", "internal error")
)

// KindOf returns the Kind of err, KindInternal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CompensationFailed reports whether err is a treasury failure whose rollback
// also failed, meaning funds need manual reconciliation.
func CompensationFailed(err error) bool {
	var se *saga.Error
	return errors.As(err, &se) && !se.Compensated()
}

// internal wraps an unexpected failure, e.g. from the store.
func internal(op string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return ErrInternal.with(fmt.Errorf("%s: %w", op, err))
}

// notFoundAs maps store.ErrNotFound to the given sentinel and anything else to Internal.
func notFoundAs(sentinel *Error, op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return sentinel
	}
	return internal(op, err)
}

// normalize converts the outcome of a serialized call into a typed error.
func normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *serial.PanicError
	switch {
	case errors.Is(err, serial.ErrSkipped),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ErrTimeout.with(err)
	case errors.As(err, &pe):
		return ErrInternal.with(fmt.Errorf("%s: %w", op, err))
	}
	return internal(op, err)
}
