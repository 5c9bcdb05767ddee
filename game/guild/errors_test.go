package guild

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/kasuganosora/guildserver/config"
	"github.com/kasuganosora/guildserver/saga"
	"github.com/kasuganosora/guildserver/serial"
	"github.com/kasuganosora/guildserver/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIs_MatchesByCode(t *testing.T) {
	err := fmt.Errorf("op: %w", ErrGuildFull.withMsg("guild %d is full (%d/%d)", 7, 10, 10))
	assert.ErrorIs(t, err, ErrGuildFull)
	assert.NotErrorIs(t, err, ErrFrozen)
	assert.Equal(t, KindInvalidState, KindOf(err))
	assert.Contains(t, err.Error(), "guild 7 is full")

	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, "PermissionDenied", KindPermissionDenied.String())
	assert.Equal(t, "Kind(42)", Kind(42).String())
}

func TestNormalize(t *testing.T) {
	assert.NoError(t, normalize("x", nil))

	for _, cause := range []error{serial.ErrSkipped, context.DeadlineExceeded, context.Canceled} {
		err := normalize("Deposit", cause)
		assert.ErrorIs(t, err, ErrTimeout, "cause %v", cause)
		assert.ErrorIs(t, err, cause)
	}

	err := normalize("Kick", &serial.PanicError{Value: "nil map"})
	assert.Equal(t, KindInternal, KindOf(err))
	var pe *serial.PanicError
	assert.ErrorAs(t, err, &pe)

	// Typed errors pass through untouched.
	assert.Same(t, ErrNotLeader, normalize("Withdraw", ErrNotLeader))

	err = normalize("ListGuilds", errors.New("connection reset"))
	assert.ErrorIs(t, err, ErrInternal)
	assert.Contains(t, err.Error(), "ListGuilds: connection reset")
}

func TestNotFoundAs(t *testing.T) {
	assert.Same(t, ErrNotMember, notFoundAs(ErrNotMember, "get", fmt.Errorf("get member: %w", store.ErrNotFound)))
	assert.ErrorIs(t, notFoundAs(ErrNotMember, "get", errors.New("io")), ErrInternal)
}

func TestCompensationFailed(t *testing.T) {
	ok := ErrDepositFailed.with(&saga.Error{Step: "credit_guild", Err: errors.New("x")})
	bad := ErrDepositFailed.with(&saga.Error{Step: "credit_guild", Err: errors.New("x"), CompensationErr: errors.New("y")})
	assert.False(t, CompensationFailed(ok))
	assert.True(t, CompensationFailed(bad))
	assert.False(t, CompensationFailed(ErrInsufficientFunds))
}

func TestValidateName(t *testing.T) {
	cfg := config.DefaultGuild()
	for _, tc := range []struct {
		name string
		ok   bool
	}{
		{"Phoenix", true},
		{"Night Watch", true},
		{"dark_knights-2", true},
		{"不死鳥", true},
		{"ab", false},
		{"abcdefghijklmnopqrstu", false},
		{" Phoenix", false},
		{"Phoenix ", false},
		{"Phoe<nix>", false},
		{"", false},
	} {
		err := validateName(cfg, tc.name)
		if tc.ok {
			assert.NoError(t, err, tc.name)
		} else {
			assert.ErrorIs(t, err, ErrInvalidName, tc.name)
		}
	}
}

func TestValidateTagAndDescription(t *testing.T) {
	cfg := config.DefaultGuild()
	require.NoError(t, validateTag(cfg, ""))
	require.NoError(t, validateTag(cfg, "PHX1"))
	assert.ErrorIs(t, validateTag(cfg, "TOOLONG"), ErrInvalidTag)
	assert.ErrorIs(t, validateTag(cfg, "P-X"), ErrInvalidTag)

	assert.Nil(t, tagKey(""))
	require.NotNil(t, tagKey("PhX"))
	assert.Equal(t, "phx", *tagKey("PhX"))

	long := make([]rune, cfg.DescriptionMax+1)
	for i := range long {
		long[i] = 'a'
	}
	assert.NoError(t, validateDescription(cfg, string(long[:cfg.DescriptionMax])))
	assert.ErrorIs(t, validateDescription(cfg, string(long)), ErrInvalidDescription)

	assert.ErrorIs(t, validateAmount(0), ErrInvalidAmount)
	assert.NoError(t, validateAmount(1))
}
