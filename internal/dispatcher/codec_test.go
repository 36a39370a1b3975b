package dispatcher

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	token := uuid.NewString()
	presses := []Press{
		{Action: IncreaseMaxClients},
		{Action: DecreaseMaxClients},
		{Action: SetMaxClients, Value: 150},
		{Action: IncreaseBandwidth},
		{Action: DecreaseBandwidth},
		{Action: SetBandwidth, Value: -1},
		{Action: RestartRelay},
		{Action: StopRelay},
		{Action: StartRelay},
		{Action: RebootHost},
		{Action: SelfUpdate},
		{Action: ConfirmPending, Token: token},
		{Action: CancelPending},
		{Action: Navigate, View: ViewBandwidth},
		{Action: RefreshStatus},
	}
	for _, p := range presses {
		got, err := Parse(Encode(p))
		require.NoError(t, err, "press %+v", p)
		assert.Equal(t, p, got)
	}
}

func TestParseRejects(t *testing.T) {
	for _, data := range []string{
		"",
		"clients:+2",
		"clients=abc",
		"bw=",
		"confirm:not-a-uuid",
		"view:confirm",
		"view:nowhere",
		"cmd_status",
	} {
		_, err := Parse(data)
		assert.ErrorIs(t, err, ErrBadCallback, "data %q", data)
	}
}

func TestDestructive(t *testing.T) {
	for _, a := range []Action{RestartRelay, StopRelay, RebootHost, SelfUpdate} {
		assert.True(t, a.Destructive(), a)
	}
	for _, a := range []Action{IncreaseMaxClients, StartRelay, RefreshStatus, Navigate} {
		assert.False(t, a.Destructive(), a)
	}
}
