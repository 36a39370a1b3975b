package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistered(t *testing.T) {
	RefreshTotal.WithLabelValues("fresh").Inc()
	TelegramErrors.WithLabelValues("edit_dashboard", "transient").Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["easyconduit_refresh_cycles_total"])
	assert.True(t, names["easyconduit_telegram_errors_total"])
}

func TestCallbacksCounter(t *testing.T) {
	before := testutil.ToFloat64(CallbacksTotal.WithLabelValues("reboot", "confirmed"))
	CallbacksTotal.WithLabelValues("reboot", "confirmed").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(CallbacksTotal.WithLabelValues("reboot", "confirmed")))
}
