package commands

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blikh/easyconduit/internal/service"
	"github.com/blikh/easyconduit/internal/updater"
)

type fakeService struct{ restarts []string }

func (f *fakeService) Restart(_ context.Context, unit string) error {
	f.restarts = append(f.restarts, unit)
	return nil
}
func (f *fakeService) Stop(context.Context, string) error  { return nil }
func (f *fakeService) Start(context.Context, string) error { return nil }
func (f *fakeService) Status(context.Context, string) service.Status {
	return service.StatusActive
}
func (f *fakeService) Reboot(context.Context) error { return nil }

func newWatchdog(t *testing.T, rollbackErr error) (*watchdog, *fakeService, *int) {
	t.Helper()
	svc := &fakeService{}
	rollbacks := 0
	return &watchdog{
		heartbeat: filepath.Join(t.TempDir(), "bot_heartbeat"),
		stale:     5 * time.Minute,
		unit:      "easyconduit-bot.service",
		svc:       svc,
		rollback: func() error {
			rollbacks++
			return rollbackErr
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, svc, &rollbacks
}

func writeBeat(t *testing.T, path string, at time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(strconv.FormatInt(at.Unix(), 10)+"\n"), 0o644))
}

func TestWatchdogFreshHeartbeat(t *testing.T) {
	w, svc, rollbacks := newWatchdog(t, nil)
	now := time.Now()
	writeBeat(t, w.heartbeat, now.Add(-time.Minute))

	assert.False(t, w.check(context.Background(), now))
	assert.Empty(t, svc.restarts)
	assert.Zero(t, *rollbacks)
}

func TestWatchdogMissingHeartbeat(t *testing.T) {
	w, svc, _ := newWatchdog(t, nil)

	assert.False(t, w.check(context.Background(), time.Now()))
	assert.Empty(t, svc.restarts)
}

func TestWatchdogStaleHeartbeatRollsBack(t *testing.T) {
	w, svc, rollbacks := newWatchdog(t, nil)
	now := time.Now()
	writeBeat(t, w.heartbeat, now.Add(-10*time.Minute))

	assert.True(t, w.check(context.Background(), now))
	assert.Equal(t, 1, *rollbacks)
	assert.Equal(t, []string{"easyconduit-bot.service"}, svc.restarts)

	// Grace period after a recovery.
	assert.False(t, w.check(context.Background(), now.Add(time.Minute)))
	assert.True(t, w.check(context.Background(), now.Add(6*time.Minute)))
}

func TestWatchdogRestartsWithoutBackup(t *testing.T) {
	w, svc, _ := newWatchdog(t, updater.ErrNoBackup)
	now := time.Now()
	require.NoError(t, os.WriteFile(w.heartbeat, []byte("garbage"), 0o644))

	assert.True(t, w.check(context.Background(), now))
	assert.Equal(t, []string{"easyconduit-bot.service"}, svc.restarts)
}

func TestHeartbeatAge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beat")
	now := time.Unix(1_700_000_000, 0)
	writeBeat(t, path, now.Add(-90*time.Second))

	age, err := heartbeatAge(path, now)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, age)
}
