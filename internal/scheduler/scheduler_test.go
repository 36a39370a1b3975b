package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blikh/easyconduit/internal/conduit"
	"github.com/blikh/easyconduit/internal/dispatcher"
	"github.com/blikh/easyconduit/internal/presenter"
	"github.com/blikh/easyconduit/internal/relayconf"
	"github.com/blikh/easyconduit/internal/render"
	"github.com/blikh/easyconduit/internal/service"
	"github.com/blikh/easyconduit/internal/state"
	"github.com/blikh/easyconduit/internal/statsdb"
	"github.com/blikh/easyconduit/internal/telegram"
)

const owner int64 = 4242

type fakeMetrics struct {
	snap *conduit.Snapshot
	err  error
}

func (f *fakeMetrics) Fetch(context.Context) (*conduit.Snapshot, error) { return f.snap, f.err }

type fakeRenderer struct {
	inputs []render.Input
	img    []byte
	err    error
}

func (f *fakeRenderer) Render(in render.Input) (string, []byte, error) {
	f.inputs = append(f.inputs, in)
	return "caption", f.img, f.err
}

type fakeChat struct {
	mu       sync.Mutex
	batches  [][]telegram.Update
	offsets  []int
	answers  []string
	texts    map[int64][]string
	commands []telegram.BotCommand
	webhook  bool
	cancel   context.CancelFunc
}

func (f *fakeChat) GetUpdates(ctx context.Context, offset int) ([]telegram.Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsets = append(f.offsets, offset)
	if len(f.batches) == 0 {
		f.cancel()
		return nil, ctx.Err()
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func (f *fakeChat) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeChat) SendText(_ context.Context, chatID int64, text string, _ telegram.Keyboard) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.texts == nil {
		f.texts = map[int64][]string{}
	}
	f.texts[chatID] = append(f.texts[chatID], text)
	return 1, nil
}

func (f *fakeChat) DeleteWebhook(context.Context) error {
	f.webhook = true
	return nil
}

func (f *fakeChat) SetCommands(_ context.Context, cmds []telegram.BotCommand) error {
	f.commands = cmds
	return nil
}

type fakePresenter struct {
	mu         sync.Mutex
	dashboards []string
	images     [][]byte
	desks      []presenter.Desk
	resets     int
	deskErr    error
}

func (f *fakePresenter) UpsertDashboard(_ context.Context, caption string, png []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dashboards = append(f.dashboards, caption)
	f.images = append(f.images, png)
	return nil
}

func (f *fakePresenter) UpsertCommandDesk(_ context.Context, d presenter.Desk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.desks = append(f.desks, d)
	return f.deskErr
}

func (f *fakePresenter) Reset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

type fakeDispatcher struct {
	mu      sync.Mutex
	presses []telegram.Callback
	reply   dispatcher.Reply
	expired int
}

func (f *fakeDispatcher) Handle(_ context.Context, cb telegram.Callback) dispatcher.Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presses = append(f.presses, cb)
	return f.reply
}

func (f *fakeDispatcher) Desk(view string) presenter.Desk {
	if view == "" {
		view = dispatcher.ViewMain
	}
	return presenter.Desk{View: view, Text: "desk:" + view}
}

func (f *fakeDispatcher) ExpirePending(time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired++
	return false
}

type fakeStats struct {
	samples []statsdb.Sample
}

func (f *fakeStats) RecordSample(smp statsdb.Sample) (statsdb.Totals, error) {
	f.samples = append(f.samples, smp)
	return statsdb.Totals{LifetimeUp: smp.BytesUploaded, LifetimeDown: smp.BytesDownloaded}, nil
}

func (f *fakeStats) Totals(time.Time) (statsdb.Totals, error) {
	return statsdb.Totals{LifetimeUp: 1}, nil
}

func (f *fakeStats) History(int) ([]statsdb.HistoryPoint, error) {
	return []statsdb.HistoryPoint{{AtUnix: 1}}, nil
}

type fakeService struct{}

func (fakeService) Restart(context.Context, string) error { return nil }
func (fakeService) Stop(context.Context, string) error    { return nil }
func (fakeService) Start(context.Context, string) error   { return nil }
func (fakeService) Status(context.Context, string) service.Status {
	return service.StatusActive
}
func (fakeService) Reboot(context.Context) error { return nil }

type fixture struct {
	s       *Scheduler
	metrics *fakeMetrics
	render  *fakeRenderer
	chat    *fakeChat
	pres    *fakePresenter
	disp    *fakeDispatcher
	stats   *fakeStats
	store   *state.Store
	dir     string
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := state.Open(filepath.Join(dir, "bot_state.json"), logger)
	require.NoError(t, err)

	relayPath := filepath.Join(dir, "conduit.env")
	require.NoError(t, os.WriteFile(relayPath, []byte("MAX_CLIENTS=75\nBANDWIDTH=-1\n"), 0o644))

	f := &fixture{
		metrics: &fakeMetrics{},
		render:  &fakeRenderer{img: []byte("png")},
		chat:    &fakeChat{},
		pres:    &fakePresenter{},
		disp:    &fakeDispatcher{},
		stats:   &fakeStats{},
		store:   store,
		dir:     dir,
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.s = New(Deps{
		Metrics:       f.metrics,
		Renderer:      f.render,
		Chat:          f.chat,
		Presenter:     f.pres,
		Dispatcher:    f.disp,
		Store:         store,
		Stats:         f.stats,
		Relay:         relayconf.Open(relayPath),
		Service:       fakeService{},
		OwnerChatID:   owner,
		RelayUnit:     "conduit.service",
		Interval:      time.Minute,
		HeartbeatPath: filepath.Join(dir, "bot_heartbeat"),
		Version:       "v1.2.3",
		Logger:        logger,
	})
	f.s.now = func() time.Time { return f.now }
	return f
}

func snapshot(at time.Time) *conduit.Snapshot {
	return &conduit.Snapshot{
		ConnectedClients: 12,
		BytesUploaded:    1000,
		BytesDownloaded:  5000,
		UptimeSeconds:    3600,
		Live:             true,
		FetchedAt:        at,
	}
}

func TestRefreshFresh(t *testing.T) {
	f := newFixture(t)
	f.metrics.snap = snapshot(f.now)

	f.s.Refresh(context.Background())

	require.Len(t, f.render.inputs, 1)
	in := f.render.inputs[0]
	assert.Same(t, f.metrics.snap, in.Snapshot)
	assert.False(t, in.Stale)
	assert.Equal(t, service.StatusActive, in.RelayStatus)
	assert.Equal(t, 75, in.Limits.MaxClients)
	assert.True(t, in.Limits.BandwidthUnlimited())
	assert.Equal(t, int64(1000), in.Totals.LifetimeUp)
	assert.Len(t, in.History, 1)
	assert.Equal(t, "v1.2.3", in.Version)

	assert.Equal(t, []string{"caption"}, f.pres.dashboards)
	assert.Equal(t, []byte("png"), f.pres.images[0])
	require.Len(t, f.pres.desks, 1)
	assert.Equal(t, dispatcher.ViewMain, f.pres.desks[0].View)
	assert.Equal(t, 1, f.disp.expired)

	st := f.store.Load()
	require.NotNil(t, st.LastGoodMetrics)
	assert.Equal(t, int64(12), st.LastGoodMetrics.ConnectedClients)

	beat, err := os.ReadFile(filepath.Join(f.dir, "bot_heartbeat"))
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(f.now.Unix(), 10), strings.TrimSpace(string(beat)))
}

func TestRefreshStaleFallsBackToLastGood(t *testing.T) {
	f := newFixture(t)
	f.metrics.snap = snapshot(f.now)
	f.s.Refresh(context.Background())

	f.now = f.now.Add(5 * time.Minute)
	f.metrics.snap = nil
	f.metrics.err = &conduit.FetchError{Reason: conduit.ReasonUnreachable, Err: errors.New("connection refused")}
	f.s.Refresh(context.Background())

	require.Len(t, f.render.inputs, 2)
	in := f.render.inputs[1]
	require.NotNil(t, in.Snapshot)
	assert.True(t, in.Stale)
	assert.Equal(t, conduit.ReasonUnreachable, in.FailReason)
	assert.Equal(t, int64(12), in.Snapshot.ConnectedClients)
	assert.Len(t, f.stats.samples, 1, "stale cycles must not feed the counters")
	assert.Len(t, f.pres.dashboards, 2)
}

func TestRefreshWaitingWithoutAnyMetrics(t *testing.T) {
	f := newFixture(t)
	f.metrics.err = &conduit.FetchError{Reason: conduit.ReasonParseError, Err: errors.New("missing family")}
	f.render.img = nil
	f.render.err = render.ErrNoData

	f.s.Refresh(context.Background())

	require.Len(t, f.render.inputs, 1)
	assert.Nil(t, f.render.inputs[0].Snapshot)
	assert.False(t, f.render.inputs[0].Stale)
	assert.Equal(t, []string{"caption"}, f.pres.dashboards)
	assert.Nil(t, f.pres.images[0])
	assert.Nil(t, f.store.Load().LastGoodMetrics)
}

func TestRefreshRenderFailureIsCaptionOnly(t *testing.T) {
	f := newFixture(t)
	f.metrics.snap = snapshot(f.now)
	f.render.img = nil
	f.render.err = errors.New("render: font missing")

	f.s.Refresh(context.Background())

	require.Len(t, f.pres.dashboards, 1)
	assert.Nil(t, f.pres.images[0])
	assert.Len(t, f.pres.desks, 1)
}

func TestRefreshDeskFailureDoesNotStopCycle(t *testing.T) {
	f := newFixture(t)
	f.metrics.snap = snapshot(f.now)
	f.pres.deskErr = presenter.ErrDeferred

	f.s.Refresh(context.Background())

	assert.FileExists(t, filepath.Join(f.dir, "bot_heartbeat"))
}

func TestRefreshRedrawsStoredView(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Update(func(st *state.BotState) error {
		st.DeskView = dispatcher.ViewLimits
		return nil
	}))
	f.metrics.snap = snapshot(f.now)

	f.s.Refresh(context.Background())

	require.Len(t, f.pres.desks, 1)
	assert.Equal(t, dispatcher.ViewLimits, f.pres.desks[0].View)
}

func TestSampleIntervalIsCapped(t *testing.T) {
	f := newFixture(t)
	f.metrics.snap = snapshot(f.now)
	f.s.Refresh(context.Background())

	f.now = f.now.Add(30 * time.Second)
	f.s.Refresh(context.Background())

	f.now = f.now.Add(time.Hour)
	f.s.Refresh(context.Background())

	require.Len(t, f.stats.samples, 3)
	assert.Equal(t, time.Minute, f.stats.samples[0].Interval)
	assert.Equal(t, 30*time.Second, f.stats.samples[1].Interval)
	assert.Equal(t, 2*time.Minute, f.stats.samples[2].Interval)
}

func runPoll(t *testing.T, f *fixture, batches ...[]telegram.Update) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.chat.batches = batches
	f.chat.cancel = cancel
	require.NoError(t, f.s.pollLoop(ctx))
	f.s.bg.Wait()
}

func TestPollPersistsOffset(t *testing.T) {
	f := newFixture(t)
	f.disp.reply = dispatcher.Reply{Text: "ok"}

	runPoll(t, f,
		[]telegram.Update{{ID: 7, Callback: &telegram.Callback{ID: "a", ChatID: owner, Data: "view:info"}}},
		[]telegram.Update{{ID: 8, Callback: &telegram.Callback{ID: "b", ChatID: owner, Data: "view:main"}}},
	)

	assert.Equal(t, []int{0, 8, 9}, f.chat.offsets)
	assert.Equal(t, 9, f.store.Load().LastUpdateID)
	assert.Len(t, f.disp.presses, 2)
	assert.Equal(t, []string{"ok", "ok"}, f.chat.answers)

	// A restarted process resumes after the last handled update.
	f2 := newFixture(t)
	f2.s.d.Store = f.store
	runPoll(t, f2)
	assert.Equal(t, []int{9}, f2.chat.offsets)
}

func TestPollCallbackRefreshAndFollowUp(t *testing.T) {
	f := newFixture(t)
	var ran bool
	f.disp.reply = dispatcher.Reply{
		Text:    "Rebooting now…",
		Refresh: true,
		Then:    func(context.Context) { ran = true },
	}

	runPoll(t, f, []telegram.Update{{ID: 1, Callback: &telegram.Callback{ID: "x", ChatID: owner}}})

	assert.True(t, ran)
	assert.Equal(t, []string{"Rebooting now…"}, f.chat.answers)
	select {
	case <-f.s.kick:
	default:
		t.Fatal("expected a refresh request")
	}
}

func TestPollRejectsForeignCommands(t *testing.T) {
	f := newFixture(t)

	runPoll(t, f, []telegram.Update{{ID: 1, Command: &telegram.Command{ChatID: 99, Name: "start"}}})

	assert.Equal(t, []string{dispatcher.NotAuthorized}, f.chat.texts[99])
	assert.Zero(t, f.pres.resets)
	assert.Empty(t, f.pres.dashboards)
}

func TestStartCommandRecreatesMessages(t *testing.T) {
	f := newFixture(t)
	f.metrics.snap = snapshot(f.now)

	runPoll(t, f, []telegram.Update{{ID: 1, Command: &telegram.Command{ChatID: owner, Name: "start"}}})

	assert.Equal(t, 1, f.pres.resets)
	assert.Equal(t, []string{"caption"}, f.pres.dashboards)
	assert.Len(t, f.pres.desks, 1)
}

func TestStatusCommandRequestsRefresh(t *testing.T) {
	f := newFixture(t)

	runPoll(t, f, []telegram.Update{{ID: 1, Command: &telegram.Command{ChatID: owner, Name: "status"}}})

	assert.Len(t, f.s.kick, 1)
	assert.Empty(t, f.pres.dashboards)
}

func TestStartupNormalisesDesk(t *testing.T) {
	f := newFixture(t)
	id := 55
	require.NoError(t, f.store.Update(func(st *state.BotState) error {
		st.CommandDeskMessageID = &id
		st.DeskView = dispatcher.ViewBandwidth
		return nil
	}))

	f.s.startup(context.Background())

	assert.True(t, f.chat.webhook)
	require.Len(t, f.chat.commands, 2)
	assert.Equal(t, "start", f.chat.commands[0].Command)
	require.Len(t, f.pres.desks, 1)
	assert.Equal(t, dispatcher.ViewMain, f.pres.desks[0].View)
}

func TestStartupWithoutDeskSendsNothing(t *testing.T) {
	f := newFixture(t)

	f.s.startup(context.Background())

	assert.Empty(t, f.pres.desks)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.metrics.snap = snapshot(f.now)

	ctx, cancel := context.WithCancel(context.Background())
	f.chat.cancel = cancel

	done := make(chan error, 1)
	go func() { done <- f.s.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
