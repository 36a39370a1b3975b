// Package scheduler drives the bot: a fixed-cadence refresh of the dashboard
// and a long-poll loop for commands and button presses. Both paths share one
// mutex, so a refresh and a button press never write the command desk or the
// state file at the same time.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blikh/easyconduit/internal/conduit"
	"github.com/blikh/easyconduit/internal/dispatcher"
	"github.com/blikh/easyconduit/internal/fsutil"
	"github.com/blikh/easyconduit/internal/hoststats"
	"github.com/blikh/easyconduit/internal/metrics"
	"github.com/blikh/easyconduit/internal/presenter"
	"github.com/blikh/easyconduit/internal/relayconf"
	"github.com/blikh/easyconduit/internal/render"
	"github.com/blikh/easyconduit/internal/service"
	"github.com/blikh/easyconduit/internal/state"
	"github.com/blikh/easyconduit/internal/statsdb"
	"github.com/blikh/easyconduit/internal/telegram"
)

type MetricsSource interface {
	Fetch(ctx context.Context) (*conduit.Snapshot, error)
}

type Renderer interface {
	Render(in render.Input) (caption string, img []byte, err error)
}

// Chat is the part of the Bot API the loops use directly.
type Chat interface {
	GetUpdates(ctx context.Context, offset int) ([]telegram.Update, error)
	AnswerCallback(ctx context.Context, callbackID, text string) error
	SendText(ctx context.Context, chatID int64, text string, kb telegram.Keyboard) (int, error)
	DeleteWebhook(ctx context.Context) error
	SetCommands(ctx context.Context, cmds []telegram.BotCommand) error
}

type Presenter interface {
	UpsertDashboard(ctx context.Context, caption string, png []byte) error
	UpsertCommandDesk(ctx context.Context, d presenter.Desk) error
	Reset(ctx context.Context) error
}

type Dispatcher interface {
	Handle(ctx context.Context, cb telegram.Callback) dispatcher.Reply
	Desk(view string) presenter.Desk
	ExpirePending(now time.Time) bool
}

type Stats interface {
	RecordSample(smp statsdb.Sample) (statsdb.Totals, error)
	Totals(now time.Time) (statsdb.Totals, error)
	History(limit int) ([]statsdb.HistoryPoint, error)
}

type Deps struct {
	Metrics    MetricsSource
	Renderer   Renderer
	Chat       Chat
	Presenter  Presenter
	Dispatcher Dispatcher
	Store      *state.Store
	Stats      Stats
	Relay      *relayconf.File
	Service    service.Controller
	// Host samples the machine for the dashboard. Optional.
	Host func(ctx context.Context) (hoststats.Stats, error)

	OwnerChatID   int64
	RelayUnit     string
	Interval      time.Duration
	HeartbeatPath string
	Version       string
	Logger        *slog.Logger
}

var commands = []telegram.BotCommand{
	{Command: "start", Description: "Recreate the dashboard and control panel"},
	{Command: "status", Description: "Refresh the dashboard now"},
}

type Scheduler struct {
	d   Deps
	now func() time.Time

	// mu is the exclusion domain shared by refreshes and button presses.
	mu         sync.Mutex
	lastSample time.Time

	kick chan struct{}
	bg   sync.WaitGroup
}

func New(d Deps) *Scheduler {
	return &Scheduler{
		d:    d,
		now:  time.Now,
		kick: make(chan struct{}, 1),
	}
}

// Run prepares the chat and runs both loops until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	s.startup(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.refreshLoop(ctx) })
	g.Go(func() error { return s.pollLoop(ctx) })
	err := g.Wait()
	s.bg.Wait()
	return err
}

func (s *Scheduler) startup(ctx context.Context) {
	logger := s.d.Logger
	if err := s.d.Chat.DeleteWebhook(ctx); err != nil {
		logger.Warn("scheduler: failed to delete webhook", "err", err)
	}
	if err := s.d.Chat.SetCommands(ctx, commands); err != nil {
		logger.Warn("scheduler: failed to register bot commands", "err", err)
	}

	// A desk left on a sub-view or a stale confirmation by the previous
	// process goes back to the main view.
	s.mu.Lock()
	s.d.Dispatcher.ExpirePending(s.now())
	if s.d.Store.Load().CommandDeskMessageID != nil {
		if err := s.d.Presenter.UpsertCommandDesk(ctx, s.d.Dispatcher.Desk(dispatcher.ViewMain)); err != nil {
			logger.Warn("scheduler: failed to normalise command desk", "err", err)
		}
	}
	s.mu.Unlock()
}

func (s *Scheduler) refreshLoop(ctx context.Context) error {
	s.Refresh(ctx)

	ticker := time.NewTicker(s.d.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.kick:
		}
		s.Refresh(ctx)
	}
}

// requestRefresh schedules an extra refresh without waiting for it.
func (s *Scheduler) requestRefresh() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Refresh runs one cycle: fetch, record, render, show. Failures are
// contained to the cycle.
func (s *Scheduler) Refresh(ctx context.Context) {
	start := time.Now()
	logger := s.d.Logger

	snap, fetchErr := s.d.Metrics.Fetch(ctx)
	var host hoststats.Stats
	if s.d.Host != nil {
		var err error
		if host, err = s.d.Host(ctx); err != nil {
			logger.Debug("scheduler: host stats unavailable", "err", err)
		}
	}
	relayStatus := s.d.Service.Status(ctx, s.d.RelayUnit)

	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	now := s.now()
	in := render.Input{
		RelayStatus: relayStatus,
		Host:        host,
		Version:     s.d.Version,
		Now:         now,
	}
	result := "fresh"
	if fetchErr != nil {
		reason := conduit.ReasonOf(fetchErr)
		metrics.FetchErrors.WithLabelValues(string(reason)).Inc()
		logger.Warn("scheduler: metrics fetch failed", "reason", reason, "err", fetchErr)
		in.FailReason = reason
		in.Snapshot = s.d.Store.Load().LastGoodMetrics
		in.Stale = in.Snapshot != nil
		result = "stale"
		if in.Snapshot == nil {
			result = "waiting"
		}
	} else {
		in.Snapshot = snap
		if err := s.d.Store.Update(func(st *state.BotState) error {
			st.LastGoodMetrics = snap
			return nil
		}); err != nil {
			logger.Error("scheduler: failed to persist last good metrics", "err", err)
		}
		metrics.LastSuccessUnix.Set(float64(snap.FetchedAt.Unix()))
		metrics.RelayClients.Set(float64(snap.ConnectedClients))
	}

	in.Totals, in.History = s.recordStats(snap, now)

	limits, err := s.d.Relay.Read()
	if err != nil {
		logger.Warn("scheduler: failed to read relay config", "err", err)
	}
	in.Limits = limits

	caption, img, err := s.d.Renderer.Render(in)
	if err != nil && !errors.Is(err, render.ErrNoData) {
		metrics.RenderErrors.Inc()
		logger.Error("scheduler: rendering failed, sending caption only", "err", err)
	}
	if err := s.d.Presenter.UpsertDashboard(ctx, caption, img); err != nil {
		logger.Warn("scheduler: dashboard not updated", "err", err)
	}

	s.d.Dispatcher.ExpirePending(now)
	view := s.d.Store.Load().DeskView
	if err := s.d.Presenter.UpsertCommandDesk(ctx, s.d.Dispatcher.Desk(view)); err != nil {
		logger.Warn("scheduler: command desk not updated", "err", err)
	}

	s.heartbeat(now)
	metrics.RefreshTotal.WithLabelValues(result).Inc()
	metrics.RefreshDuration.Observe(time.Since(start).Seconds())
	logger.Debug("scheduler: refresh done", "result", result, "took", time.Since(start))
}

// recordStats folds a fresh snapshot into the lifetime counters and returns
// the totals and chart history to show.
func (s *Scheduler) recordStats(snap *conduit.Snapshot, now time.Time) (statsdb.Totals, []statsdb.HistoryPoint) {
	if s.d.Stats == nil {
		return statsdb.Totals{}, nil
	}
	logger := s.d.Logger

	var totals statsdb.Totals
	var err error
	if snap != nil {
		interval := s.d.Interval
		if !s.lastSample.IsZero() {
			interval = min(now.Sub(s.lastSample), 2*s.d.Interval)
		}
		s.lastSample = now
		totals, err = s.d.Stats.RecordSample(statsdb.Sample{
			At:               now,
			BytesUploaded:    snap.BytesUploaded,
			BytesDownloaded:  snap.BytesDownloaded,
			ConnectedClients: snap.ConnectedClients,
			Interval:         interval,
		})
	} else {
		totals, err = s.d.Stats.Totals(now)
	}
	if err != nil {
		logger.Error("scheduler: traffic stats", "err", err)
	}

	history, err := s.d.Stats.History(statsdb.HistoryMax)
	if err != nil {
		logger.Error("scheduler: traffic history", "err", err)
	}
	return totals, history
}

func (s *Scheduler) heartbeat(now time.Time) {
	if s.d.HeartbeatPath == "" {
		return
	}
	data := []byte(strconv.FormatInt(now.Unix(), 10) + "\n")
	if err := fsutil.WriteFileAtomic(s.d.HeartbeatPath, data, 0o644); err != nil {
		s.d.Logger.Warn("scheduler: failed to write heartbeat", "err", err)
	}
}

func (s *Scheduler) pollLoop(ctx context.Context) error {
	offset := s.d.Store.Load().LastUpdateID
	for {
		if ctx.Err() != nil {
			return nil
		}

		updates, err := s.d.Chat.GetUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if telegram.IsUnauthorized(err) {
				return err
			}
			s.d.Logger.Error("scheduler: failed to poll updates", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, u := range updates {
			offset = u.ID + 1
			// The offset is stored before acting, so a crash can drop a press
			// but never replay it.
			next := offset
			if err := s.d.Store.Update(func(st *state.BotState) error {
				st.LastUpdateID = next
				return nil
			}); err != nil {
				s.d.Logger.Error("scheduler: failed to persist update offset", "err", err)
			}
			s.handle(ctx, u)
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, u telegram.Update) {
	switch {
	case u.Callback != nil:
		s.handleCallback(ctx, *u.Callback)
	case u.Command != nil:
		s.handleCommand(ctx, *u.Command)
	}
}

func (s *Scheduler) handleCallback(ctx context.Context, cb telegram.Callback) {
	s.mu.Lock()
	reply := s.d.Dispatcher.Handle(ctx, cb)
	s.mu.Unlock()

	if err := s.d.Chat.AnswerCallback(ctx, cb.ID, reply.Text); err != nil {
		s.d.Logger.Warn("scheduler: failed to answer callback", "err", err)
	}
	if reply.Refresh {
		s.requestRefresh()
	}
	if reply.Then != nil {
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			reply.Then(ctx)
		}()
	}
}

func (s *Scheduler) handleCommand(ctx context.Context, cmd telegram.Command) {
	if cmd.ChatID != s.d.OwnerChatID {
		s.d.Logger.Warn("scheduler: command from unauthorized chat", "chat_id", cmd.ChatID, "command", cmd.Name)
		if _, err := s.d.Chat.SendText(ctx, cmd.ChatID, dispatcher.NotAuthorized, nil); err != nil {
			s.d.Logger.Warn("scheduler: failed to reply", "chat_id", cmd.ChatID, "err", err)
		}
		return
	}

	switch cmd.Name {
	case "start":
		s.d.Logger.Info("scheduler: recreating chat messages")
		s.mu.Lock()
		err := s.d.Presenter.Reset(ctx)
		s.mu.Unlock()
		if err != nil {
			s.d.Logger.Error("scheduler: failed to reset chat messages", "err", err)
		}
		s.Refresh(ctx)
	case "status":
		s.requestRefresh()
	default:
		s.d.Logger.Debug("scheduler: ignoring command", "command", cmd.Name)
	}
}
