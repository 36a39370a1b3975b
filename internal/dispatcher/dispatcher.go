// Package dispatcher turns inline button presses into relay config changes,
// service actions and command desk redraws. Destructive actions need a second
// press; the pending intent lives in the state file so it survives restarts.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coocood/freecache"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/blikh/easyconduit/internal/metrics"
	"github.com/blikh/easyconduit/internal/presenter"
	"github.com/blikh/easyconduit/internal/relayconf"
	"github.com/blikh/easyconduit/internal/render"
	"github.com/blikh/easyconduit/internal/service"
	"github.com/blikh/easyconduit/internal/state"
	"github.com/blikh/easyconduit/internal/telegram"
	"github.com/blikh/easyconduit/internal/updater"
)

const NotAuthorized = "Not authorized. Only the chat ID set during installation can use this bot."

// ErrOutOfBounds marks a limit change that would leave the allowed range or
// not change anything. The press is a no-op.
var ErrOutOfBounds = errors.New("dispatcher: limit out of bounds")

var errNoChange = errors.New("no change")

type Options struct {
	OwnerChatID       int64
	RelayUnit         string
	ConfirmTTL        time.Duration
	DedupWindow       time.Duration
	StatusCooldown    time.Duration
	MaxClientsCeiling int
	BandwidthCeiling  int
	Version           string
	ProjectURL        string
}

// DeskWriter shows a command desk in the chat.
type DeskWriter interface {
	UpsertCommandDesk(ctx context.Context, d presenter.Desk) error
}

// Updater runs one self-update attempt.
type Updater interface {
	Update(ctx context.Context) updater.Outcome
}

// Reply is what the operator sees after a press.
type Reply struct {
	Text string
	// Refresh asks the caller to run a dashboard refresh.
	Refresh bool
	// Then runs after the press has been answered, outside the caller's
	// exclusion domain. Used for actions that outlive the bot.
	Then func(ctx context.Context)
}

type Dispatcher struct {
	opts     Options
	store    *state.Store
	relay    *relayconf.File
	svc      service.Controller
	upd      Updater
	desks    DeskWriter
	seen     *freecache.Cache
	cooldown *rate.Limiter
	now      func() time.Time
	logger   *slog.Logger

	mu         sync.Mutex
	updating   bool
	lastResult string
}

// New wires a dispatcher. upd may be nil when self-update is not configured.
func New(opts Options, store *state.Store, relay *relayconf.File, svc service.Controller, upd Updater, desks DeskWriter, logger *slog.Logger) *Dispatcher {
	if opts.MaxClientsCeiling < 1 {
		opts.MaxClientsCeiling = 1000
	}
	if opts.BandwidthCeiling < 1 {
		opts.BandwidthCeiling = 1000
	}
	return &Dispatcher{
		opts:     opts,
		store:    store,
		relay:    relay,
		svc:      svc,
		upd:      upd,
		desks:    desks,
		seen:     freecache.NewCache(1 << 20),
		cooldown: rate.NewLimiter(rate.Every(opts.StatusCooldown), 1),
		now:      time.Now,
		logger:   logger,
	}
}

// Handle processes one button press. It must be called inside the same
// exclusion domain as the refresh cycle.
func (d *Dispatcher) Handle(ctx context.Context, cb telegram.Callback) Reply {
	if d.duplicate(cb.ID) {
		d.logger.Debug("dispatcher: duplicate callback ignored", "callback_id", cb.ID)
		metrics.CallbacksTotal.WithLabelValues("any", "duplicate").Inc()
		return Reply{}
	}
	if cb.ChatID != d.opts.OwnerChatID {
		d.logger.Warn("dispatcher: press from unauthorized chat", "chat_id", cb.ChatID, "from_id", cb.FromID)
		metrics.CallbacksTotal.WithLabelValues("any", "unauthorized").Inc()
		return Reply{Text: NotAuthorized}
	}

	p, err := Parse(cb.Data)
	if err != nil {
		d.logger.Warn("dispatcher: unknown callback", "data", cb.Data, "err", err)
		metrics.CallbacksTotal.WithLabelValues("unknown", "invalid").Inc()
		return Reply{Text: "Unknown action."}
	}

	now := d.now()
	st := d.store.Load()
	pending := st.PendingConfirmation
	if pending != nil && pending.Expired(now) {
		pending = nil
	}

	var (
		reply   Reply
		outcome string
	)
	switch {
	case p.Action == ConfirmPending:
		reply, outcome = d.confirm(ctx, p, pending, st.DeskView)
	case p.Action == CancelPending:
		reply, outcome = d.cancel(ctx, pending)
	default:
		if st.PendingConfirmation != nil {
			d.logger.Info("dispatcher: pending confirmation dropped by another press",
				"pending", st.PendingConfirmation.Action, "press", p.Action)
			if err := d.clearPending(ViewConfigs); err != nil {
				d.logger.Error("dispatcher: clearing pending confirmation", "err", err)
			}
		}
		reply, outcome = d.act(ctx, p, now)
	}

	metrics.CallbacksTotal.WithLabelValues(string(p.Action), outcome).Inc()
	d.logger.Info("dispatcher: press handled", "action", p.Action, "outcome", outcome)
	return reply
}

func (d *Dispatcher) duplicate(id string) bool {
	if id == "" {
		return false
	}
	ttl := max(int(d.opts.DedupWindow/time.Second), 1)
	_, found, err := d.seen.SetAndGet([]byte(id), []byte{1}, ttl)
	if err != nil {
		d.logger.Warn("dispatcher: dedup cache", "err", err)
		return false
	}
	return found
}

func (d *Dispatcher) act(ctx context.Context, p Press, now time.Time) (Reply, string) {
	switch p.Action {
	case Navigate:
		d.redraw(ctx, p.View)
		return Reply{}, "ok"

	case RefreshStatus:
		if !d.cooldown.Allow() {
			return Reply{Text: "Please wait before refreshing again."}, "cooldown"
		}
		return Reply{Text: "Refreshing…", Refresh: true}, "ok"

	case IncreaseMaxClients, DecreaseMaxClients, SetMaxClients:
		return d.changeLimits(ctx, p, ViewLimits)

	case IncreaseBandwidth, DecreaseBandwidth, SetBandwidth:
		return d.changeLimits(ctx, p, ViewBandwidth)

	case StartRelay:
		if err := d.svc.Start(ctx, d.opts.RelayUnit); err != nil {
			d.logger.Error("dispatcher: starting relay", "unit", d.opts.RelayUnit, "err", err)
			return Reply{Text: "Starting Conduit failed. Check the server logs."}, "error"
		}
		d.redraw(ctx, ViewConfigs)
		return Reply{Text: "Conduit starting.", Refresh: true}, "ok"

	}

	if p.Action.Destructive() {
		if p.Action == SelfUpdate && d.upd == nil {
			return Reply{Text: "Self-update is not configured on this server."}, "unavailable"
		}
		return d.ask(ctx, p.Action, now)
	}
	return Reply{Text: "Unknown action."}, "invalid"
}

// ask stores a pending confirmation and shows the confirm desk.
func (d *Dispatcher) ask(ctx context.Context, a Action, now time.Time) (Reply, string) {
	pc := &state.PendingConfirmation{
		ID:        uuid.NewString(),
		Action:    string(a),
		ExpiresAt: now.Add(d.opts.ConfirmTTL),
	}
	if err := d.store.Update(func(s *state.BotState) error {
		s.PendingConfirmation = pc
		return nil
	}); err != nil {
		d.logger.Error("dispatcher: saving pending confirmation", "err", err)
		return Reply{Text: "Could not save state. Try again."}, "error"
	}
	d.redraw(ctx, ViewConfirm)
	return Reply{}, "pending"
}

func (d *Dispatcher) confirm(ctx context.Context, p Press, pending *state.PendingConfirmation, view string) (Reply, string) {
	if pending == nil || pending.ID != p.Token {
		if pending == nil {
			d.clearPending(ViewConfigs)
			view = ViewConfigs
		}
		d.redraw(ctx, view)
		return Reply{Text: "This confirmation has expired."}, "expired"
	}

	action := Action(pending.Action)
	next := ViewConfigs
	if action == RebootHost || action == SelfUpdate {
		next = ViewMain
	}
	// Cleared before acting so a second confirm can never run the action again.
	if err := d.clearPending(next); err != nil {
		d.logger.Error("dispatcher: clearing pending confirmation", "err", err)
		return Reply{Text: "Could not save state. Nothing was done."}, "error"
	}

	switch action {
	case RestartRelay:
		if err := d.svc.Restart(ctx, d.opts.RelayUnit); err != nil {
			d.logger.Error("dispatcher: restarting relay", "unit", d.opts.RelayUnit, "err", err)
			d.redraw(ctx, next)
			return Reply{Text: "Restarting Conduit failed. Check the server logs."}, "error"
		}
		d.redraw(ctx, next)
		return Reply{Text: "Conduit restarted.", Refresh: true}, "ok"

	case StopRelay:
		if err := d.svc.Stop(ctx, d.opts.RelayUnit); err != nil {
			d.logger.Error("dispatcher: stopping relay", "unit", d.opts.RelayUnit, "err", err)
			d.redraw(ctx, next)
			return Reply{Text: "Stopping Conduit failed. Check the server logs."}, "error"
		}
		d.redraw(ctx, next)
		return Reply{Text: "Conduit stopped. Status updated.", Refresh: true}, "ok"

	case RebootHost:
		d.redraw(ctx, next)
		return Reply{Text: "Rebooting now…", Then: func(ctx context.Context) {
			if err := d.svc.Reboot(ctx); err != nil {
				d.logger.Error("dispatcher: reboot failed", "err", err)
			}
		}}, "ok"

	case SelfUpdate:
		d.redraw(ctx, next)
		if !d.beginUpdate() {
			return Reply{Text: "An update is already running."}, "busy"
		}
		return Reply{Text: "Updating…", Then: d.runUpdate}, "ok"
	}

	d.redraw(ctx, next)
	return Reply{Text: "Unknown action."}, "invalid"
}

func (d *Dispatcher) cancel(ctx context.Context, pending *state.PendingConfirmation) (Reply, string) {
	if pending == nil {
		d.clearPending(ViewConfigs)
		d.redraw(ctx, ViewConfigs)
		return Reply{Text: "Nothing to cancel."}, "noop"
	}
	if err := d.clearPending(ViewConfigs); err != nil {
		d.logger.Error("dispatcher: clearing pending confirmation", "err", err)
	}
	d.redraw(ctx, ViewConfigs)
	return Reply{Text: "Cancelled."}, "ok"
}

// clearPending drops any pending confirmation and points the desk at view.
func (d *Dispatcher) clearPending(view string) error {
	return d.store.Update(func(s *state.BotState) error {
		if s.PendingConfirmation == nil {
			return errNoChange
		}
		s.PendingConfirmation = nil
		s.DeskView = view
		return nil
	})
}

// ExpirePending clears a pending confirmation whose window has passed and
// reports whether it did, so the caller can redraw the desk.
func (d *Dispatcher) ExpirePending(now time.Time) bool {
	expired := false
	err := d.store.Update(func(s *state.BotState) error {
		if s.PendingConfirmation == nil || !s.PendingConfirmation.Expired(now) {
			return errNoChange
		}
		d.logger.Info("dispatcher: pending confirmation expired", "action", s.PendingConfirmation.Action)
		s.PendingConfirmation = nil
		s.DeskView = ViewConfigs
		expired = true
		return nil
	})
	if err != nil && !errors.Is(err, errNoChange) {
		d.logger.Error("dispatcher: expiring pending confirmation", "err", err)
	}
	return expired
}

// changeLimits applies a limit press: write the env file, restart the relay,
// then report. The desk always shows what is on disk afterwards.
func (d *Dispatcher) changeLimits(ctx context.Context, p Press, view string) (Reply, string) {
	cfg, err := d.relay.Read()
	if err != nil {
		d.logger.Error("dispatcher: reading relay config", "path", d.relay.Path(), "err", err)
		return Reply{Text: "Could not read the Conduit config."}, "error"
	}

	next, err := d.nextLimits(cfg, p)
	if errors.Is(err, ErrOutOfBounds) {
		d.redraw(ctx, view)
		return Reply{Text: limitMessage(cfg, p, d.opts)}, "noop"
	}

	if err := d.relay.SetLimits(next.MaxClients, next.Bandwidth); err != nil {
		d.logger.Error("dispatcher: writing relay config", "path", d.relay.Path(), "err", err)
		d.redraw(ctx, view)
		return Reply{Text: "Could not save the new limit. Nothing changed."}, "error"
	}
	d.logger.Info("dispatcher: relay limits changed",
		"max_clients", next.MaxClients, "bandwidth", next.Bandwidth,
		"prev_max_clients", cfg.MaxClients, "prev_bandwidth", cfg.Bandwidth)

	if err := d.svc.Restart(ctx, d.opts.RelayUnit); err != nil {
		d.logger.Error("dispatcher: restarting relay after limit change", "unit", d.opts.RelayUnit, "err", err)
		d.redraw(ctx, view)
		return Reply{Text: "Limit saved, but restarting Conduit failed. Use Restart Conduit to apply it."}, "error"
	}
	d.redraw(ctx, view)

	if next.MaxClients != cfg.MaxClients {
		return Reply{Text: fmt.Sprintf("Max clients set to %d. Conduit restarting.", next.MaxClients)}, "ok"
	}
	return Reply{Text: fmt.Sprintf("Bandwidth set to %s. Conduit restarting.", render.Bandwidth(next.Bandwidth))}, "ok"
}

func (d *Dispatcher) nextLimits(cfg relayconf.RelayConfig, p Press) (relayconf.RelayConfig, error) {
	next := cfg
	switch p.Action {
	case IncreaseMaxClients:
		next.MaxClients = stepLimit(cfg.MaxClients, 1, d.opts.MaxClientsCeiling)
	case DecreaseMaxClients:
		next.MaxClients = stepLimit(cfg.MaxClients, -1, d.opts.MaxClientsCeiling)
	case SetMaxClients:
		if p.Value < 1 || p.Value > d.opts.MaxClientsCeiling {
			return cfg, ErrOutOfBounds
		}
		next.MaxClients = p.Value
	case IncreaseBandwidth, DecreaseBandwidth:
		if cfg.BandwidthUnlimited() {
			return cfg, ErrOutOfBounds
		}
		step := 1
		if p.Action == DecreaseBandwidth {
			step = -1
		}
		next.Bandwidth = stepLimit(cfg.Bandwidth, step, d.opts.BandwidthCeiling)
	case SetBandwidth:
		if p.Value != relayconf.Unlimited && (p.Value < 1 || p.Value > d.opts.BandwidthCeiling) {
			return cfg, ErrOutOfBounds
		}
		next.Bandwidth = p.Value
	}
	if next == cfg {
		return cfg, ErrOutOfBounds
	}
	return next, nil
}

// stepLimit moves cur by delta within [1, ceiling]. A value already past the
// bound in the direction of travel is left alone, so an increase never lowers
// a hand-set value and a decrease never raises one.
func stepLimit(cur, delta, ceiling int) int {
	if (delta > 0 && cur >= ceiling) || (delta < 0 && cur <= 1) {
		return cur
	}
	return clamp(cur+delta, 1, ceiling)
}

func limitMessage(cfg relayconf.RelayConfig, p Press, opts Options) string {
	switch p.Action {
	case IncreaseMaxClients, DecreaseMaxClients, SetMaxClients:
		if p.Action == SetMaxClients && p.Value == cfg.MaxClients {
			return fmt.Sprintf("Max clients is already %d.", cfg.MaxClients)
		}
		return fmt.Sprintf("Max clients stays at %d (allowed 1–%d).", cfg.MaxClients, opts.MaxClientsCeiling)
	default:
		if cfg.BandwidthUnlimited() && p.Action != SetBandwidth {
			return "Bandwidth is unlimited. Pick a preset to set a cap."
		}
		if p.Action == SetBandwidth && p.Value == cfg.Bandwidth {
			return fmt.Sprintf("Bandwidth is already %s.", render.Bandwidth(cfg.Bandwidth))
		}
		return fmt.Sprintf("Bandwidth stays at %s (allowed 1–%d Mbps).", render.Bandwidth(cfg.Bandwidth), opts.BandwidthCeiling)
	}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// Desk builds the command desk for view from the current relay config and
// pending confirmation.
func (d *Dispatcher) Desk(view string) presenter.Desk {
	cfg, err := d.relay.Read()
	if err != nil {
		d.logger.Warn("dispatcher: reading relay config for desk", "err", err)
	}
	return d.desk(view, cfg, d.store.Load().PendingConfirmation, d.now())
}

func (d *Dispatcher) redraw(ctx context.Context, view string) {
	if err := d.desks.UpsertCommandDesk(ctx, d.Desk(view)); err != nil {
		d.logger.Warn("dispatcher: redrawing command desk", "view", view, "err", err)
	}
}

func (d *Dispatcher) beginUpdate() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.updating {
		return false
	}
	d.updating = true
	return true
}

func (d *Dispatcher) runUpdate(ctx context.Context) {
	defer func() {
		d.mu.Lock()
		d.updating = false
		d.mu.Unlock()
	}()
	out := d.upd.Update(ctx)
	d.mu.Lock()
	d.lastResult = out.Summary()
	d.mu.Unlock()
	if out.Err != nil {
		d.logger.Error("dispatcher: self-update failed", "err", out.Err, "rolled_back", out.RolledBack)
		return
	}
	d.logger.Info("dispatcher: self-update finished", "promoted", out.Promoted)
}

func (d *Dispatcher) lastUpdate() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastResult
}
