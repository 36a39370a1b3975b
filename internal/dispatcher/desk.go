package dispatcher

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/blikh/easyconduit/internal/presenter"
	"github.com/blikh/easyconduit/internal/relayconf"
	"github.com/blikh/easyconduit/internal/render"
	"github.com/blikh/easyconduit/internal/state"
	"github.com/blikh/easyconduit/internal/telegram"
)

// Command desk views.
const (
	ViewMain      = "main"
	ViewConfigs   = "configs"
	ViewLimits    = "limits"
	ViewBandwidth = "bandwidth"
	ViewInfo      = "info"
	ViewConfirm   = "confirm"
)

func knownView(v string) bool {
	switch v {
	case ViewMain, ViewConfigs, ViewLimits, ViewBandwidth, ViewInfo:
		return true
	}
	return false
}

var (
	clientPresets    = []int{50, 75, 100, 125, 150, 200, 250, 300}
	bandwidthPresets = []int{5, 10, 15, 20, 25, 30}
)

const (
	mainText    = "EasyConduit – Control Panel\n(Use the buttons below.)"
	configsText = "Configs – limits and Conduit control. Conduit service will restart when you change limits."
)

func btn(text string, p Press) telegram.Button {
	return telegram.Button{Text: text, Data: Encode(p)}
}

func back(view string) []telegram.Button {
	return telegram.Row(btn("◀ Back", Press{Action: Navigate, View: view}))
}

func limitsLine(cfg relayconf.RelayConfig) string {
	return fmt.Sprintf("Max clients: %d · Bandwidth: %s", cfg.MaxClients, render.Bandwidth(cfg.Bandwidth))
}

// desk builds the desk for view from the values currently on disk and the
// stored pending confirmation.
func (d *Dispatcher) desk(view string, cfg relayconf.RelayConfig, pending *state.PendingConfirmation, now time.Time) presenter.Desk {
	if pending != nil && !pending.Expired(now) {
		return d.confirmDesk(pending, now)
	}

	switch view {
	case ViewConfigs:
		return presenter.Desk{
			View: ViewConfigs,
			Text: configsText + "\n\n" + limitsLine(cfg),
			Keyboard: telegram.Keyboard{
				telegram.Row(btn("📊 Max connection limit", Press{Action: Navigate, View: ViewLimits})),
				telegram.Row(btn("📶 Max bandwidth", Press{Action: Navigate, View: ViewBandwidth})),
				telegram.Row(
					btn("♻ Restart Conduit", Press{Action: RestartRelay}),
					btn("▶ Start Conduit", Press{Action: StartRelay}),
				),
				telegram.Row(btn("⏹ Stop Conduit", Press{Action: StopRelay})),
				telegram.Row(btn("🔄 Update", Press{Action: SelfUpdate})),
				telegram.Row(btn("⚡ Reboot server", Press{Action: RebootHost})),
				back(ViewMain),
			},
		}

	case ViewLimits:
		kb := telegram.Keyboard{
			telegram.Row(
				btn("➖ 1", Press{Action: DecreaseMaxClients}),
				btn(strconv.Itoa(cfg.MaxClients), Press{Action: Navigate, View: ViewLimits}),
				btn("➕ 1", Press{Action: IncreaseMaxClients}),
			),
		}
		kb = append(kb, presetRows(clientPresets, 4, func(v int) telegram.Button {
			return btn(strconv.Itoa(v), Press{Action: SetMaxClients, Value: v})
		})...)
		kb = append(kb, back(ViewConfigs))
		return presenter.Desk{
			View: ViewLimits,
			Text: fmt.Sprintf("Max connection limit (1–%d). Service restarts after change.\n\nCurrent: %d",
				d.opts.MaxClientsCeiling, cfg.MaxClients),
			Keyboard: kb,
		}

	case ViewBandwidth:
		kb := telegram.Keyboard{
			telegram.Row(
				btn("➖ 1", Press{Action: DecreaseBandwidth}),
				btn(render.Bandwidth(cfg.Bandwidth), Press{Action: Navigate, View: ViewBandwidth}),
				btn("➕ 1", Press{Action: IncreaseBandwidth}),
			),
		}
		kb = append(kb, presetRows(bandwidthPresets, 3, func(v int) telegram.Button {
			return btn(fmt.Sprintf("%d Mbps", v), Press{Action: SetBandwidth, Value: v})
		})...)
		kb = append(kb,
			telegram.Row(btn("Unlimited", Press{Action: SetBandwidth, Value: relayconf.Unlimited})),
			back(ViewConfigs),
		)
		return presenter.Desk{
			View: ViewBandwidth,
			Text: fmt.Sprintf("Max bandwidth (1–%d Mbps). Service restarts after change.\n\nCurrent: %s",
				d.opts.BandwidthCeiling, render.Bandwidth(cfg.Bandwidth)),
			Keyboard: kb,
		}

	case ViewInfo:
		var b strings.Builder
		fmt.Fprintf(&b, "EasyConduit v%s – About\n\n", d.opts.Version)
		b.WriteString("This bot controls a Psiphon Conduit inproxy on this server. " +
			"You see a live dashboard (image + status) and a Control Panel with buttons. " +
			"Conduit limits (max clients, bandwidth) take effect after a service restart.")
		if last := d.lastUpdate(); last != "" {
			fmt.Fprintf(&b, "\n\nLast update: %s", last)
		}
		if d.opts.ProjectURL != "" {
			fmt.Fprintf(&b, "\n\nProject: %s", d.opts.ProjectURL)
		}
		return presenter.Desk{View: ViewInfo, Text: b.String(), Keyboard: telegram.Keyboard{back(ViewMain)}}

	default:
		return presenter.Desk{
			View: ViewMain,
			Text: mainText + "\n\n" + limitsLine(cfg),
			Keyboard: telegram.Keyboard{
				telegram.Row(btn("🔍 Status", Press{Action: RefreshStatus})),
				telegram.Row(btn("⚙ Configs", Press{Action: Navigate, View: ViewConfigs})),
				telegram.Row(btn("ℹ More Info", Press{Action: Navigate, View: ViewInfo})),
			},
		}
	}
}

func (d *Dispatcher) confirmDesk(p *state.PendingConfirmation, now time.Time) presenter.Desk {
	var text, yes string
	switch Action(p.Action) {
	case RestartRelay:
		text, yes = "Restart Conduit service? It will apply current limits.", "✅ Yes, restart"
	case StopRelay:
		text, yes = "Stop Conduit? Dashboard will show STOPPED. You can start again via Configs → Start Conduit.", "✅ Yes, stop"
	case RebootHost:
		text, yes = "Reboot the entire server? All connections will drop. Only use if needed.", "✅ Yes, reboot server"
	case SelfUpdate:
		text = fmt.Sprintf("EasyConduit – Update\n\nYou are on EasyConduit v%s.\n\n"+
			"Press the button below to download and install the latest release, or Cancel to go back.", d.opts.Version)
		if d.opts.ProjectURL != "" {
			text += "\n\nProject: " + d.opts.ProjectURL
		}
		yes = "🔄 Yes, update"
	default:
		text, yes = fmt.Sprintf("Run %s?", p.Action), "✅ Yes"
	}

	left := p.ExpiresAt.Sub(now).Round(time.Second)
	text += fmt.Sprintf("\n\n(Confirm within %s.)", left)
	return presenter.Desk{
		View: ViewConfirm,
		Text: text,
		Keyboard: telegram.Keyboard{
			telegram.Row(
				btn(yes, Press{Action: ConfirmPending, Token: p.ID}),
				btn("❌ Cancel", Press{Action: CancelPending}),
			),
		},
	}
}

func presetRows(values []int, perRow int, mk func(int) telegram.Button) telegram.Keyboard {
	var kb telegram.Keyboard
	for i := 0; i < len(values); i += perRow {
		end := min(i+perRow, len(values))
		row := make([]telegram.Button, 0, end-i)
		for _, v := range values[i:end] {
			row = append(row, mk(v))
		}
		kb = append(kb, row)
	}
	return kb
}
