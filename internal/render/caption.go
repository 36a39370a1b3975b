package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/blikh/easyconduit/internal/conduit"
	"github.com/blikh/easyconduit/internal/hoststats"
	"github.com/blikh/easyconduit/internal/relayconf"
	"github.com/blikh/easyconduit/internal/service"
	"github.com/blikh/easyconduit/internal/statsdb"
)

// Input is everything one dashboard frame shows.
type Input struct {
	// Snapshot is the freshest data available: this cycle's read, or the last
	// good one when Stale is set. Nil before the first successful read.
	Snapshot   *conduit.Snapshot
	Stale      bool
	FailReason conduit.Reason

	RelayStatus service.Status
	Limits      relayconf.RelayConfig
	Totals      statsdb.Totals
	History     []statsdb.HistoryPoint
	Host        hoststats.Stats

	Version string
	Now     time.Time
}

// Headline is the status word shown in the caption and the image badge.
type Headline string

const (
	HeadlineLive    Headline = "LIVE"
	HeadlineStopped Headline = "STOPPED"
	HeadlineStale   Headline = "STALE"
	HeadlineWaiting Headline = "WAITING"
)

// Status derives the headline. LIVE needs fresh metrics reporting live and a
// relay unit that is not known to be down.
func (in Input) Status() Headline {
	switch {
	case in.Snapshot == nil:
		return HeadlineWaiting
	case in.Stale:
		return HeadlineStale
	case !in.Snapshot.Live:
		return HeadlineStopped
	case in.RelayStatus == service.StatusInactive || in.RelayStatus == service.StatusFailed:
		return HeadlineStopped
	default:
		return HeadlineLive
	}
}

func (in Input) maxClients() int64 {
	if in.Limits.MaxClients > 0 {
		return int64(in.Limits.MaxClients)
	}
	if in.Snapshot != nil {
		return in.Snapshot.MaxClients
	}
	return 0
}

func failWord(r conduit.Reason) string {
	if r == "" {
		return "unavailable"
	}
	return strings.ReplaceAll(string(r), "_", " ")
}

// Caption builds the dashboard text. It never invents numbers: with no
// snapshot at all it says so instead of showing zeros.
func Caption(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "EasyConduit · %s\n", in.Status())

	if in.Snapshot == nil {
		fmt.Fprintf(&b, "Waiting for metrics (%s). No data received from the relay yet.\n", failWord(in.FailReason))
		if in.RelayStatus != "" {
			fmt.Fprintf(&b, "Conduit service: %s\n", in.RelayStatus.Hint())
		}
		b.WriteString("Updated " + in.Now.UTC().Format("2006-01-02 15:04 UTC"))
		return b.String()
	}

	s := in.Snapshot
	maxc := in.maxClients()
	if in.Stale {
		fmt.Fprintf(&b, "Metrics %s, last updated %s\n", failWord(in.FailReason), minutesAgo(s.Age(in.Now)))
	}
	fmt.Fprintf(&b, "Clients: %s %d/%d (connecting %d) · Client-h today: %.1f\n",
		Bar(s.ConnectedClients, maxc, 10), s.ConnectedClients, maxc, s.ConnectingClients, in.Totals.ClientHoursToday())
	fmt.Fprintf(&b, "Traffic: Up %s · Down %s\n", HumanBytes(s.BytesUploaded), HumanBytes(s.BytesDownloaded))
	fmt.Fprintf(&b, "Uptime: %s · BW: %s\n",
		HumanDuration(time.Duration(s.UptimeSeconds)*time.Second), Bandwidth(in.Limits.Bandwidth))
	fmt.Fprintf(&b, "Lifetime: Up %s · Down %s\n", HumanBytes(in.Totals.LifetimeUp), HumanBytes(in.Totals.LifetimeDown))
	if line := in.Host.Line(); line != "" {
		b.WriteString(line + "\n")
	}
	if in.RelayStatus != "" {
		fmt.Fprintf(&b, "Conduit service: %s\n", in.RelayStatus.Hint())
	}
	b.WriteString("Updated " + in.Now.UTC().Format("2006-01-02 15:04 UTC"))
	return b.String()
}
