package render

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
)

// Tier is the image quality level, fixed for the life of the process.
type Tier int

const (
	TierFallback Tier = iota
	TierRich
)

func (t Tier) String() string {
	if t == TierRich {
		return "rich"
	}
	return "fallback"
}

// Preference is the configured render_tier: auto, rich or fallback.
type Preference string

const (
	PreferAuto     Preference = "auto"
	PreferRich     Preference = "rich"
	PreferFallback Preference = "fallback"
)

func ParsePreference(s string) (Preference, error) {
	switch p := Preference(strings.ToLower(strings.TrimSpace(s))); p {
	case PreferAuto, PreferRich, PreferFallback:
		return p, nil
	case "":
		return PreferAuto, nil
	default:
		return "", fmt.Errorf("render: unknown tier %q", s)
	}
}

// Probe decides the tier once at startup. The rich tier is used only if the
// chart font loads and a test chart renders; forcing rich on a host where the
// probe fails still falls back, with a warning.
func Probe(pref Preference, logger *slog.Logger) Tier {
	if pref == PreferFallback {
		logger.Info("render: fallback tier selected by config")
		return TierFallback
	}
	if err := probeCharts(); err != nil {
		if pref == PreferRich {
			logger.Warn("render: rich tier requested but unavailable, using fallback", "err", err)
		} else {
			logger.Info("render: chart capability unavailable, using fallback", "err", err)
		}
		return TierFallback
	}
	logger.Info("render: rich tier available")
	return TierRich
}

func probeCharts() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("chart probe panicked: %v", r)
		}
	}()
	if _, err := chartFont(); err != nil {
		return err
	}
	var buf bytes.Buffer
	return renderLineChart(&buf, []float64{0, 1, 2}, upColor, 120, 60)
}
