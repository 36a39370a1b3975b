// Package render turns relay metrics into the dashboard caption and image.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"time"

	"github.com/wcharczuk/go-chart/v2/drawing"
)

const (
	Width  = 600
	Height = 980
)

// ErrNoData is returned with a caption and no image before the first
// successful metrics read.
var ErrNoData = errors.New("render: no metrics snapshot yet")

type Renderer struct {
	tier   Tier
	logger *slog.Logger
}

func New(tier Tier, logger *slog.Logger) *Renderer {
	return &Renderer{tier: tier, logger: logger}
}

func (r *Renderer) Tier() Tier { return r.tier }

// Render always returns a caption. When err is non-nil the image is nil and
// the dashboard should be shown as caption-only.
func (r *Renderer) Render(in Input) (caption string, img []byte, err error) {
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	caption = Caption(in)
	if in.Snapshot == nil {
		return caption, nil, ErrNoData
	}

	defer func() {
		if rec := recover(); rec != nil {
			img, err = nil, fmt.Errorf("render: panic while drawing: %v", rec)
		}
	}()

	c := r.draw(in)
	var buf bytes.Buffer
	if err := png.Encode(&buf, c.img); err != nil {
		return caption, nil, fmt.Errorf("render: encoding png: %w", err)
	}
	return caption, buf.Bytes(), nil
}

const (
	pad        = 24
	gap        = 12
	headerH    = 88
	cardW      = Width - 2*pad
	clientsH   = 122
	sectionH   = 270
	sectionTop = 70
	shortCardH = 84
)

func (r *Renderer) draw(in Input) *canvas {
	c := newCanvas(Width, Height, bgColor)
	s := in.Snapshot

	// Header
	c.fill(image.Rect(0, 0, Width, headerH), headerColor)
	titleW := c.text(pad, 18, "EasyConduit", whiteColor, 3)
	if in.Version != "" {
		c.text(pad, 62, "v"+in.Version, versionColor, 1)
	}
	status := in.Status()
	badge := image.Rect(pad+titleW+gap, 0, pad+titleW+gap+130, headerH)
	c.fill(badge, badgeColor(status))
	c.textCentered(badge, string(status), whiteColor, 2)
	c.text(badge.Max.X+gap, 22, "Service:", versionColor, 1)
	c.text(badge.Max.X+gap, 40, string(in.RelayStatus), whiteColor, 2)

	y := headerH + 12
	stampW := c.text(pad, y, in.Now.UTC().Format("2006-01-02 15:04 UTC"), mutedColor, 2)
	if in.Stale {
		c.text(pad+stampW+8, y+7, "stale, last updated "+minutesAgo(s.Age(in.Now)), stoppedColor, 1)
	}
	y += 36

	// Clients
	maxc := in.maxClients()
	card := image.Rect(pad, y, pad+cardW, y+clientsH)
	c.box(card, cardColor, outlineColor)
	c.text(pad+16, y+8, "Clients", labelColor, 2)
	c.text(pad+16, y+34, fmt.Sprintf("%d / %d", s.ConnectedClients, maxc), valueColor, 3)
	track := image.Rect(pad+16, y+80, pad+cardW-16, y+94)
	c.box(track, trackColor, outlineColor)
	if maxc > 0 {
		frac := min(max(float64(s.ConnectedClients)/float64(maxc), 0), 1)
		c.fill(image.Rect(track.Min.X, track.Min.Y, track.Min.X+int(float64(track.Dx())*frac), track.Max.Y), liveColor)
	}
	c.text(pad+16, y+102, fmt.Sprintf("Connecting: %d  |  Client-h today: %.1f", s.ConnectingClients, in.Totals.ClientHoursToday()), labelColor, 1)
	y += clientsH + pad

	// Session traffic
	ups, downs := make([]float64, 0, len(in.History)), make([]float64, 0, len(in.History))
	lups, ldowns := make([]float64, 0, len(in.History)), make([]float64, 0, len(in.History))
	for _, p := range in.History {
		ups = append(ups, float64(p.SessionUp))
		downs = append(downs, float64(p.SessionDown))
		lups = append(lups, float64(p.LifetimeUp))
		ldowns = append(ldowns, float64(p.LifetimeDown))
	}
	r.section(c, y, "Traffic (session)", s.BytesUploaded, s.BytesDownloaded, ups, downs)
	y += sectionH + pad

	// Uptime and bandwidth
	half := (cardW - gap) / 2
	left := image.Rect(pad, y, pad+half, y+shortCardH)
	right := image.Rect(pad+half+gap, y, pad+cardW, y+shortCardH)
	c.box(left, cardColor, outlineColor)
	c.box(right, cardColor, outlineColor)
	c.text(left.Min.X+12, y+10, "Uptime", labelColor, 2)
	c.text(left.Min.X+12, y+38, HumanDuration(time.Duration(s.UptimeSeconds)*time.Second), valueColor, 3)
	c.text(right.Min.X+12, y+10, "Bandwidth", labelColor, 2)
	c.text(right.Min.X+12, y+38, Bandwidth(in.Limits.Bandwidth), valueColor, 3)
	y += shortCardH + pad

	r.section(c, y, "Lifetime traffic", in.Totals.LifetimeUp, in.Totals.LifetimeDown, lups, ldowns)
	return c
}

// section draws a titled card with an upload and a download chart side by side.
func (r *Renderer) section(c *canvas, y int, title string, up, down int64, ups, downs []float64) {
	c.box(image.Rect(pad, y, pad+cardW, y+sectionH), cardColor, outlineColor)
	c.text(pad+16, y+8, title, labelColor, 2)
	x := pad + 16
	x += c.text(x, y+38, "Up "+HumanBytes(up), uploadColor, 2)
	x += c.text(x, y+38, "  |  ", valueColor, 2)
	c.text(x, y+38, "Down "+HumanBytes(down), downloadColor, 2)

	half := (cardW - gap) / 2
	chartH := sectionH - sectionTop - 8
	boxes := []image.Rectangle{
		image.Rect(pad+4, y+sectionTop, pad+half, y+sectionTop+chartH),
		image.Rect(pad+half+gap, y+sectionTop, pad+cardW-4, y+sectionTop+chartH),
	}
	series := [][]float64{ups, downs}
	colors := []color.RGBA{uploadColor, downloadColor}
	for i, b := range boxes {
		c.box(b, chartBgColor, outlineColor)
		if len(series[i]) < 2 {
			c.textCentered(b, "collecting data", mutedColor, 1)
			continue
		}
		inner := b.Inset(4)
		if r.tier == TierRich {
			img, err := lineChartImage(series[i], toDrawing(colors[i]), inner.Dx(), inner.Dy())
			if err == nil {
				c.paste(img, inner.Min)
				continue
			}
			r.logger.Debug("render: chart failed, drawing sparkline", "err", err)
		}
		c.sparkline(inner, series[i], colors[i])
	}
}

func badgeColor(h Headline) color.RGBA {
	switch h {
	case HeadlineLive:
		return liveColor
	case HeadlineStale, HeadlineWaiting:
		return staleColor
	default:
		return stoppedColor
	}
}

func toDrawing(c color.RGBA) drawing.Color {
	return drawing.Color{R: c.R, G: c.G, B: c.B, A: c.A}
}
