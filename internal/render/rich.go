package render

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"io"
	"sync"

	"github.com/golang/freetype/truetype"
	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

var (
	upColor   = drawing.Color{R: 52, G: 152, B: 219, A: 255}
	plotBg    = drawing.Color{R: 248, G: 249, B: 250, A: 255}
	gridColor = drawing.Color{R: 220, G: 221, B: 225, A: 255}
)

var (
	fontOnce sync.Once
	fontVal  *truetype.Font
	fontErr  error
)

func chartFont() (*truetype.Font, error) {
	fontOnce.Do(func() {
		fontVal, fontErr = chart.GetDefaultFont()
	})
	return fontVal, fontErr
}

// renderLineChart plots one byte series as an area chart. go-chart needs at
// least two points for a non-empty x range.
func renderLineChart(w io.Writer, values []float64, col drawing.Color, width, height int) error {
	if len(values) < 2 {
		return fmt.Errorf("line chart needs at least 2 points, got %d", len(values))
	}
	f, err := chartFont()
	if err != nil {
		return fmt.Errorf("loading chart font: %w", err)
	}

	xs := make([]float64, len(values))
	maxV := 1.0
	for i, v := range values {
		xs[i] = float64(i)
		maxV = max(maxV, v)
	}

	c := chart.Chart{
		Width:  width,
		Height: height,
		Font:   f,
		Background: chart.Style{
			Padding:   chart.Box{Top: 8, Left: 4, Right: 8, Bottom: 4},
			FillColor: plotBg,
		},
		Canvas: chart.Style{FillColor: plotBg},
		XAxis:  chart.XAxis{Style: chart.Style{Hidden: true}},
		YAxis: chart.YAxis{
			Style:          chart.Style{FontSize: 7, FontColor: drawing.Color{R: 99, G: 110, B: 114, A: 255}},
			Range:          &chart.ContinuousRange{Min: 0, Max: maxV * 1.1},
			ValueFormatter: bytesTick,
			GridMajorStyle: chart.Style{StrokeColor: gridColor, StrokeWidth: 0.5},
		},
		Series: []chart.Series{
			chart.ContinuousSeries{
				Style: chart.Style{
					StrokeColor: col,
					StrokeWidth: 2,
					FillColor:   col.WithAlpha(48),
				},
				XValues: xs,
				YValues: values,
			},
		},
	}
	return c.Render(chart.PNG, w)
}

func bytesTick(v interface{}) string {
	if f, ok := v.(float64); ok {
		return HumanBytes(int64(f))
	}
	return ""
}

// lineChartImage renders a chart and decodes it for compositing.
func lineChartImage(values []float64, col drawing.Color, width, height int) (image.Image, error) {
	var buf bytes.Buffer
	if err := renderLineChart(&buf, values, col, width, height); err != nil {
		return nil, err
	}
	img, err := png.Decode(&buf)
	if err != nil {
		return nil, fmt.Errorf("decoding chart: %w", err)
	}
	return img, nil
}
