package render

import (
	"image"
	"image/color"
	"image/draw"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	bgColor        = color.RGBA{245, 246, 248, 255}
	headerColor    = color.RGBA{44, 62, 80, 255}
	liveColor      = color.RGBA{39, 174, 96, 255}
	stoppedColor   = color.RGBA{231, 76, 60, 255}
	staleColor     = color.RGBA{243, 156, 18, 255}
	cardColor      = color.RGBA{255, 255, 255, 255}
	outlineColor   = color.RGBA{220, 221, 225, 255}
	chartBgColor   = color.RGBA{248, 249, 250, 255}
	trackColor     = color.RGBA{236, 240, 241, 255}
	labelColor     = color.RGBA{99, 110, 114, 255}
	valueColor     = color.RGBA{44, 62, 80, 255}
	mutedColor     = color.RGBA{120, 144, 156, 255}
	versionColor   = color.RGBA{180, 190, 200, 255}
	uploadColor    = color.RGBA{52, 152, 219, 255}
	downloadColor  = color.RGBA{155, 89, 182, 255}
	whiteColor     = color.RGBA{255, 255, 255, 255}
	glyphFace      = basicfont.Face7x13
	glyphLineWidth = glyphFace.Advance
)

// canvas is a thin drawing layer over an RGBA image using only the bitmap
// font, so it works on hosts without any font files.
type canvas struct {
	img *image.RGBA
}

func newCanvas(w, h int, bg color.Color) *canvas {
	c := &canvas{img: image.NewRGBA(image.Rect(0, 0, w, h))}
	draw.Draw(c.img, c.img.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)
	return c
}

func (c *canvas) fill(r image.Rectangle, col color.Color) {
	draw.Draw(c.img, r, image.NewUniform(col), image.Point{}, draw.Src)
}

// box fills r and strokes a one pixel outline.
func (c *canvas) box(r image.Rectangle, fill, outline color.Color) {
	c.fill(r, fill)
	c.fill(image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+1), outline)
	c.fill(image.Rect(r.Min.X, r.Max.Y-1, r.Max.X, r.Max.Y), outline)
	c.fill(image.Rect(r.Min.X, r.Min.Y, r.Min.X+1, r.Max.Y), outline)
	c.fill(image.Rect(r.Max.X-1, r.Min.Y, r.Max.X, r.Max.Y), outline)
}

func textWidth(s string, scale int) int {
	return len([]rune(s)) * glyphLineWidth * scale
}

func textHeight(scale int) int {
	return glyphFace.Height * scale
}

// text draws s with its top-left corner at (x, y), magnified by scale using
// nearest-neighbour sampling to keep the bitmap glyphs crisp.
func (c *canvas) text(x, y int, s string, col color.Color, scale int) int {
	if s == "" {
		return 0
	}
	if scale < 1 {
		scale = 1
	}
	w := textWidth(s, 1)
	small := image.NewRGBA(image.Rect(0, 0, w, glyphFace.Height))
	d := font.Drawer{
		Dst:  small,
		Src:  image.NewUniform(col),
		Face: glyphFace,
		Dot:  fixed.P(0, glyphFace.Ascent),
	}
	d.DrawString(s)

	dst := image.Rect(x, y, x+w*scale, y+glyphFace.Height*scale)
	xdraw.NearestNeighbor.Scale(c.img, dst, small, small.Bounds(), xdraw.Over, nil)
	return w * scale
}

func (c *canvas) textCentered(r image.Rectangle, s string, col color.Color, scale int) {
	x := r.Min.X + (r.Dx()-textWidth(s, scale))/2
	y := r.Min.Y + (r.Dy()-textHeight(scale))/2
	c.text(x, y, s, col, scale)
}

// line draws a straight segment of the given thickness (Bresenham).
func (c *canvas) line(x0, y0, x1, y1 int, col color.Color, width int) {
	dx, dy := abs(x1-x0), -abs(y1-y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	half := width / 2
	errAcc := dx + dy
	for {
		c.fill(image.Rect(x0-half, y0-half, x0-half+width, y0-half+width), col)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * errAcc
		if e2 >= dy {
			errAcc += dy
			x0 += sx
		}
		if e2 <= dx {
			errAcc += dx
			y0 += sy
		}
	}
}

// sparkline plots values left to right inside r, scaled to the largest value.
func (c *canvas) sparkline(r image.Rectangle, values []float64, col color.Color) {
	if len(values) < 2 || r.Dx() < 2 || r.Dy() < 2 {
		return
	}
	maxVal := 1.0
	for _, v := range values {
		maxVal = max(maxVal, v)
	}
	step := float64(r.Dx()-1) / float64(len(values)-1)
	px, py := 0, 0
	for i, v := range values {
		x := r.Min.X + int(float64(i)*step)
		y := r.Max.Y - 1 - int(v/maxVal*float64(r.Dy()-1))
		if i > 0 {
			c.line(px, py, x, y, col, 2)
		}
		px, py = x, y
	}
}

func (c *canvas) paste(src image.Image, at image.Point) {
	r := image.Rectangle{Min: at, Max: at.Add(src.Bounds().Size())}
	draw.Draw(c.img, r, src, src.Bounds().Min, draw.Src)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
