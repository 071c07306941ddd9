package overlay

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

var regularFont *truetype.Font

// init sets up the fonts we want to use.
func init() {
	var err error
	regularFont, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Surface is a 2D immediate-mode drawing surface. Coordinates are in display pixels with the
// origin at the top left.
type Surface interface {
	Width() float64
	Height() float64
	ClearRect(x, y, w, h float64)
	StrokeRect(x, y, w, h float64)
	FillText(text string, x, y float64)
	SetStrokeColor(c color.Color)
	SetFillColor(c color.Color)
	SetLineWidth(width float64)
	// Image returns the surface's backing image. It is transparent wherever nothing is drawn.
	Image() image.Image
}

type ggSurface struct {
	dc        *gg.Context
	face      font.Face
	stroke    color.Color
	fill      color.Color
	lineWidth float64
}

// NewSurface returns a transparent RGBA surface of the given size backed by gg.
func NewSurface(width, height int, fontSize float64) Surface {
	if fontSize <= 0 {
		fontSize = DefaultFontSize
	}
	return &ggSurface{
		dc:        gg.NewContext(width, height),
		face:      truetype.NewFace(regularFont, &truetype.Options{Size: fontSize}),
		stroke:    color.Black,
		fill:      color.Black,
		lineWidth: 1,
	}
}

func (s *ggSurface) Width() float64 {
	return float64(s.dc.Width())
}

func (s *ggSurface) Height() float64 {
	return float64(s.dc.Height())
}

func (s *ggSurface) ClearRect(x, y, w, h float64) {
	dst, ok := s.dc.Image().(draw.Image)
	if !ok {
		return
	}
	r := image.Rect(int(x), int(y), int(x+w+0.5), int(y+h+0.5))
	draw.Draw(dst, r, image.Transparent, image.Point{}, draw.Src)
}

func (s *ggSurface) StrokeRect(x, y, w, h float64) {
	s.dc.SetColor(s.stroke)
	s.dc.SetLineWidth(s.lineWidth)
	s.dc.DrawRectangle(x, y, w, h)
	s.dc.Stroke()
}

func (s *ggSurface) FillText(text string, x, y float64) {
	s.dc.SetFontFace(s.face)
	s.dc.SetColor(s.fill)
	s.dc.DrawString(text, x, y)
}

func (s *ggSurface) SetStrokeColor(c color.Color) {
	s.stroke = c
}

func (s *ggSurface) SetFillColor(c color.Color) {
	s.fill = c
}

func (s *ggSurface) SetLineWidth(width float64) {
	s.lineWidth = width
}

func (s *ggSurface) Image() image.Image {
	return s.dc.Image()
}
