package keywords

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"log/slog"
	"math"
	"os"
	"strings"
	"unicode"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/font/sfnt"
	"golang.org/x/image/math/fixed"
)

const (
	defaultWidth    = 900
	defaultHeight   = 400
	defaultMaxWords = 200

	minFontSize = 10.0

	// spiralStep is the angle increment in radians of the placement spiral.
	spiralStep = 0.1
)

// palette holds the word colours, picked round-robin by rank.
var palette = []color.RGBA{
	{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff},
	{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff},
	{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff},
	{R: 0xd6, G: 0x27, B: 0x28, A: 0xff},
	{R: 0x94, G: 0x67, B: 0xbd, A: 0xff},
	{R: 0x8c, G: 0x56, B: 0x4b, A: 0xff},
}

// scriptSamples maps languages whose script the bundled Go font lacks to one
// letter of that script.
var scriptSamples = map[string]rune{
	"ko": '한',
	"ja": 'か',
	"zh": '中',
	"th": 'ก',
	"ar": 'ع',
	"he": 'א',
	"hi": 'क',
}

// Option configures a [Generator].
type Option func(*Generator)

// WithFontPath loads the word font from a TrueType or OpenType file. Scripts
// other than Latin need a font that covers them (e.g. Noto Sans KR for
// Hangul). An empty path keeps the bundled Go font.
func WithFontPath(path string) Option {
	return func(g *Generator) {
		g.fontPath = path
	}
}

// WithSize sets the canvas size in pixels. Non-positive values keep the
// default of 900x400.
func WithSize(width, height int) Option {
	return func(g *Generator) {
		if width > 0 && height > 0 {
			g.width, g.height = width, height
		}
	}
}

// WithMaxWords limits how many of the most frequent words are drawn.
func WithMaxWords(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxWords = n
		}
	}
}

// Generator renders frequency tables as PNG word clouds. Font faces are
// created per call so a Generator is safe for concurrent use.
type Generator struct {
	fontPath string
	font     *opentype.Font
	width    int
	height   int
	maxWords int
}

// NewGenerator parses the configured font and returns a Generator.
func NewGenerator(opts ...Option) (*Generator, error) {
	g := &Generator{
		width:    defaultWidth,
		height:   defaultHeight,
		maxWords: defaultMaxWords,
	}
	for _, o := range opts {
		o(g)
	}

	data := goregular.TTF
	if g.fontPath != "" {
		var err error
		data, err = os.ReadFile(g.fontPath)
		if err != nil {
			return nil, fmt.Errorf("keywords: read font: %w", err)
		}
	}
	f, err := opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("keywords: parse font: %w", err)
	}
	g.font = f
	return g, nil
}

// Missing returns the distinct runes of s the font has no glyph for, in
// order of first appearance. White space and control characters are skipped.
func (g *Generator) Missing(s string) []rune {
	var (
		buf  sfnt.Buffer
		seen = make(map[rune]bool)
		out  []rune
	)
	for _, r := range s {
		if seen[r] || unicode.IsSpace(r) || unicode.IsControl(r) {
			continue
		}
		seen[r] = true
		if idx, err := g.font.GlyphIndex(&buf, r); err != nil || idx == 0 {
			out = append(out, r)
		}
	}
	return out
}

// SupportsLanguage reports whether the font draws the script of language
// (ISO-639-1). Languages written in Latin, Greek or Cyrillic are assumed to
// be covered.
func (g *Generator) SupportsLanguage(language string) bool {
	r, ok := scriptSamples[strings.ToLower(language)]
	return !ok || len(g.Missing(string(r))) == 0
}

// Build counts the words of text and renders them. An empty table is
// returned with a nil image and no error.
func (g *Generator) Build(text string) (Table, []byte, error) {
	table := Count(text)
	if table.Len() == 0 {
		return table, nil, nil
	}
	img, err := g.Render(table)
	if err != nil {
		return table, nil, err
	}
	return table, img, nil
}

// Render draws table as a PNG image.
func (g *Generator) Render(table Table) ([]byte, error) {
	words := table.Words
	if len(words) == 0 {
		return nil, errors.New("keywords: nothing to render")
	}
	if len(words) > g.maxWords {
		words = words[:g.maxWords]
	}
	var blank int
	for _, w := range words {
		if len(g.Missing(w.Word)) > 0 {
			blank++
		}
	}
	if blank > 0 {
		slog.Warn("keywords: font lacks glyphs, words render as boxes", "words", blank, "font", g.fontName())
	}

	canvas := image.NewRGBA(image.Rect(0, 0, g.width, g.height))
	draw.Draw(canvas, canvas.Bounds(), image.White, image.Point{}, draw.Src)

	faces := make(map[int]font.Face)
	defer func() {
		for _, f := range faces {
			_ = f.Close()
		}
	}()
	face := func(size int) (font.Face, error) {
		if f, ok := faces[size]; ok {
			return f, nil
		}
		f, err := opentype.NewFace(g.font, &opentype.FaceOptions{
			Size:    float64(size),
			DPI:     72,
			Hinting: font.HintingFull,
		})
		if err != nil {
			return nil, fmt.Errorf("keywords: font face: %w", err)
		}
		faces[size] = f
		return f, nil
	}

	maxSize := float64(g.height) / 4
	top := words[0].Count
	var placed []image.Rectangle

	for rank, w := range words {
		size := int(math.Round(minFontSize + (maxSize-minFontSize)*float64(w.Count)/float64(top)))
		for ; size >= int(minFontSize); size -= 2 {
			f, err := face(size)
			if err != nil {
				return nil, err
			}
			rect, dot, ok := g.place(f, w.Word, placed)
			if !ok {
				continue
			}
			d := &font.Drawer{
				Dst:  canvas,
				Src:  image.NewUniform(palette[rank%len(palette)]),
				Face: f,
				Dot:  dot,
			}
			d.DrawString(w.Word)
			placed = append(placed, rect)
			break
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("keywords: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *Generator) fontName() string {
	if g.fontPath == "" {
		return "goregular"
	}
	return g.fontPath
}

// place walks an Archimedean spiral out from the canvas centre and returns
// the first position where word fits without overlapping placed.
func (g *Generator) place(f font.Face, word string, placed []image.Rectangle) (image.Rectangle, fixed.Point26_6, bool) {
	bounds, _ := font.BoundString(f, word)
	w := (bounds.Max.X - bounds.Min.X).Ceil()
	h := (bounds.Max.Y - bounds.Min.Y).Ceil()
	if w <= 0 || h <= 0 || w > g.width || h > g.height {
		return image.Rectangle{}, fixed.Point26_6{}, false
	}

	cx, cy := float64(g.width-w)/2, float64(g.height-h)/2
	maxRadius := math.Hypot(float64(g.width), float64(g.height)) / 2
	aspect := float64(g.width) / float64(g.height)
	canvas := image.Rect(0, 0, g.width, g.height)

	for theta := 0.0; theta*2 < maxRadius; theta += spiralStep {
		r := theta * 2
		x := int(cx + r*math.Cos(theta)*aspect)
		y := int(cy + r*math.Sin(theta))
		rect := image.Rect(x, y, x+w, y+h)
		if !rect.In(canvas) || overlaps(rect, placed) {
			continue
		}
		// The drawer's dot sits on the baseline; shift so the glyph bounds
		// land on rect.
		dot := fixed.P(x, y).Sub(bounds.Min)
		return rect, dot, true
	}
	return image.Rectangle{}, fixed.Point26_6{}, false
}

func overlaps(r image.Rectangle, placed []image.Rectangle) bool {
	for _, p := range placed {
		if r.Overlaps(p) {
			return true
		}
	}
	return false
}
