// Package render draws text-only instrument state into PNG screenshots for
// devices that cannot export an image themselves.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

const (
	FontSize = 64
	Margin   = 20

	cellWidth   = 0.75
	cellHeight  = 1.3
	lineSpacing = 1.2
)

var (
	Background = color.RGBA{R: 73, G: 109, B: 137, A: 255}
	Foreground = color.RGBA{R: 255, G: 255, B: 0, A: 255}
)

// Label is a string placed with its top-left corner at X, Y.
type Label struct {
	X, Y int
	Text string
}

// CanvasSize returns the pixel size of a canvas holding rows lines of at
// most cols characters.
func CanvasSize(cols, rows int) (width, height int) {
	width = int(float64(cols)*FontSize*cellWidth) + Margin
	height = int(float64(rows) * FontSize * cellHeight)
	return width, height
}

// LineY returns the top of line i (0-based).
func LineY(i int) int {
	return Margin + int(float64(i)*FontSize*lineSpacing)
}

var (
	faceOnce sync.Once
	face     font.Face
	faceErr  error
)

func monoFace() (font.Face, error) {
	faceOnce.Do(func() {
		f, err := opentype.Parse(gomono.TTF)
		if err != nil {
			faceErr = fmt.Errorf("failed to parse font: %w", err)
			return
		}
		face, faceErr = opentype.NewFace(f, &opentype.FaceOptions{
			Size:    FontSize,
			DPI:     72,
			Hinting: font.HintingFull,
		})
	})
	return face, faceErr
}

// Draw renders labels onto a fresh canvas of cols x rows character cells.
func Draw(cols, rows int, labels []Label) (*image.RGBA, error) {
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}

	ff, err := monoFace()
	if err != nil {
		return nil, err
	}

	width, height := CanvasSize(cols, rows)
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(Background), image.Point{}, draw.Src)

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(Foreground),
		Face: ff,
	}
	ascent := ff.Metrics().Ascent

	for _, l := range labels {
		drawer.Dot = fixed.Point26_6{
			X: fixed.I(l.X),
			Y: fixed.I(l.Y) + ascent,
		}
		drawer.DrawString(l.Text)
	}

	return img, nil
}

// Lines renders one label per line, left aligned, sized to the longest line.
func Lines(lines []string) (*image.RGBA, error) {
	maxLen := 0
	labels := make([]Label, len(lines))
	for i, line := range lines {
		runes := []rune(line)
		if len(runes) > MaxLineLength {
			runes = runes[:MaxLineLength]
		}
		if len(runes) > maxLen {
			maxLen = len(runes)
		}
		labels[i] = Label{X: Margin, Y: LineY(i), Text: string(runes)}
	}
	return Draw(maxLen, len(lines), labels)
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}
