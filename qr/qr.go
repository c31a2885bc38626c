// Package qr renders a login deep link as a scannable QR code in the
// terminal. It is the default presentation channel for the QR login
// flow when the caller supplies no callback of their own.
package qr

import (
	"image/color"
	"io"
	"strings"

	"github.com/boombuler/barcode/qr"
	"github.com/pkg/errors"
)

// Render encodes content as a QR code drawn with half-block glyphs,
// two matrix rows per text line. A one-module quiet zone is added on
// every side.
func Render(content string) (string, error) {
	code, err := qr.Encode(content, qr.L, qr.Auto)
	if err != nil {
		return "", errors.Wrap(err, "[qr.Render] encode")
	}

	bounds := code.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	dark := func(x, y int) bool {
		if x < 0 || y < 0 || x >= w || y >= h {
			return false
		}
		g := color.GrayModel.Convert(code.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray)
		return g.Y < 128
	}

	var sb strings.Builder
	for y := -1; y < h+1; y += 2 {
		for x := -1; x < w+1; x++ {
			top, bottom := dark(x, y), dark(x, y+1)
			switch {
			case top && bottom:
				sb.WriteRune('█')
			case top:
				sb.WriteRune('▀')
			case bottom:
				sb.WriteRune('▄')
			default:
				sb.WriteRune(' ')
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

// Write renders content and writes it to w, preceded by a scan hint.
func Write(w io.Writer, content string) error {
	rendered, err := Render(content)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, "Scan the QR code in the provider's mobile app:\n"+rendered); err != nil {
		return errors.Wrap(err, "[qr.Write] write")
	}
	return nil
}
