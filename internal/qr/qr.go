// Package qr renders pairing QR codes for terminal display.
//
// The connection URL's base32 fragment keeps the whole payload in QR
// alphanumeric mode, so even the ~1.8KB prekey bundle fits a scannable
// code. Rendering uses Unicode half-block characters - two QR rows per
// terminal row - because terminal cells are roughly 2:1 (height:width).
package qr

import (
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"
)

// recoveryLevels is tried best-first; connection URLs are long, so lower
// error correction is often the only way to fit a terminal.
var recoveryLevels = []qrcode.RecoveryLevel{
	qrcode.High,
	qrcode.Medium,
	qrcode.Low,
}

// Render encodes data as terminal rows of half-block characters, choosing
// the highest recovery level whose code fits within maxCols x maxRows.
// Returns an error when no level fits; callers fall back to showing the
// URL as text.
func Render(data string, maxCols, maxRows int) ([]string, error) {
	return render(data, maxCols, maxRows, false)
}

// RenderInverted renders with light and dark swapped, for terminals whose
// cameras scan light-on-dark themes better.
func RenderInverted(data string, maxCols, maxRows int) ([]string, error) {
	return render(data, maxCols, maxRows, true)
}

func render(data string, maxCols, maxRows int, invert bool) ([]string, error) {
	var lastErr error

	for _, level := range recoveryLevels {
		code, err := qrcode.New(data, level)
		if err != nil {
			lastErr = err
			continue
		}

		bitmap := code.Bitmap()
		size := len(bitmap)
		if size == 0 {
			continue
		}

		// One module per column, two module rows per terminal row.
		if size > maxCols || (size+1)/2 > maxRows {
			lastErr = fmt.Errorf("code needs %dx%d, have %dx%d", size, (size+1)/2, maxCols, maxRows)
			continue
		}

		return renderBitmap(bitmap, invert), nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("empty payload")
	}
	return nil, fmt.Errorf("qr code does not fit the terminal: %w", lastErr)
}

// renderBitmap folds pairs of module rows into half-block characters.
// go-qrcode's bitmap marks dark modules true and already includes the
// quiet zone.
func renderBitmap(bitmap [][]bool, invert bool) []string {
	size := len(bitmap)
	lines := make([]string, 0, (size+1)/2)

	// Outside the bitmap counts as quiet zone (light).
	dark := func(y, x int) bool {
		if y >= size {
			return invert
		}
		if invert {
			return !bitmap[y][x]
		}
		return bitmap[y][x]
	}

	for y := 0; y < size; y += 2 {
		var sb strings.Builder
		sb.Grow(size * 3) // block characters are 3 bytes in UTF-8

		for x := 0; x < size; x++ {
			sb.WriteRune(halfBlock(dark(y, x), dark(y+1, x)))
		}
		lines = append(lines, sb.String())
	}
	return lines
}

// halfBlock maps an (upper, lower) darkness pair to its character.
func halfBlock(upper, lower bool) rune {
	switch {
	case upper && lower:
		return '█'
	case upper:
		return '▀'
	case lower:
		return '▄'
	default:
		return ' '
	}
}

// Fits reports whether data can render within maxCols x maxRows at any
// recovery level.
func Fits(data string, maxCols, maxRows int) bool {
	_, err := Render(data, maxCols, maxRows)
	return err == nil
}
