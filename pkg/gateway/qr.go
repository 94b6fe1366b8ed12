// Copyright 2024-2026 Aiku AI

package gateway

import (
	"encoding/base64"
	"fmt"

	"github.com/skip2/go-qrcode"
)

// DefaultQRSize is the rendered pairing image width in pixels.
const DefaultQRSize = 300

// QRRenderer turns a pairing challenge into a displayable image.
type QRRenderer func(code string) (string, error)

// PNGDataURLRenderer renders pairing challenges as base64 PNG data URLs of
// the given size, ready to be used as an <img> src.
func PNGDataURLRenderer(size int) QRRenderer {
	if size <= 0 {
		size = DefaultQRSize
	}
	return func(code string) (string, error) {
		if code == "" {
			return "", fmt.Errorf("empty pairing code")
		}
		png, err := qrcode.Encode(code, qrcode.Medium, size)
		if err != nil {
			return "", fmt.Errorf("failed to encode QR code: %w", err)
		}
		return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
	}
}
