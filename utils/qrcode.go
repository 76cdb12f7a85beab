package utils

import (
	"errors"

	"github.com/skip2/go-qrcode"
)

const (
	DefaultQRSize = 256
	maxQRSize     = 1024
)

// GenerateQRCode renders text as a PNG. size outside (0, 1024] falls back
// to DefaultQRSize.
func GenerateQRCode(text string, size int) ([]byte, error) {
	if text == "" {
		return nil, errors.New("qrcode: empty content")
	}
	if size <= 0 || size > maxQRSize {
		size = DefaultQRSize
	}
	return qrcode.Encode(text, qrcode.Medium, size)
}
