package report

import (
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// FingerprintQR creates a QR code PNG encoding a format fingerprint, so a
// printed report can be matched against a registry entry.
func FingerprintQR(fingerprint string, size int) ([]byte, error) {
	normalized := sanitizeHex(fingerprint)
	if normalized == "" {
		return nil, fmt.Errorf("fingerprint is empty")
	}
	if size <= 0 {
		size = 128
	}
	png, err := qrcode.Encode("telemlog:"+normalized, qrcode.Medium, size)
	if err != nil {
		return nil, err
	}
	return png, nil
}

func sanitizeHex(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'F':
			return r
		}
		return -1
	}, strings.ToUpper(s))
}
