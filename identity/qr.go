package identity

import (
	"bytes"

	"github.com/mdp/qrterminal/v3"
)

// FingerprintQR renders a fingerprint as a terminal-printable QR code, for
// an operator to verify a contact's identity out of band.
func FingerprintQR(fingerprint string) []byte {
	var buf bytes.Buffer
	qrterminal.Generate(fingerprint, qrterminal.L, &buf)
	return buf.Bytes()
}
