package filetransfer

import (
	"encoding/binary"

	"github.com/noctua-im/noctua/internal/seal"
)

// newTransferBox derives transfer_key = HKDF(sessionRoot, info=CONST_FILE_V1
// || transferID) and wraps it in an AEAD box, the same one-step
// derive-then-seal pattern ratchet.go uses for message boxes
// (seal.New(msgKey, nil, []byte(constMsgV1))).
func newTransferBox(sessionRoot []byte, transferID string) (*seal.Box, error) {
	info := append([]byte(constFileV1), []byte(transferID)...)
	return seal.New(sessionRoot, nil, info)
}

// nonceForIndex builds the per-chunk AEAD nonce. The spec fixes a 12-byte
// big-endian chunk index as the nonce, but internal/seal's XChaCha20-
// Poly1305 box requires a 24-byte nonce; the index is right-aligned in a
// zero-padded 24-byte buffer so the trailing bytes still carry exactly
// the spec's BE(index) value.
func nonceForIndex(index int) []byte {
	nonce := make([]byte, seal.NonceSize())
	binary.BigEndian.PutUint64(nonce[len(nonce)-8:], uint64(index))
	return nonce
}
