package ratchet

import (
	"crypto/ecdh"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidState is returned by Deserialize when the encoded state is
// missing a field a live Session cannot function without.
var ErrInvalidState = errors.New("ratchet: invalid session state")

// skippedEntry is the flattened, JSON-friendly shape of one skipped-key
// cache row (map[string]map[uint32][]byte doesn't round-trip cleanly
// through encoding/json's string-keyed-map requirement for the outer
// map, but does for a slice of rows).
type skippedEntry struct {
	DHPublic []byte `json:"dh_public"`
	Index    uint32 `json:"index"`
	Key      []byte `json:"key"`
}

// state is the serialisable snapshot of a Session, generalising the
// teacher's pkg/ratchet/state.go State to add the skipped-message cache
// the teacher's compact version explicitly omitted.
type state struct {
	RootKey    []byte         `json:"root_key"`
	SendCK     []byte         `json:"send_ck"`
	RecvCK     []byte         `json:"recv_ck"`
	DHSelfPriv []byte         `json:"dh_self_priv"`
	DHRemote   []byte         `json:"dh_remote"`
	PN         uint32         `json:"pn"`
	Ns         uint32         `json:"ns"`
	Nr         uint32         `json:"nr"`
	Skipped    []skippedEntry `json:"skipped"`
}

// Serialize encodes the session to JSON bytes, suitable for
// store.SaveRatchetSession.
func (s *Session) Serialize() ([]byte, error) {
	var remoteBytes []byte
	if s.dhRemote != nil {
		remoteBytes = s.dhRemote.Bytes()
	}

	var entries []skippedEntry
	for dhPub, m := range s.skipped {
		for idx, key := range m {
			entries = append(entries, skippedEntry{
				DHPublic: []byte(dhPub),
				Index:    idx,
				Key:      key,
			})
		}
	}

	st := state{
		RootKey:    s.rootKey,
		SendCK:     s.sendCK,
		RecvCK:     s.recvCK,
		DHSelfPriv: s.dhSelf.Bytes(),
		DHRemote:   remoteBytes,
		PN:         s.pn,
		Ns:         s.ns,
		Nr:         s.nr,
		Skipped:    entries,
	}
	return json.Marshal(st)
}

// Deserialize restores a Session previously produced by Serialize.
func Deserialize(data []byte) (*Session, error) {
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("deserializing ratchet state: %w", err)
	}
	if len(st.RootKey) == 0 {
		return nil, fmt.Errorf("%w: missing root key", ErrInvalidState)
	}
	if len(st.DHSelfPriv) == 0 {
		return nil, fmt.Errorf("%w: missing dh self private key", ErrInvalidState)
	}

	dhSelf, err := ecdh.X25519().NewPrivateKey(st.DHSelfPriv)
	if err != nil {
		return nil, fmt.Errorf("restoring dh self key: %w", err)
	}

	var dhRemote *ecdh.PublicKey
	if len(st.DHRemote) > 0 {
		dhRemote, err = ecdh.X25519().NewPublicKey(st.DHRemote)
		if err != nil {
			return nil, fmt.Errorf("restoring dh remote key: %w", err)
		}
	}

	skipped := make(map[string]map[uint32][]byte)
	for _, e := range st.Skipped {
		k := string(e.DHPublic)
		if skipped[k] == nil {
			skipped[k] = make(map[uint32][]byte)
		}
		skipped[k][e.Index] = e.Key
	}

	return &Session{
		rootKey:  st.RootKey,
		sendCK:   st.SendCK,
		recvCK:   st.RecvCK,
		dhSelf:   dhSelf,
		dhRemote: dhRemote,
		pn:       st.PN,
		ns:       st.Ns,
		nr:       st.Nr,
		skipped:  skipped,
	}, nil
}
