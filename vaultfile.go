package noctua

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/noctua-im/noctua/vault"
)

// errEnvelopeMissing distinguishes "no vault.key yet" (first run) from
// any other read failure.
var errEnvelopeMissing = errors.New("noctua: vault envelope not found")

func readEnvelope(path string) (vault.Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return vault.Envelope{}, errEnvelopeMissing
		}
		return vault.Envelope{}, err
	}
	var env vault.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return vault.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(path string, env vault.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
