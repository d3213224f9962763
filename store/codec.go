package store

import (
	"encoding/json"
	"fmt"
)

func (t *Tx) putJSON(bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling %s/%s: %w", bucket, key, err)
	}
	return t.putEncrypted(bucket, key, data)
}

func (t *Tx) getJSON(bucket, key string, out any) error {
	data, err := t.getEncrypted(bucket, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshalling %s/%s: %w", bucket, key, err)
	}
	return nil
}

// forEachJSON walks every key/value pair in bucket, decoding each value
// into a fresh instance produced by newVal and passing it to fn. It stops
// early, without error, when fn returns false.
func (t *Tx) forEachJSON(bucket string, newVal func() any, fn func(key string, v any) bool) error {
	b, err := t.bucket(bucket)
	if err != nil {
		return err
	}
	err = b.ForEach(func(k, raw []byte) error {
		plaintext, err := t.store.cipher.Open(raw, k)
		if err != nil {
			return ErrCorrupted
		}
		v := newVal()
		if err := json.Unmarshal(plaintext, v); err != nil {
			return fmt.Errorf("unmarshalling %s/%s: %w", bucket, string(k), err)
		}
		if !fn(string(k), v) {
			return errStopIteration
		}
		return nil
	})
	if err == errStopIteration {
		return nil
	}
	return err
}

var errStopIteration = fmt.Errorf("store: iteration stopped")
