// Package encoding provides centralized serialization for persisted tablet metadata.
// ALL msgpack operations MUST go through this package so every store writes the
// same framing.
//
// Thread Safety: all functions are safe for concurrent use.
package encoding

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrChecksumMismatch is returned by Open when the payload does not match its checksum.
var ErrChecksumMismatch = errors.New("encoding: checksum mismatch")

// sealFormat is bumped whenever the envelope layout changes.
const sealFormat uint8 = 1

// envelope frames a msgpack payload with its xxhash so torn or corrupted
// records are rejected on load instead of silently decoded.
type envelope struct {
	Format   uint8  `msgpack:"f"`
	Checksum uint64 `msgpack:"c"`
	Payload  []byte `msgpack:"p"`
}

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data.
// When decoding into interface{}, strings are preserved as Go strings (not []byte).
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}

// Seal encodes v and wraps it in a checksummed envelope.
func Seal(v interface{}) ([]byte, error) {
	payload, err := Marshal(v)
	if err != nil {
		return nil, err
	}

	return Marshal(&envelope{
		Format:   sealFormat,
		Checksum: xxhash.Sum64(payload),
		Payload:  payload,
	})
}

// Open verifies an envelope produced by Seal and decodes its payload into v.
func Open(data []byte, v interface{}) error {
	var env envelope
	if err := Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}

	if env.Format != sealFormat {
		return fmt.Errorf("unsupported envelope format %d", env.Format)
	}

	if xxhash.Sum64(env.Payload) != env.Checksum {
		return ErrChecksumMismatch
	}

	return Unmarshal(env.Payload, v)
}
