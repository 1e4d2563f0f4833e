// Package jsoncodec is the single JSON encoding/decoding entry point used by
// the gateway and worker. Centralizing it on sonic keeps envelope decoding,
// canonical fingerprinting, and inflight-record marshaling consistent.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

// Marshal encodes v using the default codec configuration.
func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

// Unmarshal decodes data into v using the default codec configuration.
func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// Decode streams JSON from r into v.
func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}
