// Package compress implements the pluggable frame compression the
// streaming transport negotiates per connection (gzip/zstd via
// klauspost/compress, snappy, and lz4), independent of the JSON/BSON
// payload flavor in internal/wire.
package compress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm names one negotiated frame compression scheme.
type Algorithm string

const (
	None   Algorithm = ""
	Gzip   Algorithm = "gzip"
	Zstd   Algorithm = "zstd"
	Snappy Algorithm = "snappy"
	LZ4    Algorithm = "lz4"
)

// Compress compresses data with algo; None returns data unchanged.
func Compress(algo Algorithm, data []byte) ([]byte, error) {
	switch algo {
	case None:
		return data, nil
	case Gzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case Zstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	case Snappy:
		return snappy.Encode(nil, data), nil
	case LZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("compress: unknown algorithm %q", algo)
	}
}

// Decompress reverses Compress.
func Decompress(algo Algorithm, data []byte) ([]byte, error) {
	switch algo {
	case None:
		return data, nil
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case Zstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	case Snappy:
		return snappy.Decode(nil, data)
	case LZ4:
		r := lz4.NewReader(bytes.NewReader(data))
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("decompress: unknown algorithm %q", algo)
	}
}

// Negotiate picks the best algorithm both the client's Accept-Encoding-
// style preference list and the server's supported set agree on,
// preferring the client's first match.
func Negotiate(clientPreferences []Algorithm, serverSupported map[Algorithm]bool) Algorithm {
	for _, want := range clientPreferences {
		if serverSupported[want] {
			return want
		}
	}
	return None
}
