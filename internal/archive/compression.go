package archive

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm selects the blob compression codec.
type Algorithm string

const (
	AlgorithmNone   Algorithm = "none"
	AlgorithmGzip   Algorithm = "gzip"
	AlgorithmLZ4    Algorithm = "lz4"
	AlgorithmZstd   Algorithm = "zstd"
	AlgorithmBrotli Algorithm = "brotli"
)

// Ext returns the file extension recorded in the stored path.
func (a Algorithm) Ext() string {
	switch a {
	case AlgorithmGzip:
		return ".gz"
	case AlgorithmLZ4:
		return ".lz4"
	case AlgorithmZstd:
		return ".zst"
	case AlgorithmBrotli:
		return ".br"
	default:
		return ""
	}
}

// Valid reports whether the algorithm is one of the registered codecs.
func (a Algorithm) Valid() bool {
	switch a {
	case AlgorithmNone, AlgorithmGzip, AlgorithmLZ4, AlgorithmZstd, AlgorithmBrotli:
		return true
	}
	return false
}

// Compress encodes data with the given codec. maxLevel trades speed for
// ratio: gzip 6/9, lz4 1/9, zstd 3/19, brotli 6/11.
func Compress(algo Algorithm, data []byte, maxLevel bool) ([]byte, error) {
	switch algo {
	case AlgorithmNone:
		return data, nil
	case AlgorithmGzip:
		level := 6
		if maxLevel {
			level = 9
		}
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, fmt.Errorf("gzip writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip close: %w", err)
		}
		return buf.Bytes(), nil
	case AlgorithmLZ4:
		level := lz4.Level1
		if maxLevel {
			level = lz4.Level9
		}
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if err := w.Apply(lz4.CompressionLevelOption(level)); err != nil {
			return nil, fmt.Errorf("lz4 level: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 close: %w", err)
		}
		return buf.Bytes(), nil
	case AlgorithmZstd:
		level := zstd.EncoderLevelFromZstd(3)
		if maxLevel {
			level = zstd.EncoderLevelFromZstd(19)
		}
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		out := enc.EncodeAll(data, nil)
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("zstd close: %w", err)
		}
		return out, nil
	case AlgorithmBrotli:
		level := 6
		if maxLevel {
			level = 11
		}
		var buf bytes.Buffer
		w := brotli.NewWriterLevel(&buf, level)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("brotli compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("brotli close: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", algo)
	}
}

// Decompress decodes data previously encoded with the given codec.
func Decompress(algo Algorithm, data []byte) ([]byte, error) {
	switch algo {
	case AlgorithmNone:
		return data, nil
	case AlgorithmGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		return out, nil
	case AlgorithmLZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return out, nil
	case AlgorithmZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	case AlgorithmBrotli:
		out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("brotli decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", algo)
	}
}
