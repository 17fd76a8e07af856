// Package compress wraps DEFLATE compression with a quality knob. Quality
// maps directly to the flate compression level: lower levels favor speed,
// level 9 favors ratio.
// This package is internal and should not be imported by external projects.
package compress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// Quality bounds accepted by Compress.
const (
	MinQuality = flate.BestSpeed       // 1
	MaxQuality = flate.BestCompression // 9
)

// Compress deflates data at the given quality level.
func Compress(data []byte, quality int) ([]byte, error) {
	if quality < MinQuality || quality > MaxQuality {
		return nil, fmt.Errorf("compression quality %d out of range [%d,%d]", quality, MinQuality, MaxQuality)
	}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, quality)
	if err != nil {
		return nil, fmt.Errorf("create compressor: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("flush compressor: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress inflates data produced by Compress.
func Decompress(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return out, nil
}
