package ingester

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"runtime"
)

// Extract unpacks a yearly history archive into the CSV form the candle
// table accepts: all archive entries concatenated, the instrument UUID
// replaced with its numeric surrogate id, and the producer's trailing
// semicolon before each newline stripped.
func Extract(zipData, uid, id []byte) ([]byte, error) {
	r, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return nil, fmt.Errorf("failed to open history archive: %w", err)
	}

	var buf bytes.Buffer
	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open archive entry %s: %w", f.Name, err)
		}
		if _, err := io.Copy(&buf, rc); err != nil {
			rc.Close()
			return nil, fmt.Errorf("failed to read archive entry %s: %w", f.Name, err)
		}
		rc.Close()
	}

	csv := bytes.ReplaceAll(buf.Bytes(), uid, id)
	csv = bytes.ReplaceAll(csv, []byte(";\n"), []byte("\n"))
	return csv, nil
}

// extractPool bounds concurrent extraction to the CPU count so decompression
// never starves the goroutines driving HTTP and COPY traffic.
type extractPool struct {
	sem chan struct{}
}

func newExtractPool() *extractPool {
	return &extractPool{sem: make(chan struct{}, runtime.GOMAXPROCS(0))}
}

func (p *extractPool) Extract(ctx context.Context, zipData, uid, id []byte) ([]byte, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.sem }()
	return Extract(zipData, uid, id)
}
