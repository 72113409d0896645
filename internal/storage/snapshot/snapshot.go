package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/sensorcache/config"
	"github.com/xtxerr/sensorcache/internal/logging"
	"github.com/xtxerr/sensorcache/internal/metrics"
	"github.com/xtxerr/sensorcache/internal/storage/fieldstore"
	"github.com/xtxerr/sensorcache/internal/storage/types"
)

var log = logging.Component("snapshot")

// readChunk is the number of rows decoded per read.
const readChunk = 4096

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType
}

// DefaultOptions returns default snapshot options.
func DefaultOptions() Options {
	return Options{Compression: CompressionZstd}
}

// =============================================================================
// Save / Load
// =============================================================================

// Save writes every field of store to path and returns the number of samples
// written. The file is replaced atomically; a failed save leaves the previous
// snapshot in place.
func Save(path string, store *fieldstore.Store, opts Options) (int, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp) // no-op after a successful rename

	writer := parquet.NewGenericWriter[SampleRow](f,
		parquet.Compression(getCompression(opts.Compression)),
	)

	written := 0
	var writeErr error
	rows := make([]SampleRow, 0, readChunk)
	store.Each(func(field string, samples []types.Sample) bool {
		rows = rows[:0]
		for _, s := range samples {
			rows = append(rows, SampleToRow(field, s))
		}
		n, err := writer.Write(rows)
		written += n
		if err != nil {
			writeErr = fmt.Errorf("write field %s: %w", field, err)
			return false
		}
		return true
	})
	if writeErr != nil {
		writer.Close()
		f.Close()
		return 0, writeErr
	}

	if err := writer.Close(); err != nil {
		f.Close()
		return 0, fmt.Errorf("close writer: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, fmt.Errorf("sync: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("rename: %w", err)
	}

	return written, nil
}

// Load appends the samples stored at path to store and returns how many were
// stored. A missing file loads nothing.
func Load(path string, store *fieldstore.Store) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat file: %w", err)
	}
	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return 0, fmt.Errorf("open parquet: %w", err)
	}

	reader := parquet.NewGenericReader[SampleRow](pf)
	defer reader.Close()

	loaded := 0
	rows := make([]SampleRow, readChunk)
	for {
		n, err := reader.Read(rows)
		if n > 0 {
			batch := make(types.Batch)
			for i := 0; i < n; i++ {
				field, s := RowToSample(&rows[i])
				if s, ok := s.Sanitize(); ok {
					batch.Add(field, s)
				}
			}
			loaded += store.AppendBatch(batch)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return loaded, fmt.Errorf("read rows: %w", err)
		}
	}

	return loaded, nil
}

// =============================================================================
// Saver
// =============================================================================

// Saver snapshots a store periodically.
type Saver struct {
	path     string
	store    *fieldstore.Store
	interval time.Duration
	opts     Options
	metrics  *metrics.Metrics
}

// NewSaver creates a saver. m may be nil.
func NewSaver(path string, store *fieldstore.Store, interval time.Duration, opts Options, m *metrics.Metrics) *Saver {
	if interval <= 0 {
		interval = config.DefaultSnapshotInterval
	}
	return &Saver{
		path:     path,
		store:    store,
		interval: interval,
		opts:     opts,
		metrics:  m,
	}
}

// Run saves every interval until ctx is cancelled, then saves once more.
func (s *Saver) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SaveNow()
		case <-ctx.Done():
			return s.SaveNow()
		}
	}
}

// SaveNow writes a snapshot immediately.
func (s *Saver) SaveNow() error {
	start := time.Now()
	n, err := Save(s.path, s.store, s.opts)
	s.metrics.RecordSnapshot(err)
	if err != nil {
		log.Error("snapshot failed", "path", s.path, "error", err)
		return err
	}
	log.Info("snapshot written", "path", s.path, "samples", n, "duration", time.Since(start))
	return nil
}
