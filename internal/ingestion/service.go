// Package ingestion accepts field batches from writers and appends them to the
// field store, then notifies the subscription hub which fields changed.
//
// The service is stateless per batch: a batch can be retried after a failure,
// but nothing deduplicates it, so writers must not double-send.
package ingestion

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/sensorcache/config"
	"github.com/xtxerr/sensorcache/internal/errors"
	"github.com/xtxerr/sensorcache/internal/logging"
	"github.com/xtxerr/sensorcache/internal/metrics"
	"github.com/xtxerr/sensorcache/internal/storage/fieldstore"
	"github.com/xtxerr/sensorcache/internal/storage/types"
	"github.com/xtxerr/sensorcache/internal/validation"
	"github.com/xtxerr/sensorcache/internal/wire"
)

var log = logging.Component("ingestion")

// Notifier is told which fields received new samples.
// Notify must not block.
type Notifier interface {
	Notify(fields []string)
}

// Config configures the ingestion service.
type Config struct {
	// MaxAge evicts samples older than now-MaxAge. Zero disables age-based
	// eviction; the per-field capacity cap always applies.
	MaxAge time.Duration

	// EvictInterval is how often the housekeeping worker runs.
	EvictInterval time.Duration
}

// Service appends batches to the store.
type Service struct {
	store    *fieldstore.Store
	notifier Notifier
	metrics  *metrics.Metrics
	config   Config

	// State
	running atomic.Bool
	stopped atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Statistics
	stats Stats
}

// Stats holds ingestion statistics.
type Stats struct {
	BatchesProcessed atomic.Int64
	SamplesAccepted  atomic.Int64
	SamplesSkipped   atomic.Int64
	SamplesDropped   atomic.Int64
	SamplesEvicted   atomic.Int64
	InvalidFields    atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	BatchesProcessed int64 `json:"batches_processed"`
	SamplesAccepted  int64 `json:"samples_accepted"`
	SamplesSkipped   int64 `json:"samples_skipped"`
	SamplesDropped   int64 `json:"samples_dropped"`
	SamplesEvicted   int64 `json:"samples_evicted"`
	InvalidFields    int64 `json:"invalid_fields"`
}

// Result describes what happened to one batch.
type Result struct {
	// Accepted is the number of samples stored.
	Accepted int `json:"accepted"`

	// Skipped counts malformed samples (bad pair shape or timestamp).
	Skipped int `json:"skipped"`

	// Dropped counts late samples older than everything a full field retains.
	Dropped int `json:"dropped"`

	// InvalidFields lists rejected field names; their samples are not stored.
	InvalidFields []string `json:"invalid_fields,omitempty"`

	// Fields lists the fields that received samples.
	Fields []string `json:"fields,omitempty"`
}

// New creates an ingestion service. notifier and m may be nil.
func New(store *fieldstore.Store, notifier Notifier, m *metrics.Metrics, cfg Config) *Service {
	if cfg.EvictInterval <= 0 {
		cfg.EvictInterval = config.DefaultEvictInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		store:    store,
		notifier: notifier,
		metrics:  m,
		config:   cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetNotifier sets the fan-out target. Call before Start.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// Start starts the housekeeping worker.
func (s *Service) Start() error {
	if s.stopped.Load() {
		return errors.ErrServiceStopped
	}
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("ingestion service already running")
	}

	s.wg.Add(1)
	go s.housekeepingWorker()

	log.Info("ingestion service started",
		"max_age", s.config.MaxAge,
		"evict_interval", s.config.EvictInterval)
	return nil
}

// Stop stops the service. Later batches fail with errors.ErrServiceStopped.
func (s *Service) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	s.running.Store(false)
	s.cancel()
	s.wg.Wait()

	log.Info("ingestion service stopped",
		"batches", s.stats.BatchesProcessed.Load(),
		"samples", s.stats.SamplesAccepted.Load())
	return nil
}

// Ingest appends a batch received through an in-process call.
func (s *Service) Ingest(ctx context.Context, batch types.Batch) (Result, error) {
	return s.IngestFrom(ctx, metrics.TransportInternal, batch)
}

// IngestFrom appends a batch received on the given transport.
func (s *Service) IngestFrom(ctx context.Context, transport string, batch types.Batch) (Result, error) {
	return s.ingest(ctx, transport, batch, 0)
}

// IngestJSON decodes and appends a JSON batch {field: [[ts, value], ...]}.
func (s *Service) IngestJSON(ctx context.Context, transport string, raw []byte) (Result, error) {
	batch, skipped, err := wire.ParseBatch(raw)
	if err != nil {
		s.metrics.RecordBatch(transport, 0, 0, err)
		return Result{}, err
	}
	return s.ingest(ctx, transport, batch, skipped)
}

// IngestMap appends an already decoded batch object, e.g. from a protobuf
// Struct.
func (s *Service) IngestMap(ctx context.Context, transport string, obj map[string]any) (Result, error) {
	batch, skipped, err := wire.DecodeBatch(obj)
	if err != nil {
		s.metrics.RecordBatch(transport, 0, 0, err)
		return Result{}, err
	}
	return s.ingest(ctx, transport, batch, skipped)
}

func (s *Service) ingest(ctx context.Context, transport string, batch types.Batch, skipped int) (Result, error) {
	if s.stopped.Load() {
		return Result{}, errors.ErrServiceStopped
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	res := Result{Skipped: skipped}
	touched := make([]string, 0, len(batch))

	for field, samples := range batch {
		if err := validation.ValidateFieldName(field); err != nil {
			res.InvalidFields = append(res.InvalidFields, field)
			res.Skipped += len(samples)
			log.Debug("rejected field", "field", field, "error", err)
			continue
		}

		stored := 0
		for _, sample := range samples {
			sample, ok := sample.Sanitize()
			if !ok {
				res.Skipped++
				continue
			}
			if s.store.Append(field, sample) {
				stored++
			} else {
				res.Dropped++
			}
		}
		res.Accepted += stored
		if stored > 0 {
			touched = append(touched, field)
		}
	}
	res.Fields = touched

	s.stats.BatchesProcessed.Add(1)
	s.stats.SamplesAccepted.Add(int64(res.Accepted))
	s.stats.SamplesSkipped.Add(int64(res.Skipped))
	s.stats.SamplesDropped.Add(int64(res.Dropped))
	s.stats.InvalidFields.Add(int64(len(res.InvalidFields)))

	s.metrics.RecordBatch(transport, res.Accepted, res.Skipped, nil)
	s.metrics.RecordDropped(res.Dropped)

	if len(touched) > 0 && s.notifier != nil {
		s.notifier.Notify(touched)
	}

	if res.Skipped > 0 || len(res.InvalidFields) > 0 {
		log.Debug("batch partially accepted",
			"transport", transport,
			"accepted", res.Accepted,
			"skipped", res.Skipped,
			"invalid_fields", len(res.InvalidFields))
	}

	return res, nil
}

// housekeepingWorker evicts aged samples and refreshes the fields gauge.
func (s *Service) housekeepingWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.EvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.EvictExpired()
			s.metrics.SetFields(len(s.store.Fields()))
		}
	}
}

// EvictExpired removes samples older than now-MaxAge from every field.
// Returns the number of samples evicted (0 when MaxAge is unset).
func (s *Service) EvictExpired() int {
	if s.config.MaxAge <= 0 {
		return 0
	}

	cutoff := s.store.Now() - s.config.MaxAge.Seconds()
	evicted := s.store.EvictOlderThan(cutoff)
	if evicted > 0 {
		s.stats.SamplesEvicted.Add(int64(evicted))
		s.metrics.RecordEvicted(evicted)
		log.Debug("evicted aged samples", "count", evicted, "cutoff", cutoff)
	}
	return evicted
}

// Stats returns a snapshot of the ingestion statistics.
func (s *Service) Stats() StatsSnapshot {
	return StatsSnapshot{
		BatchesProcessed: s.stats.BatchesProcessed.Load(),
		SamplesAccepted:  s.stats.SamplesAccepted.Load(),
		SamplesSkipped:   s.stats.SamplesSkipped.Load(),
		SamplesDropped:   s.stats.SamplesDropped.Load(),
		SamplesEvicted:   s.stats.SamplesEvicted.Load(),
		InvalidFields:    s.stats.InvalidFields.Load(),
	}
}

// IsRunning returns whether the housekeeping worker is running.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}
