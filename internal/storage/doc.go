// Package storage holds the in-memory sensor field cache and its supporting
// packages.
//
// Layout:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│  Ingestion  │────▶│ Field Store │────▶│  Snapshot   │
//	│   Service   │     │   (Ring)    │     │  (Parquet)  │
//	└─────────────┘     └─────────────┘     └─────────────┘
//	                           │
//	                           ▼
//	                    ┌─────────────┐
//	                    │  Aggregate  │
//	                    │ (DDSketch)  │
//	                    └─────────────┘
//
//   - types: samples, values and batches
//   - buffer: per-field ring buffer ordered by timestamp
//   - fieldstore: named buffers with history and window queries
//   - aggregate: numeric summaries over a window
//   - snapshot: periodic Parquet persistence of the whole store
package storage
