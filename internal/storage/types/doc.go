// Package types defines the core data types used throughout the cache.
//
// Key types:
//   - Value: a tagged number/text/null sample value
//   - Sample: one (timestamp, value) observation of a field
//   - Batch: field name to samples, the unit of ingestion
//   - Summary: statistics over a window of one field's numeric samples
package types
