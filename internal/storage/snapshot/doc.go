// Package snapshot persists the field cache to a Parquet file so a restarted
// daemon comes back with its history.
//
// The package provides:
//   - Save/Load for a whole store, written via temp file and rename
//   - Saver, which snapshots periodically and once more on shutdown
//   - Support for multiple compression algorithms (snappy, zstd, lz4, gzip)
package snapshot
