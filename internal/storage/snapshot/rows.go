package snapshot

import (
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/sensorcache/internal/storage/types"
)

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// ParseCompressionType parses a compression type string. Unknown names
// select zstd.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// SampleRow is one sample in Parquet form. Kind holds types.Kind; only the
// column matching it is meaningful.
type SampleRow struct {
	Field     string  `parquet:"field,dict"`
	Timestamp float64 `parquet:"timestamp"`
	Kind      int32   `parquet:"kind"`
	Number    float64 `parquet:"number"`
	Text      string  `parquet:"text"`
}

// SampleToRow converts a sample of field to a SampleRow.
func SampleToRow(field string, s types.Sample) SampleRow {
	row := SampleRow{
		Field:     field,
		Timestamp: s.Timestamp,
		Kind:      int32(s.Value.Kind),
	}
	switch s.Value.Kind {
	case types.KindNumber:
		row.Number = s.Value.Num
	case types.KindText:
		row.Text = s.Value.Str
	}
	return row
}

// RowToSample converts a SampleRow back to a field name and sample.
func RowToSample(r *SampleRow) (string, types.Sample) {
	var v types.Value
	switch types.Kind(r.Kind) {
	case types.KindNumber:
		v = types.Number(r.Number)
	case types.KindText:
		v = types.Text(r.Text)
	default:
		v = types.Null()
	}
	return r.Field, types.NewSample(r.Timestamp, v)
}
