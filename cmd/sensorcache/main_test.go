package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/sensorcache/internal/storage/types"
)

func TestParseFieldSpecs(t *testing.T) {
	fields, err := parseFieldSpecs([]string{"GPSLat@30", "GPSLon#5", "Heading"})
	require.NoError(t, err)

	s, n := fields["GPSLat"].Resolve()
	assert.Equal(t, 30.0, s)
	assert.Zero(t, n)

	_, n = fields["GPSLon"].Resolve()
	assert.Equal(t, 5, n)

	s, n = fields["Heading"].Resolve()
	assert.Equal(t, 1.0, s)
	assert.Zero(t, n)

	_, err = parseFieldSpecs([]string{"GPSLat@soon"})
	assert.Error(t, err)
	_, err = parseFieldSpecs([]string{"GPSLat#x"})
	assert.Error(t, err)
}

func TestParseAssignments(t *testing.T) {
	b, err := parseAssignments([]string{"GPSLat=34.5", "Status=OK"}, 100)
	require.NoError(t, err)
	assert.Equal(t, types.Number(34.5), b["GPSLat"][0].Value)
	assert.Equal(t, types.Text("OK"), b["Status"][0].Value)
	assert.Equal(t, 100.0, b["Status"][0].Timestamp)

	_, err = parseAssignments([]string{"novalue"}, 100)
	assert.Error(t, err)
	_, err = parseAssignments([]string{"=1"}, 100)
	assert.Error(t, err)
}

func TestReadBatchFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"F":[[1,2],[3]]}`), 0o644))

	b, skipped, err := readBatchFile(nil, path)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	assert.Len(t, b["F"], 1)

	b, _, err = readBatchFile(bytes.NewBufferString(`{"G":[[5,"x"]]}`), "-")
	require.NoError(t, err)
	assert.Equal(t, types.Text("x"), b["G"][0].Value)
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"subscribe", "query", "latest", "stats", "fields", "publish", "shell"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}
