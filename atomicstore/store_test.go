package atomicstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStore_WriteReadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	s := New(nil)
	path := filepath.Join(dir, "nested", "contract.json")

	require.NoError(t, s.Write(path, []byte(`{"task_id":"T-1"}`)))

	data, err := s.Read(path)
	require.NoError(t, err)
	require.JSONEq(t, `{"task_id":"T-1"}`, string(data))
}

func TestStore_Write_NoTmpSiblingLeftBehind(t *testing.T) {
	dir := t.TempDir()
	s := New(nil)
	path := filepath.Join(dir, "contract.json")

	require.NoError(t, s.Write(path, []byte("v1")))
	require.NoError(t, s.Write(path, []byte("v2")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "only the final file should remain, no .tmp siblings")
}

func TestStore_Read_MissingFileReturnsNotExist(t *testing.T) {
	s := New(nil)
	_, err := s.Read(filepath.Join(t.TempDir(), "absent.json"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestStore_Append_WritesNewlineTerminatedRecords(t *testing.T) {
	dir := t.TempDir()
	s := New(nil)
	path := filepath.Join(dir, "transition.ndjson")

	require.NoError(t, s.Append(path, []byte(`{"event":"a"}`)))
	require.NoError(t, s.Append(path, []byte(`{"event":"b"}`)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Equal(t, []string{`{"event":"a"}`, `{"event":"b"}`}, lines)
}

func TestStore_Append_RotatesWhenOverCap(t *testing.T) {
	dir := t.TempDir()
	s := New(nil, WithRotateBytes(32), WithRetention(2))
	path := filepath.Join(dir, "transition.ndjson")

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Append(path, []byte(strings.Repeat("x", 10))))
	}

	require.FileExists(t, path)
	require.FileExists(t, path+".1")

	_, err := os.Stat(path + ".3")
	require.True(t, os.IsNotExist(err), "retention cap of 2 should not keep a third generation")
}

func TestCleanStale_RemovesLeftoverTmp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "contract.json")
	require.NoError(t, os.WriteFile(path+".tmp", []byte("partial"), 0o644))

	require.NoError(t, CleanStale(path))
	_, err := os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestCleanStale_NoOpWhenAbsent(t *testing.T) {
	require.NoError(t, CleanStale(filepath.Join(t.TempDir(), "contract.json")))
}
