package contract

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/floorline/assemblyline/atomicstore"
)

func TestNewTaskID_Format(t *testing.T) {
	require.Equal(t, "VER-001-VERSION", NewTaskID("ver", 1, "version"))
	require.Equal(t, "MY_PROJ-042-ADD_FLAG", NewTaskID("my-proj", 42, "add flag"))
}

func TestSequencer_MonotonicPerProject(t *testing.T) {
	dir := t.TempDir()
	store := atomicstore.New(nil)
	seq := NewSequencer(store, filepath.Join(dir, "sequence.json"))

	n1, err := seq.Next("VER")
	require.NoError(t, err)
	n2, err := seq.Next("VER")
	require.NoError(t, err)
	n3, err := seq.Next("OTHER")
	require.NoError(t, err)

	require.Equal(t, 1, n1)
	require.Equal(t, 2, n2)
	require.Equal(t, 1, n3)
}

func TestSequencer_PersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sequence.json")
	store := atomicstore.New(nil)

	seq1 := NewSequencer(store, path)
	_, err := seq1.Next("VER")
	require.NoError(t, err)

	seq2 := NewSequencer(store, path)
	n, err := seq2.Next("VER")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
