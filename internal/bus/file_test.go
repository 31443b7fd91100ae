package bus

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileAdapter_IgnoresOwnWrites(t *testing.T) {
	dir := t.TempDir()

	writer, err := NewFileAdapter(dir, quietLogger())
	require.NoError(t, err)
	defer writer.Close()
	reader, err := NewFileAdapter(dir, quietLogger())
	require.NoError(t, err)
	defer reader.Close()

	var own, other atomic.Int64
	_, _ = writer.Subscribe(func(Signal) { own.Add(1) })
	_, _ = reader.Subscribe(func(Signal) { other.Add(1) })

	require.NoError(t, writer.Publish(context.Background(), Signal{Intent: IntentPull, UserID: "u1", Nonce: "n1"}))

	require.Eventually(t, func() bool { return other.Load() == 1 }, waitFor, tick)
	assert.Equal(t, int64(0), own.Load())

	data, err := os.ReadFile(filepath.Join(dir, "pull.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"nonce":"n1"`)
}

func TestFileAdapter_SkipsMalformedAndForeignFiles(t *testing.T) {
	dir := t.TempDir()

	reader, err := NewFileAdapter(dir, quietLogger())
	require.NoError(t, err)
	defer reader.Close()

	var got atomic.Int64
	_, _ = reader.Subscribe(func(Signal) { got.Add(1) })

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.json"), []byte(`{}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "push.json"), []byte(`garbage`), 0644))

	writer, err := NewFileAdapter(dir, quietLogger())
	require.NoError(t, err)
	defer writer.Close()
	require.NoError(t, writer.Publish(context.Background(), Signal{Intent: IntentPush, Nonce: "n2"}))

	require.Eventually(t, func() bool { return got.Load() == 1 }, waitFor, tick)
}

func TestFileAdapter_ClosedRejectsPublish(t *testing.T) {
	a, err := NewFileAdapter(t.TempDir(), quietLogger())
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	assert.Error(t, a.Publish(context.Background(), Signal{Intent: IntentPull}))
	_, err = a.Subscribe(func(Signal) {})
	assert.Error(t, err)
}
