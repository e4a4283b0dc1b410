package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caravel-io/caravel/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_ReadMissingFile(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "state.json"))

	st, err := m.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Version)
	assert.Equal(t, 0, st.Serial)
	assert.NotEmpty(t, st.Lineage, "fresh state gets a lineage")
	assert.Empty(t, st.Resources)
}

func TestManager_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	m := NewManager(path)
	ctx := context.Background()

	st := &ir.State{
		Version: 1,
		Serial:  3,
		Resources: []*ir.ResourceState{
			{
				Type:         "aws:EC2.Vpc",
				Name:         "main",
				Provider:     "aws",
				Inputs:       map[string]any{"cidrBlock": "10.0.0.0/16"},
				Outputs:      map[string]any{"id": "vpc-123"},
				Dependencies: []string{},
			},
		},
		Outputs: map[string]any{"vpc_id": "vpc-123"},
	}

	require.NoError(t, m.Write(ctx, st))
	assert.NotEmpty(t, st.Lineage, "write assigns a lineage")

	loaded, err := m.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, st.Serial, loaded.Serial)
	assert.Equal(t, st.Lineage, loaded.Lineage)
	require.Len(t, loaded.Resources, 1)
	assert.Equal(t, "vpc-123", loaded.Resources[0].Outputs["id"])
	assert.Equal(t, "vpc-123", loaded.Outputs["vpc_id"])
}

func TestManager_EncryptedRoundTrip(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "test-key-for-state-encryption")

	path := filepath.Join(t.TempDir(), "state.json")
	m := NewManager(path)
	ctx := context.Background()

	st := &ir.State{
		Version:   1,
		Resources: []*ir.ResourceState{{Type: "null_resource", Name: "a", Provider: "null"}},
	}
	require.NoError(t, m.Write(ctx, st))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, IsEncrypted(raw))
	assert.NotContains(t, string(raw), "null_resource")

	loaded, err := m.Read(ctx)
	require.NoError(t, err)
	require.Len(t, loaded.Resources, 1)
	assert.Equal(t, "a", loaded.Resources[0].Name)
}

func TestManager_LockConflict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	m := NewManager(path)

	require.NoError(t, m.Lock())
	defer m.Unlock()

	other := NewManager(path)
	err := other.Lock()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked by another process")
}

func TestManager_StaleLockReclaimed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	m := NewManager(path)

	require.NoError(t, m.Lock())
	old := time.Now().Add(-staleLockAge - time.Minute)
	require.NoError(t, os.Chtimes(m.lockPath(), old, old))

	other := NewManager(path)
	assert.NoError(t, other.Lock())
	other.Unlock()
}

func TestManager_UnlockIdempotent(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "state.json"))
	assert.NoError(t, m.Unlock())
}

func TestNewBackend(t *testing.T) {
	b, err := NewBackend(&BackendConfig{
		Type:   "local",
		Config: map[string]string{"path": filepath.Join(t.TempDir(), "s.json")},
	})
	require.NoError(t, err)
	assert.NotNil(t, b)

	_, err = NewBackend(&BackendConfig{Type: "gcs"})
	require.Error(t, err)

	_, err = NewBackend(nil)
	require.Error(t, err)
}
