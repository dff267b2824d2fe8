package users

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"whatsapp-relay/internal/common"
)

func TestFileStore_MissingFileIsEmpty(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "users.json"))
	require.NoError(t, s.Load())

	_, ok, err := s.Find("anyone")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Count())
}

func TestFileStore_UpsertAndFind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "users.json")
	s := NewFileStore(path)

	created, err := s.Upsert("Comercial", "Comercial@2025", bcrypt.MinCost)
	require.NoError(t, err)
	assert.True(t, created)

	u, ok, err := s.Find("COMERCIAL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Comercial", u.Username)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte("Comercial@2025")))

	created, err = s.Upsert("comercial", "other", bcrypt.MinCost)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, s.Count())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	var onDisk []User
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Len(t, onDisk, 1)
	assert.Equal(t, "comercial", onDisk[0].Username)
}

func TestFileStore_ReloadsChangedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	s := NewFileStore(path)
	require.NoError(t, s.Load())

	other := NewFileStore(path)
	_, err := other.Upsert("alice", "secret", bcrypt.MinCost)
	require.NoError(t, err)

	_, ok, err := s.Find("Alice")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s := NewFileStore(path)
	assert.Error(t, s.Load())

	_, _, err := s.Find("alice")
	assert.ErrorIs(t, err, common.ErrServiceUnavailable)
}

func TestFileStore_UpsertRequiresFields(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "users.json"))
	_, err := s.Upsert(" ", "pw", bcrypt.MinCost)
	assert.Error(t, err)
	_, err = s.Upsert("bob", "", bcrypt.MinCost)
	assert.Error(t, err)
}
