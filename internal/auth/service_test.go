package auth

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"whatsapp-relay/internal/common"
	"whatsapp-relay/internal/users"
)

var testSecret = []byte("test-secret")

func newTestService(t *testing.T, creds map[string]string) *Service {
	t.Helper()
	store := users.NewFileStore(filepath.Join(t.TempDir(), "users.json"))
	for u, p := range creds {
		_, err := store.Upsert(u, p, bcrypt.MinCost)
		require.NoError(t, err)
	}
	return NewService(store, testSecret, time.Hour, nil)
}

func TestLoginVerify_RoundTrip(t *testing.T) {
	creds := map[string]string{
		"Comercial": "Comercial@2025",
		"alice":     "s3cret",
		"Bob.Smith": "pässwörd",
	}
	s := newTestService(t, creds)

	for user, pass := range creds {
		token, err := s.Login(user, pass)
		require.NoError(t, err, user)

		got, err := s.Verify(token)
		require.NoError(t, err, user)
		assert.Equal(t, user, got)
	}
}

func TestLogin_CaseInsensitiveUsername(t *testing.T) {
	s := newTestService(t, map[string]string{"Comercial": "Comercial@2025"})

	token, err := s.Login("COMERCIAL", "Comercial@2025")
	require.NoError(t, err)

	got, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "Comercial", got)
}

func TestLogin_NoEnumeration(t *testing.T) {
	s := newTestService(t, map[string]string{"alice": "s3cret"})

	_, wrongPass := s.Login("alice", "nope")
	_, noUser := s.Login("mallory", "s3cret")

	assert.ErrorIs(t, wrongPass, common.ErrInvalidCredentials)
	assert.Equal(t, wrongPass, noUser)
	assert.Equal(t, wrongPass.Error(), noUser.Error())
}

func TestLogin_InvalidInput(t *testing.T) {
	s := newTestService(t, map[string]string{"alice": "s3cret"})

	_, err := s.Login("", "s3cret")
	assert.ErrorIs(t, err, common.ErrInvalidCredentials)

	_, err = s.Login("alice", strings.Repeat("x", MaxFieldLength+1))
	assert.ErrorIs(t, err, common.ErrInvalidCredentials)
}

type brokenFinder struct{}

func (brokenFinder) Find(string) (users.User, bool, error) {
	return users.User{}, false, errors.New("disk on fire")
}

func TestLogin_StoreUnavailable(t *testing.T) {
	s := NewService(brokenFinder{}, testSecret, time.Hour, nil)
	_, err := s.Login("alice", "s3cret")
	assert.ErrorIs(t, err, common.ErrServiceUnavailable)
}

func TestVerify_Expired(t *testing.T) {
	s := newTestService(t, map[string]string{"alice": "s3cret"})
	issued := time.Now().Add(-2 * time.Hour)
	s.now = func() time.Time { return issued }

	token, err := s.Login("alice", "s3cret")
	require.NoError(t, err)

	s.now = time.Now
	_, err = s.Verify(token)
	assert.ErrorIs(t, err, common.ErrTokenExpired)
}

func TestVerify_Invalid(t *testing.T) {
	s := newTestService(t, map[string]string{"alice": "s3cret"})
	token, err := s.Login("alice", "s3cret")
	require.NoError(t, err)

	other := NewService(nil, []byte("another-secret"), time.Hour, nil)
	foreign, err := other.GenerateToken("alice")
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := map[string]string{
		"empty":          "",
		"garbage":        "not.a.token",
		"tampered":       tamper(token),
		"foreign secret": foreign,
		"alg none":       none,
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := s.Verify(tok)
			assert.ErrorIs(t, err, common.ErrTokenInvalid)
		})
	}
}

// tamper flips one character inside the signature.
func tamper(token string) string {
	i := strings.LastIndex(token, ".") + 5
	b := []byte(token)
	if b[i] == 'a' {
		b[i] = 'b'
	} else {
		b[i] = 'a'
	}
	return string(b)
}

func TestLoadSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", ".jwt_secret")

	explicit, err := LoadSecret("from-env", path)
	require.NoError(t, err)
	assert.Equal(t, []byte("from-env"), explicit)
	assert.NoFileExists(t, path)

	generated, err := LoadSecret("", path)
	require.NoError(t, err)
	assert.Len(t, generated, 2*secretBytes)
	assert.FileExists(t, path)

	again, err := LoadSecret("", path)
	require.NoError(t, err)
	assert.Equal(t, generated, again)
}
