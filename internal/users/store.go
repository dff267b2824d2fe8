// Package users is the flat-file credential store.
package users

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"whatsapp-relay/internal/common"
)

// DefaultCost is the bcrypt cost used by the operator tool.
const DefaultCost = 10

// User is one entry of the users file.
type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash"`
}

// Key is the identity key of a username.
func Key(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// FileStore reads users from a JSON file and reloads it when the file changes,
// so users added by the operator tool are picked up without a restart.
type FileStore struct {
	path string

	mu      sync.Mutex
	users   map[string]User
	modTime time.Time
	size    int64
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, users: map[string]User{}}
}

// Path returns the location of the users file.
func (s *FileStore) Path() string { return s.path }

// Load reads the file once. A missing file is an empty store.
func (s *FileStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refresh()
}

// Find looks a user up by case-insensitive username.
// File errors are reported as common.ErrServiceUnavailable.
func (s *FileStore) Find(username string) (User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refresh(); err != nil {
		return User{}, false, fmt.Errorf("%w: %v", common.ErrServiceUnavailable, err)
	}
	u, ok := s.users[Key(username)]
	return u, ok, nil
}

// Count returns the number of known users.
func (s *FileStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// Upsert creates or replaces a user with a freshly hashed password and
// writes the file back. It reports whether the user was new.
func (s *FileStore) Upsert(username, password string, cost int) (bool, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return false, errors.New("username and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return false, fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refresh(); err != nil {
		return false, err
	}

	key := Key(username)
	_, exists := s.users[key]
	s.users[key] = User{Username: username, PasswordHash: string(hash)}

	if err := s.write(); err != nil {
		return false, err
	}
	return !exists, nil
}

// refresh rereads the file when its size or mtime changed. Callers hold mu.
func (s *FileStore) refresh() error {
	info, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.users = map[string]User{}
		s.modTime, s.size = time.Time{}, 0
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat users file: %w", err)
	}
	if info.ModTime().Equal(s.modTime) && info.Size() == s.size {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read users file: %w", err)
	}

	var list []User
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("parse users file: %w", err)
		}
	}

	users := make(map[string]User, len(list))
	for _, u := range list {
		if u.Username == "" || u.PasswordHash == "" {
			continue
		}
		users[Key(u.Username)] = u
	}

	s.users = users
	s.modTime, s.size = info.ModTime(), info.Size()
	return nil
}

func (s *FileStore) write() error {
	list := make([]User, 0, len(s.users))
	for _, u := range s.users {
		list = append(list, u)
	}
	slices.SortFunc(list, func(a, b User) int {
		return strings.Compare(Key(a.Username), Key(b.Username))
	})

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("encode users: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create users dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write users file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace users file: %w", err)
	}

	// force the next refresh to pick up the new file
	s.modTime, s.size = time.Time{}, 0
	return nil
}
