// Package auth issues and verifies session tokens for relay users.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	waLog "go.mau.fi/whatsmeow/util/log"
	"golang.org/x/crypto/bcrypt"

	"whatsapp-relay/internal/common"
	"whatsapp-relay/internal/users"
)

// MaxFieldLength bounds usernames and passwords accepted by Login.
const MaxFieldLength = 128

// DefaultTTL is how long a session token stays valid.
const DefaultTTL = 8 * time.Hour

// compared against when the user does not exist, so both failures cost one bcrypt run
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), users.DefaultCost)

// UserFinder looks users up by case-insensitive username.
type UserFinder interface {
	Find(username string) (users.User, bool, error)
}

// Claims are the token claims; the subject is the stored username.
type Claims struct {
	jwt.RegisteredClaims
}

type Service struct {
	users  UserFinder
	secret []byte
	ttl    time.Duration
	log    waLog.Logger

	now func() time.Time
}

func NewService(finder UserFinder, secret []byte, ttl time.Duration, log waLog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = waLog.Noop
	}
	return &Service{users: finder, secret: secret, ttl: ttl, log: log, now: time.Now}
}

// ValidateInput checks the shape of login fields.
func ValidateInput(username, password string) error {
	if strings.TrimSpace(username) == "" || password == "" {
		return errors.New("username and password are required")
	}
	if len(username) > MaxFieldLength || len(password) > MaxFieldLength {
		return fmt.Errorf("username and password must be at most %d bytes", MaxFieldLength)
	}
	return nil
}

// Login checks the credentials and returns a signed token. Unknown users and
// wrong passwords both return common.ErrInvalidCredentials.
func (s *Service) Login(username, password string) (string, error) {
	if err := ValidateInput(username, password); err != nil {
		return "", common.ErrInvalidCredentials
	}

	user, ok, err := s.users.Find(username)
	if err != nil {
		s.log.Errorf("Credential store unavailable: %v", err)
		return "", common.ErrServiceUnavailable
	}

	hash := dummyHash
	if ok {
		hash = []byte(user.PasswordHash)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil || !ok {
		s.log.Warnf("Failed login for %q", username)
		return "", common.ErrInvalidCredentials
	}

	token, err := s.GenerateToken(user.Username)
	if err != nil {
		return "", err
	}
	s.log.Infof("User %s logged in", user.Username)
	return token, nil
}

// GenerateToken signs a token for username.
func (s *Service) GenerateToken(username string) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})

	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify returns the username a token was issued to.
func (s *Service) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", common.ErrTokenInvalid
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", common.ErrTokenExpired
		}
		return "", common.ErrTokenInvalid
	}

	if !token.Valid || claims.Subject == "" {
		return "", common.ErrTokenInvalid
	}
	return claims.Subject, nil
}
