package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/civita/formation/internal/infrastructure/clock"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

// Principal is an authenticated participant as asserted by the account
// service's bearer token.
type Principal struct {
	ParticipantID string
	DisplayName   string
	Attributes    map[string]interface{}
}

type participantClaims struct {
	jwt.RegisteredClaims
	Name  string                 `json:"name,omitempty"`
	Attrs map[string]interface{} `json:"attrs,omitempty"`
}

type organizerKey struct {
	name string
	hash []byte
}

// Service verifies participant tokens and organizer keys.
type Service struct {
	secret     []byte
	issuer     string
	organizers []organizerKey
	clock      clock.Clock
	logger     zerolog.Logger
}

// NewService creates an auth service. Organizer entries are bcrypt hashes,
// optionally prefixed with "name=".
func NewService(secret, issuer string, organizerHashes []string, clk clock.Clock, logger zerolog.Logger) *Service {
	s := &Service{
		secret: []byte(secret),
		issuer: issuer,
		clock:  clk,
		logger: logger.With().Str("service", "auth").Logger(),
	}
	for i, entry := range organizerHashes {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name := "organizer-" + strconv.Itoa(i+1)
		if idx := strings.Index(entry, "="); idx > 0 {
			name, entry = entry[:idx], entry[idx+1:]
		}
		s.organizers = append(s.organizers, organizerKey{name: name, hash: []byte(entry)})
	}
	return s
}

// TokensEnabled reports whether a signing secret is configured.
func (s *Service) TokensEnabled() bool {
	return len(s.secret) > 0
}

// OrganizersConfigured reports whether any organizer key is registered.
func (s *Service) OrganizersConfigured() bool {
	return len(s.organizers) > 0
}

// Authenticate validates an HS256 participant token.
func (s *Service) Authenticate(token string) (*Principal, error) {
	if !s.TokensEnabled() {
		return nil, fmt.Errorf("%w: participant tokens are not configured", ErrUnauthenticated)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	var claims participantClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return &Principal{
		ParticipantID: claims.Subject,
		DisplayName:   claims.Name,
		Attributes:    claims.Attrs,
	}, nil
}

// IssueToken signs a participant token. It exists for local tooling; in
// production tokens come from the account service.
func (s *Service) IssueToken(p Principal, ttl time.Duration) (string, error) {
	if !s.TokensEnabled() {
		return "", fmt.Errorf("%w: participant tokens are not configured", ErrUnauthenticated)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := s.clock.Now()
	claims := participantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ParticipantID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:  p.DisplayName,
		Attrs: p.Attributes,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// AuthorizeOrganizer returns the organizer name whose key matches.
func (s *Service) AuthorizeOrganizer(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: missing organizer key", ErrUnauthenticated)
	}
	for _, o := range s.organizers {
		if bcrypt.CompareHashAndPassword(o.hash, []byte(key)) == nil {
			return o.name, nil
		}
	}
	s.logger.Warn().Msg("organizer key rejected")
	return "", fmt.Errorf("%w: unknown organizer key", ErrForbidden)
}

// HashOrganizerKey produces a bcrypt hash for ORGANIZER_KEY_HASHES.
func HashOrganizerKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("key is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
