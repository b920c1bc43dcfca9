package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/Xisisrefliel/skribly-sub000/internal/config"
)

var (
	ErrLinkExpired  = errors.New("link expired")
	ErrBadSignature = errors.New("invalid signature")
)

func SignURL(path string, expiresAt int64, secret string) string {
	signature := computeSignature(path, expiresAt, secret)
	return fmt.Sprintf("%s?exp=%d&sig=%s", path, expiresAt, signature)
}

func ValidateSignature(path string, expiresAt int64, signature, secret string) bool {
	expected := computeSignature(path, expiresAt, secret)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// ShareService issues and checks time-limited links to stored objects.
type ShareService struct {
	secret  string
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

func NewShareService(cfg config.Config) *ShareService {
	return &ShareService{
		secret:  cfg.ShareSecret,
		baseURL: cfg.BaseURL,
		ttl:     cfg.ShareTTL,
		now:     time.Now,
	}
}

func (s *ShareService) Generate(path string) (string, time.Time, error) {
	expiresAt := s.now().Add(s.ttl)
	signedPath := SignURL(path, expiresAt.Unix(), s.secret)

	return s.baseURL + signedPath, expiresAt, nil
}

func (s *ShareService) Validate(path string, expires int64, signature string) bool {
	return ValidateSignature(path, expires, signature, s.secret)
}

// Verify checks expiry before the signature so that stale links report as expired.
func (s *ShareService) Verify(path string, expires int64, signature string) error {
	if expires < s.now().Unix() {
		return ErrLinkExpired
	}
	if !s.Validate(path, expires, signature) {
		return ErrBadSignature
	}
	return nil
}

func computeSignature(path string, expiresAt int64, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(fmt.Sprintf("%s:%d", path, expiresAt)))
	sig := h.Sum(nil)
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(sig)
}
