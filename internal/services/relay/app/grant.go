package server

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/duoset/duoset/internal/platform/errors"
)

// ErrJoinGrantInvalid indicates a missing, malformed, expired, or mismatched
// join grant.
var ErrJoinGrantInvalid = apperrors.New(apperrors.CodeJoinGrantInvalid, "join grant is invalid")

// JoinGrantConfig defines how join grants are verified. A zero config
// disables verification.
type JoinGrantConfig struct {
	Issuer   string
	Audience string
	Key      ed25519.PublicKey
	Now      func() time.Time
}

// Enabled reports whether grant verification is configured.
func (c JoinGrantConfig) Enabled() bool {
	return len(c.Key) == ed25519.PublicKeySize
}

// joinGrantClaims is the internal claims type used for JWT parsing.
type joinGrantClaims struct {
	jwt.RegisteredClaims
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
}

// parseJoinGrantKey decodes a base64 ed25519 public key.
func parseJoinGrantKey(encoded string) (ed25519.PublicKey, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(encoded)
	}
	if err != nil {
		return nil, fmt.Errorf("decode join grant public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("join grant public key must be %d bytes", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// verifyJoinGrant checks the grant signature and matches the embedded session
// and participant identity against the joining connection.
func verifyJoinGrant(grant, sessionID, participantID string, cfg JoinGrantConfig) error {
	grant = strings.TrimSpace(grant)
	if grant == "" {
		return ErrJoinGrantInvalid
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	var parsed joinGrantClaims
	_, err := jwt.ParseWithClaims(grant, &parsed, func(token *jwt.Token) (any, error) {
		return cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeJoinGrantInvalid, "join grant is invalid", err)
	}

	if cfg.Issuer != "" && parsed.Issuer != cfg.Issuer {
		return apperrors.WithMetadata(apperrors.CodeJoinGrantInvalid, "join grant issuer mismatch", map[string]string{"Field": "issuer"})
	}
	if cfg.Audience != "" && !audienceContains(parsed.Audience, cfg.Audience) {
		return apperrors.WithMetadata(apperrors.CodeJoinGrantInvalid, "join grant audience mismatch", map[string]string{"Field": "audience"})
	}

	if parsed.ExpiresAt == nil {
		return apperrors.New(apperrors.CodeJoinGrantInvalid, "join grant exp is required")
	}
	if !parsed.ExpiresAt.Time.UTC().After(now().UTC()) {
		return apperrors.New(apperrors.CodeJoinGrantInvalid, "join grant is expired")
	}
	if parsed.NotBefore != nil && parsed.NotBefore.Time.UTC().After(now().UTC()) {
		return apperrors.New(apperrors.CodeJoinGrantInvalid, "join grant is not yet valid")
	}

	if strings.TrimSpace(parsed.SessionID) == "" || parsed.SessionID != sessionID {
		return apperrors.WithMetadata(apperrors.CodeJoinGrantInvalid, "join grant session mismatch", map[string]string{"Field": "session_id"})
	}
	if strings.TrimSpace(parsed.ParticipantID) == "" || parsed.ParticipantID != participantID {
		return apperrors.WithMetadata(apperrors.CodeJoinGrantInvalid, "join grant participant mismatch", map[string]string{"Field": "participant_id"})
	}
	return nil
}

func audienceContains(audience jwt.ClaimStrings, want string) bool {
	for _, value := range audience {
		if value == want {
			return true
		}
	}
	return false
}
