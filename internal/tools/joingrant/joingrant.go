// Package joingrant provides one-shot utilities for relay join grants: key
// pair generation and grant signing.
package joingrant

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Run generates a join grant key pair and writes exports.
func Run(out io.Writer, reader io.Reader) error {
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}
	publicKey, privateKey, err := ed25519.GenerateKey(reader)
	if err != nil {
		return fmt.Errorf("generate join grant key: %w", err)
	}
	if _, err := fmt.Fprintf(out, "export DUOSET_RELAY_JOIN_GRANT_PRIVATE_KEY=%s\n", base64.RawStdEncoding.EncodeToString(privateKey)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "export DUOSET_RELAY_JOIN_GRANT_PUBLIC_KEY=%s\n", base64.RawStdEncoding.EncodeToString(publicKey)); err != nil {
		return err
	}
	return nil
}

// SignRequest describes the grant to mint.
type SignRequest struct {
	PrivateKey    string
	Issuer        string
	Audience      string
	SessionID     string
	ParticipantID string
	TTL           time.Duration
	Now           func() time.Time
}

type grantClaims struct {
	jwt.RegisteredClaims
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
}

// Sign mints a signed join grant and writes it to out.
func Sign(out io.Writer, req SignRequest) error {
	if out == nil {
		return errors.New("output is required")
	}
	encoded := strings.TrimSpace(req.PrivateKey)
	if encoded == "" {
		return errors.New("private key is required")
	}
	raw, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		raw, err = base64.StdEncoding.DecodeString(encoded)
	}
	if err != nil {
		return fmt.Errorf("decode private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return fmt.Errorf("private key must be %d bytes", ed25519.PrivateKeySize)
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		return errors.New("session id is required")
	}
	participantID := strings.TrimSpace(req.ParticipantID)
	if participantID == "" {
		return errors.New("participant id is required")
	}
	now := req.Now
	if now == nil {
		now = time.Now
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	issued := now().UTC()
	claims := grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    strings.TrimSpace(req.Issuer),
			Audience:  jwt.ClaimStrings{strings.TrimSpace(req.Audience)},
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(ttl)),
		},
		SessionID:     sessionID,
		ParticipantID: participantID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(ed25519.PrivateKey(raw))
	if err != nil {
		return fmt.Errorf("sign join grant: %w", err)
	}
	_, err = fmt.Fprintln(out, signed)
	return err
}
