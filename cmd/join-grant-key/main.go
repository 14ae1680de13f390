// Package main provides a one-shot utility for relay join grants.
//
// Without flags it emits the asymmetric keypair used by relay join checks.
// With -sign it mints a grant scoped to one session and participant.
package main

import (
	"flag"
	"os"
	"time"

	"github.com/duoset/duoset/internal/platform/config"
	"github.com/duoset/duoset/internal/tools/joingrant"
)

func main() {
	sign := flag.Bool("sign", false, "mint a join grant instead of generating keys")
	privateKey := flag.String("private-key", os.Getenv("DUOSET_RELAY_JOIN_GRANT_PRIVATE_KEY"), "base64 ed25519 private key")
	issuer := flag.String("issuer", "", "grant issuer claim")
	audience := flag.String("audience", "", "grant audience claim")
	sessionID := flag.String("session", "", "session id the grant is scoped to")
	participantID := flag.String("participant", "", "participant id the grant is scoped to")
	ttl := flag.Duration("ttl", time.Hour, "grant lifetime")
	flag.Parse()

	if !*sign {
		if err := joingrant.Run(os.Stdout, nil); err != nil {
			config.Exitf("generate join grant key: %v", err)
		}
		return
	}

	err := joingrant.Sign(os.Stdout, joingrant.SignRequest{
		PrivateKey:    *privateKey,
		Issuer:        *issuer,
		Audience:      *audience,
		SessionID:     *sessionID,
		ParticipantID: *participantID,
		TTL:           *ttl,
	})
	if err != nil {
		config.Exitf("sign join grant: %v", err)
	}
}
