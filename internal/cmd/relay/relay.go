// Package relay parses relay command flags and composes transport entrypoints.
package relay

import (
	"context"
	"flag"
	"fmt"

	entrypoint "github.com/duoset/duoset/internal/platform/cmd"
	server "github.com/duoset/duoset/internal/services/relay/app"
)

// Config holds relay command configuration.
type Config struct {
	HTTPAddr           string `env:"DUOSET_RELAY_HTTP_ADDR"             envDefault:":8087"`
	StorePath          string `env:"DUOSET_RELAY_STORE_PATH"            envDefault:"duoset.db"`
	JoinGrantIssuer    string `env:"DUOSET_RELAY_JOIN_GRANT_ISSUER"`
	JoinGrantAudience  string `env:"DUOSET_RELAY_JOIN_GRANT_AUDIENCE"`
	JoinGrantPublicKey string `env:"DUOSET_RELAY_JOIN_GRANT_PUBLIC_KEY"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "relay HTTP listen address")
	fs.StringVar(&cfg.StorePath, "store-path", cfg.StorePath, "session state SQLite path")
	fs.StringVar(&cfg.JoinGrantIssuer, "join-grant-issuer", cfg.JoinGrantIssuer, "expected join grant issuer")
	fs.StringVar(&cfg.JoinGrantAudience, "join-grant-audience", cfg.JoinGrantAudience, "expected join grant audience")
	fs.StringVar(&cfg.JoinGrantPublicKey, "join-grant-public-key", cfg.JoinGrantPublicKey, "base64 ed25519 join grant public key")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the relay app and serves session coordination traffic.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRelay, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:           cfg.HTTPAddr,
			StorePath:          cfg.StorePath,
			JoinGrantIssuer:    cfg.JoinGrantIssuer,
			JoinGrantAudience:  cfg.JoinGrantAudience,
			JoinGrantPublicKey: cfg.JoinGrantPublicKey,
		}); err != nil {
			return fmt.Errorf("serve relay: %w", err)
		}
		return nil
	})
}
