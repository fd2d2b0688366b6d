// Package config loads and validates runtime configuration from viper,
// which main binds to CLI flags and APP_-prefixed environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the validated runtime configuration.
type Config struct {
	ListenAddr string
	DataDir    string

	NATSURL string

	// Pub/Sub topic watch registrations point at, and the push endpoint
	// audience expected in OIDC tokens on inbound webhooks.
	PubSubTopic  string
	PushAudience string
	VerifyPush   bool

	// External identity provider trust anchors.
	IdPJWKSURL string
	IdPIssuer  string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	GoogleScopes       []string

	SyncWorkers int
	QueueSize   int

	// Empty RedisAddr selects the in-process per-user locker.
	RedisAddr string
	LeaseTTL  time.Duration
}

// Load reads the configuration from viper and validates required fields.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:         viper.GetString("listen-addr"),
		DataDir:            viper.GetString("data-dir"),
		NATSURL:            viper.GetString("nats-url"),
		PubSubTopic:        viper.GetString("pubsub-topic"),
		PushAudience:       viper.GetString("push-audience"),
		VerifyPush:         viper.GetBool("verify-push"),
		IdPJWKSURL:         viper.GetString("idp-jwks-url"),
		IdPIssuer:          viper.GetString("idp-issuer"),
		GoogleClientID:     viper.GetString("google-client-id"),
		GoogleClientSecret: viper.GetString("google-client-secret"),
		GoogleRedirectURL:  viper.GetString("google-redirect-url"),
		GoogleScopes:       viper.GetStringSlice("google-scopes"),
		SyncWorkers:        viper.GetInt("sync-workers"),
		QueueSize:          viper.GetInt("queue-size"),
		RedisAddr:          viper.GetString("redis-addr"),
		LeaseTTL:           viper.GetDuration("lease-ttl"),
	}

	if cfg.GoogleClientID == "" {
		return Config{}, fmt.Errorf("google-client-id must be provided")
	}
	if cfg.GoogleClientSecret == "" {
		return Config{}, fmt.Errorf("google-client-secret must be provided")
	}
	if cfg.GoogleRedirectURL == "" {
		return Config{}, fmt.Errorf("google-redirect-url must be provided")
	}
	if cfg.PubSubTopic == "" {
		return Config{}, fmt.Errorf("pubsub-topic must be provided")
	}
	if cfg.IdPJWKSURL == "" {
		return Config{}, fmt.Errorf("idp-jwks-url must be provided")
	}
	if cfg.VerifyPush && cfg.PushAudience == "" {
		return Config{}, fmt.Errorf("push-audience must be provided when verify-push is enabled")
	}
	if len(cfg.GoogleScopes) == 0 {
		cfg.GoogleScopes = []string{
			"https://www.googleapis.com/auth/gmail.readonly",
			"https://www.googleapis.com/auth/userinfo.email",
			"openid",
		}
	}
	return cfg, nil
}
