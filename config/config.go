// Package config loads service settings from the environment and an optional
// config file.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// Google Identity Services ID tokens carry either issuer form.
const (
	GoogleIssuers = "https://accounts.google.com,accounts.google.com"
	GoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
)

// Keys double as environment variable names (upper case) and config file keys
// (lower case).
const (
	keyStorageConnection = "storage_connection_string"
	keyTasksTable        = "tasks_table"
	keyAttachmentsTable  = "attachments_table"
	keyEventsQueue       = "task_events_queue"
	keyRedisConnection   = "redis_connection_string"
	keyDeduperTTL        = "deduper_ttl"
	keySessionTTL        = "session_ttl"
	keyCacheTTL          = "tasks_cache_ttl"
	keyOIDCIssuer        = "oidc_issuer"
	keyOIDCJWKSURL       = "oidc_jwks_url"
	keyOIDCAudience      = "oidc_audience"
	keyAuthTestMode      = "auth0_test_mode"
	keyTestJWTSecret     = "test_jwt_secret"
	keyLoginClientID     = "login_client_id"
	keyBlobReleaseDelay  = "blob_release_delay"
	keyEnqueueWorkers    = "enqueue_workers"
	keyEnqueueBuffer     = "enqueue_buffer"
	keyPort              = "functions_customhandler_port"
	keyDebug             = "debug"
)

var allKeys = []string{
	keyStorageConnection, keyTasksTable, keyAttachmentsTable, keyEventsQueue,
	keyRedisConnection, keyDeduperTTL, keySessionTTL, keyCacheTTL,
	keyOIDCIssuer, keyOIDCJWKSURL, keyOIDCAudience, keyAuthTestMode, keyTestJWTSecret, keyLoginClientID,
	keyBlobReleaseDelay, keyEnqueueWorkers, keyEnqueueBuffer, keyPort, keyDebug,
}

// Config holds everything the server and the provision command need.
type Config struct {
	StorageConnectionString string
	TasksTable              string
	AttachmentsTable        string
	EventsQueue             string

	RedisConnectionString string
	DeduperTTL            time.Duration
	SessionTTL            time.Duration
	CacheTTL              time.Duration

	// OIDCIssuers lists the accepted "iss" values of ID tokens.
	OIDCIssuers   []string
	OIDCJWKSURL   string
	OIDCAudience  string
	AuthTestMode  bool
	TestJWTSecret string
	LoginClientID string

	BlobReleaseDelay time.Duration
	EnqueueWorkers   int
	EnqueueBuffer    int
	Port             string
	Debug            bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(keyAttachmentsTable, "TaskAttachments")
	v.SetDefault(keyEventsQueue, "task-events")
	v.SetDefault(keyDeduperTTL, 24*time.Hour)
	v.SetDefault(keySessionTTL, 7*24*time.Hour)
	v.SetDefault(keyCacheTTL, 30*time.Second)
	v.SetDefault(keyBlobReleaseDelay, 10*time.Second)
	v.SetDefault(keyPort, "8080")
	// The sign-in widget is Google Identity Services, so its ID tokens are
	// Google's unless configured otherwise.
	v.SetDefault(keyOIDCIssuer, GoogleIssuers)
	v.SetDefault(keyOIDCJWKSURL, GoogleJWKSURL)
}

// Load reads the configuration. Environment variables win over values from
// configFile, which may be empty.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for _, k := range allKeys {
		if err := v.BindEnv(k, strings.ToUpper(k)); err != nil {
			return nil, err
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		StorageConnectionString: v.GetString(keyStorageConnection),
		TasksTable:              v.GetString(keyTasksTable),
		AttachmentsTable:        v.GetString(keyAttachmentsTable),
		EventsQueue:             v.GetString(keyEventsQueue),
		RedisConnectionString:   v.GetString(keyRedisConnection),
		DeduperTTL:              v.GetDuration(keyDeduperTTL),
		SessionTTL:              v.GetDuration(keySessionTTL),
		CacheTTL:                v.GetDuration(keyCacheTTL),
		OIDCIssuers:             listValue(v, keyOIDCIssuer),
		OIDCJWKSURL:             v.GetString(keyOIDCJWKSURL),
		OIDCAudience:            v.GetString(keyOIDCAudience),
		AuthTestMode:            v.GetString(keyAuthTestMode) == "1" || v.GetBool(keyAuthTestMode),
		TestJWTSecret:           v.GetString(keyTestJWTSecret),
		LoginClientID:           v.GetString(keyLoginClientID),
		BlobReleaseDelay:        v.GetDuration(keyBlobReleaseDelay),
		EnqueueWorkers:          v.GetInt(keyEnqueueWorkers),
		EnqueueBuffer:           v.GetInt(keyEnqueueBuffer),
		Port:                    v.GetString(keyPort),
		Debug:                   v.GetBool(keyDebug),
	}
	return cfg, nil
}

// ValidateStorage checks the settings the provision command needs.
func (c *Config) ValidateStorage() error {
	if c.StorageConnectionString == "" || c.TasksTable == "" || c.AttachmentsTable == "" || c.EventsQueue == "" {
		return errors.New("missing storage config")
	}
	return nil
}

// Validate checks the settings the server needs.
func (c *Config) Validate() error {
	if err := c.ValidateStorage(); err != nil {
		return err
	}
	if c.RedisConnectionString == "" {
		return errors.New("missing redis config")
	}
	if c.DeduperTTL <= 0 {
		return fmt.Errorf("invalid DEDUPER_TTL: %v", c.DeduperTTL)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("invalid SESSION_TTL: %v", c.SessionTTL)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("invalid TASKS_CACHE_TTL: %v", c.CacheTTL)
	}
	if c.BlobReleaseDelay <= 0 {
		return fmt.Errorf("invalid BLOB_RELEASE_DELAY: %v", c.BlobReleaseDelay)
	}
	if c.EnqueueWorkers < 0 || c.EnqueueBuffer < 0 {
		return errors.New("invalid enqueue pool size")
	}
	if c.AuthTestMode {
		if c.TestJWTSecret == "" {
			return errors.New("missing TEST_JWT_SECRET for test mode")
		}
		return nil
	}
	if c.LoginClientID == "" {
		return errors.New("missing LOGIN_CLIENT_ID")
	}
	if len(c.OIDCIssuers) == 0 || c.OIDCJWKSURL == "" {
		return errors.New("missing OIDC_ISSUER or OIDC_JWKS_URL")
	}
	return nil
}

// RedisOptions parses the Redis connection string. Besides redis:// URLs it
// accepts the "host:port,password=...,ssl=True" form used by Azure Cache.
func (c *Config) RedisOptions() *redis.Options {
	opts, err := redis.ParseURL(c.RedisConnectionString)
	if err == nil {
		return opts
	}
	parts := strings.Split(c.RedisConnectionString, ",")
	opts = &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

// Audience is the expected ID token audience. Google sets it to the OAuth
// client ID of the sign-in widget.
func (c *Config) Audience() string {
	if c.OIDCAudience != "" {
		return c.OIDCAudience
	}
	return c.LoginClientID
}

// listValue reads a comma separated setting, or a list from a config file.
func listValue(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
