// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the process configuration from
// keyloom.yaml, KEYLOOM_* environment variables, and flags bound by the CLI.
// Loading fails fast with one error naming every offending field.
package config

import (
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/keyloom/keyloom/pkg/signer"
)

// EnvPrefix namespaces the environment overrides (KEYLOOM_ISSUER and so on).
const EnvPrefix = "KEYLOOM"

// Defaults for the optional keys.
const (
	DefaultAccessTokenTTLSeconds  = 900
	DefaultRefreshTokenTTLSeconds = 2592000
	DefaultTokenLeewaySeconds     = 10

	DefaultHashMemoryKiB   = 65536
	DefaultHashTimeCost    = 4
	DefaultHashParallelism = 1

	DefaultConsoleAddress = ":8440"
	DefaultGatewayAddress = ":8441"
	DefaultDatabasePath   = "keyloom.db"
)

// MinHashMemoryKiB rejects argon2 settings too weak to protect stored
// credentials.
const MinHashMemoryKiB = 8192

// PublicKeyEntry is one extra verification key published in the JWKS during
// signing-key rollover.
type PublicKeyEntry struct {
	KID       string
	PublicKey *rsa.PublicKey
}

// Config is the validated process configuration. Key material arrives parsed;
// nothing downstream touches PEM.
type Config struct {
	Issuer          string
	ConsoleAudience string
	GatewayAudience string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	TokenLeeway     time.Duration

	SigningPrivateKey *rsa.PrivateKey
	SigningKID        string
	SigningPublicKeys []PublicKeyEntry

	HashMemoryKiB   uint32
	HashTimeCost    uint32
	HashParallelism uint8

	RefreshLookupKey [32]byte

	ConsoleAddress string
	GatewayAddress string
	DatabasePath   string
}

// LoadError aggregates every invalid or missing field found during Load so
// operators can fix the whole file in one pass.
type LoadError struct {
	Fields []string
}

func (e *LoadError) Error() string {
	return "invalid configuration: " + strings.Join(e.Fields, "; ")
}

// SetDefaults registers the default values on v. The CLI calls this before
// binding flags so that flag defaults do not mask file values.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("access_token_ttl_seconds", DefaultAccessTokenTTLSeconds)
	v.SetDefault("refresh_token_ttl_seconds", DefaultRefreshTokenTTLSeconds)
	v.SetDefault("token_leeway_seconds", DefaultTokenLeewaySeconds)
	v.SetDefault("password_hash_memory_kib", DefaultHashMemoryKiB)
	v.SetDefault("password_hash_time_cost", DefaultHashTimeCost)
	v.SetDefault("password_hash_parallelism", DefaultHashParallelism)
	v.SetDefault("console_address", DefaultConsoleAddress)
	v.SetDefault("gateway_address", DefaultGatewayAddress)
	v.SetDefault("database_path", DefaultDatabasePath)
}

// publicKeyYAML is the raw shape of one signing_public_keys entry.
type publicKeyYAML struct {
	KID       string `mapstructure:"kid"`
	PublicKey string `mapstructure:"public_key"`
}

// Load extracts and validates the configuration from v. All problems are
// collected before returning so the operator sees the complete list at once.
func Load(v *viper.Viper) (*Config, error) {
	var problems []string
	fail := func(field, msg string) {
		problems = append(problems, field+": "+msg)
	}

	cfg := &Config{
		Issuer:          v.GetString("issuer"),
		ConsoleAudience: v.GetString("console_audience"),
		GatewayAudience: v.GetString("gateway_audience"),
		ConsoleAddress:  v.GetString("console_address"),
		GatewayAddress:  v.GetString("gateway_address"),
		DatabasePath:    v.GetString("database_path"),
	}

	if cfg.Issuer == "" {
		fail("issuer", "required")
	}
	if cfg.ConsoleAudience == "" {
		fail("console_audience", "required")
	}
	if cfg.GatewayAudience == "" {
		fail("gateway_audience", "required")
	}
	if cfg.DatabasePath == "" {
		fail("database_path", "must not be empty")
	}

	cfg.AccessTokenTTL = secondsField(v, "access_token_ttl_seconds", fail)
	cfg.RefreshTokenTTL = secondsField(v, "refresh_token_ttl_seconds", fail)
	if leeway := v.GetInt("token_leeway_seconds"); leeway < 0 {
		fail("token_leeway_seconds", "must not be negative")
	} else {
		cfg.TokenLeeway = time.Duration(leeway) * time.Second
	}

	if memory := v.GetInt("password_hash_memory_kib"); memory < MinHashMemoryKiB {
		fail("password_hash_memory_kib", fmt.Sprintf("must be at least %d", MinHashMemoryKiB))
	} else {
		cfg.HashMemoryKiB = uint32(memory)
	}
	if cost := v.GetInt("password_hash_time_cost"); cost < 1 {
		fail("password_hash_time_cost", "must be positive")
	} else {
		cfg.HashTimeCost = uint32(cost)
	}
	if lanes := v.GetInt("password_hash_parallelism"); lanes < 1 || lanes > 255 {
		fail("password_hash_parallelism", "must be between 1 and 255")
	} else {
		cfg.HashParallelism = uint8(lanes)
	}

	loadSigningKeys(v, cfg, fail)
	loadLookupKey(v, cfg, fail)

	if len(problems) > 0 {
		return nil, &LoadError{Fields: problems}
	}
	return cfg, nil
}

func secondsField(v *viper.Viper, key string, fail func(string, string)) time.Duration {
	seconds := v.GetInt(key)
	if seconds <= 0 {
		fail(key, "must be positive")
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func loadSigningKeys(v *viper.Viper, cfg *Config, fail func(string, string)) {
	raw := v.GetString("signing_private_key")
	if raw == "" {
		fail("signing_private_key", "required")
	} else if material, err := keyMaterial(raw); err != nil {
		fail("signing_private_key", err.Error())
	} else if key, err := signer.ParsePrivateKeyPEM(material); err != nil {
		fail("signing_private_key", err.Error())
	} else {
		cfg.SigningPrivateKey = key
		kid, err := signer.DeriveKID(&key.PublicKey)
		if err != nil {
			fail("signing_private_key", err.Error())
		}
		cfg.SigningKID = kid
	}

	var entries []publicKeyYAML
	if err := v.UnmarshalKey("signing_public_keys", &entries); err != nil {
		fail("signing_public_keys", err.Error())
		return
	}
	for i, entry := range entries {
		field := fmt.Sprintf("signing_public_keys[%d]", i)
		if entry.KID == "" {
			fail(field, "kid is required")
			continue
		}
		material, err := keyMaterial(entry.PublicKey)
		if err != nil {
			fail(field, err.Error())
			continue
		}
		key, err := signer.ParsePublicKeyPEM(material)
		if err != nil {
			fail(field, err.Error())
			continue
		}
		cfg.SigningPublicKeys = append(cfg.SigningPublicKeys, PublicKeyEntry{KID: entry.KID, PublicKey: key})
	}
}

func loadLookupKey(v *viper.Viper, cfg *Config, fail func(string, string)) {
	raw := v.GetString("refresh_lookup_key")
	if raw == "" {
		fail("refresh_lookup_key", "required")
		return
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil || len(decoded) != 32 {
		fail("refresh_lookup_key", "must be 64 hex characters")
		return
	}
	copy(cfg.RefreshLookupKey[:], decoded)
}

// keyMaterial resolves a PEM value that is either inline or an @/path file
// reference.
func keyMaterial(value string) ([]byte, error) {
	if path, ok := strings.CutPrefix(value, "@"); ok {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied key path
		if err != nil {
			return nil, fmt.Errorf("reading key file: %w", err)
		}
		return data, nil
	}
	return []byte(value), nil
}
