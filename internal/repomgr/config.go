// SPDX-FileCopyrightText: 2018 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package repomgr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sapcc/go-api-declarations/bininfo"
	"github.com/sapcc/go-bits/easypg"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/must"
	"github.com/sapcc/go-bits/osext"
	"github.com/sapcc/go-bits/pluggable"
)

// Configuration contains all configuration values that are not specific to a
// certain driver. It is constructed once during startup and must not be
// modified afterwards.
type Configuration struct {
	APIPublicURL         url.URL
	APIListenAddress     string
	RepoPath             string
	BuildRepoBasePath    string
	CollectionID         string
	TokenSecret          []byte
	BuildSigningKey      *SigningKey // optional
	MainSigningKey       *SigningKey // optional
	JobWorkerCount       uint32 // number of job bodies that can run at the same time
	JobTimeout           time.Duration // 0 = no watchdog
	UploadRateLimitSpec  string
	UploadRateLimitBurst int
}

// SigningKey identifies a key that the Signer can sign with. PublicKey is the
// exported public key, as obtained from the signer at startup.
type SigningKey struct {
	ID        string
	PublicKey []byte
}

// Base64PublicKey renders the public key in the form that appears in repo.json.
func (k *SigningKey) Base64PublicKey() string {
	if k == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(k.PublicKey)
}

// JobLoopGoroutines returns the number of goroutines that the job executor
// needs: one that claims jobs, plus one for each worker.
func (cfg Configuration) JobLoopGoroutines() uint32 {
	return cfg.JobWorkerCount + 1
}

// StagingRepoPath returns the staging repository location for the given build.
func (cfg Configuration) StagingRepoPath(buildID int64) string {
	return filepath.Join(cfg.BuildRepoBasePath, strconv.FormatInt(buildID, 10))
}

// GetDatabaseURLFromEnvironment reads the REPOMGR_DB_* environment variables.
func GetDatabaseURLFromEnvironment() (dbURL url.URL, dbName string) {
	if urlStr := os.Getenv("REPOMGR_DB_URL"); urlStr != "" {
		parsed, err := url.Parse(urlStr)
		if err != nil {
			logg.Fatal("malformed REPOMGR_DB_URL: %s", err.Error())
		}
		return *parsed, filepath.Base(parsed.Path)
	}

	dbName = osext.GetenvOrDefault("REPOMGR_DB_NAME", "repomgr")
	return must.Return(easypg.URLFrom(easypg.URLParts{
		HostName:          osext.GetenvOrDefault("REPOMGR_DB_HOSTNAME", "localhost"),
		Port:              osext.GetenvOrDefault("REPOMGR_DB_PORT", "5432"),
		UserName:          osext.GetenvOrDefault("REPOMGR_DB_USERNAME", "postgres"),
		Password:          os.Getenv("REPOMGR_DB_PASSWORD"),
		ConnectionOptions: os.Getenv("REPOMGR_DB_CONNECTION_OPTIONS"),
		DatabaseName:      dbName,
	})), dbName
}

// ParseTokenSecret decodes the base64-encoded token secret.
func ParseTokenSecret(in string) ([]byte, error) {
	secret, err := base64.StdEncoding.DecodeString(in)
	if err != nil {
		return nil, fmt.Errorf("token secret is not valid base64: %w", err)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("token secret is empty")
	}
	return secret, nil
}

// ParseConfiguration obtains a repomgr.Configuration instance from the
// corresponding environment variables. Aborts on error.
//
// Signing keys are only recorded by their ID here. Call
// Configuration.ResolveSigningKeys once the Signer has been initialized.
func ParseConfiguration() Configuration {
	logg.Debug("parsing configuration...")

	publicURLStr := osext.GetenvOrDefault("REPOMGR_API_PUBLIC_URL", "http://127.0.0.1:8080")
	publicURL, err := url.Parse(publicURLStr)
	if err != nil {
		logg.Fatal("malformed REPOMGR_API_PUBLIC_URL: %s", err.Error())
	}

	cfg := Configuration{
		APIPublicURL:      *publicURL,
		APIListenAddress:  osext.GetenvOrDefault("REPOMGR_API_LISTEN_ADDRESS", "127.0.0.1:8080"),
		RepoPath:          osext.MustGetenv("REPOMGR_REPO_PATH"),
		BuildRepoBasePath: osext.MustGetenv("REPOMGR_BUILD_REPO_BASE_PATH"),
		CollectionID:      os.Getenv("REPOMGR_COLLECTION_ID"),
	}

	cfg.TokenSecret, err = ParseTokenSecret(osext.MustGetenv("REPOMGR_TOKEN_SECRET"))
	if err != nil {
		logg.Fatal("failed to read REPOMGR_TOKEN_SECRET: %s", err.Error())
	}

	if keyID := os.Getenv("REPOMGR_BUILD_GPG_KEY"); keyID != "" {
		cfg.BuildSigningKey = &SigningKey{ID: keyID}
	}
	if keyID := os.Getenv("REPOMGR_MAIN_GPG_KEY"); keyID != "" {
		cfg.MainSigningKey = &SigningKey{ID: keyID}
	}

	workerCount, err := strconv.ParseUint(osext.GetenvOrDefault("REPOMGR_JOB_WORKERS", "4"), 10, 16)
	if err != nil || workerCount == 0 {
		logg.Fatal("malformed REPOMGR_JOB_WORKERS: expected a positive integer")
	}
	cfg.JobWorkerCount = uint32(workerCount)

	if timeoutStr := os.Getenv("REPOMGR_JOB_TIMEOUT"); timeoutStr != "" {
		cfg.JobTimeout, err = time.ParseDuration(timeoutStr)
		if err != nil {
			logg.Fatal("malformed REPOMGR_JOB_TIMEOUT: %s", err.Error())
		}
	}

	cfg.UploadRateLimitSpec = osext.GetenvOrDefault("REPOMGR_RATELIMIT_UPLOADS", "100r/s")
	cfg.UploadRateLimitBurst, err = strconv.Atoi(osext.GetenvOrDefault("REPOMGR_BURST_UPLOADS", "100"))
	if err != nil {
		logg.Fatal("malformed REPOMGR_BURST_UPLOADS: %s", err.Error())
	}

	return cfg
}

// ResolveSigningKeys exports the public keys of all configured signing keys.
// If a configured key cannot be exported, an error is returned and the
// process must not start serving.
func (cfg *Configuration) ResolveSigningKeys(ctx context.Context, signer Signer) error {
	for _, key := range []*SigningKey{cfg.BuildSigningKey, cfg.MainSigningKey} {
		if key == nil {
			continue
		}
		pubkey, err := signer.ExportPublicKey(ctx, key.ID)
		if err != nil {
			return fmt.Errorf("cannot export public key %q: %w", key.ID, err)
		}
		if len(pubkey) == 0 {
			return fmt.Errorf("cannot export public key %q: key not found", key.ID)
		}
		key.PublicKey = pubkey
	}
	return nil
}

// GetRedisOptions returns a redis.Options by getting the required parameters
// from environment variables:
//
//	REDIS_PASSWORD, REDIS_HOSTNAME, REDIS_PORT, and REDIS_DB_NUM.
//
// The environment variable keys are prefixed with the provided prefix.
func GetRedisOptions(prefix string) (*redis.Options, error) {
	pass := os.Getenv(prefix + "_PASSWORD")
	host := osext.GetenvOrDefault(prefix+"_HOSTNAME", "localhost")
	port := osext.GetenvOrDefault(prefix+"_PORT", "6379")
	dbNum := osext.GetenvOrDefault(prefix+"_DB_NUM", "0")
	db, err := strconv.Atoi(dbNum)
	if err != nil {
		return nil, fmt.Errorf("invalid value for %s: %q", prefix+"_DB_NUM", dbNum)
	}

	return &redis.Options{
		Network:    "tcp",
		Password:   pass,
		Addr:       net.JoinHostPort(host, port),
		ClientName: bininfo.Component(),
		DB:         db,
	}, nil
}

// newDriver parses a config JSON as found in a REPOMGR_DRIVER_* variable,
// initializes the respective driver, and unmarshals config parameters into it.
func newDriver[P pluggable.Plugin](driverType string, registry pluggable.Registry[P], configJSON string, init func(P) error) (P, error) {
	var zero P // for error returns

	var cfg struct {
		PluginTypeID string          `json:"type"`
		Params       json.RawMessage `json:"params"`
	}
	err := UnmarshalJSONStrict([]byte(configJSON), &cfg)
	if err != nil {
		return zero, fmt.Errorf("cannot unmarshal %s config %q: %w", driverType, configJSON, err)
	}
	if len(cfg.Params) == 0 {
		// configJSON was just a type, e.g. `{"type":"unittest"}`
		cfg.Params = json.RawMessage("{}")
	}
	logg.Debug("initializing %s %q", driverType, configJSON)

	driver := registry.Instantiate(cfg.PluginTypeID)
	if any(driver) == nil {
		return zero, fmt.Errorf("no such %s: %q", driverType, cfg.PluginTypeID)
	}
	err = UnmarshalJSONStrict([]byte(cfg.Params), driver)
	if err != nil {
		return zero, fmt.Errorf("cannot unmarshal params for %s %q: %w", driverType, cfg.PluginTypeID, err)
	}
	err = init(driver)
	if err != nil {
		return zero, fmt.Errorf("while initializing %s %q: %w", driverType, cfg.PluginTypeID, err)
	}
	return driver, nil
}

// UnmarshalJSONStrict is like json.Unmarshal, but rejects unknown fields.
func UnmarshalJSONStrict(buf []byte, target any) error {
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}
