// Package config loads the coordinator's configuration from environment variables.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
)

var (
	log = golog.LoggerFor("config")

	redisURLRegExp = regexp.MustCompile(`^redis(s?)://:(.+)?@([^\s]+)$`)
)

const (
	BackendMinio  = "minio"
	BackendS3     = "s3"
	BackendMemory = "memory"

	// SessionStoreMemory selects the in-memory session store
	SessionStoreMemory = "memory"

	DefaultSessionTTL    = 7 * 24 * time.Hour
	MaxSessionTTL        = 30 * 24 * time.Hour
	DefaultPresignTTL    = 24 * time.Hour
	MaxPresignTTL        = 7 * 24 * time.Hour
	DefaultWebTimeout    = 60 * time.Second
	DefaultRedisPoolSize = 100
	DefaultMinioRegion   = "us-east-1"
	DefaultHTTPPort      = "8080"
)

// Config is the complete configuration of the coordinator.
type Config struct {
	StoreBackend   string
	StoreEndpoint  string
	StoreAccessKey string
	StoreSecretKey string
	StoreBucket    string
	StoreRegion    string

	// redis(s)://:password@host:port or "memory"
	SessionStoreURL string
	SessionTTL      time.Duration
	PresignTTL      time.Duration

	HTTPPort string
	// Where clients reach us, only needed by the memory object store which serves its own
	// presigned URLs
	PublicURL  string
	PprofAddr  string
	WebTimeout time.Duration

	RedisPoolSize      int
	RedisCAPEM         string
	RedisClientCertPEM string
	RedisClientKeyPEM  string
}

// FromEnv loads a Config from the process environment.
func FromEnv() (*Config, error) {
	return FromLookup(os.Getenv)
}

// FromLookup loads a Config using getenv to look up variables. Defaults are applied and the
// result is validated.
func FromLookup(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		StoreBackend:       strings.ToLower(getenv("STORE_BACKEND")),
		StoreEndpoint:      getenv("STORE_ENDPOINT"),
		StoreAccessKey:     getenv("STORE_ACCESS_KEY"),
		StoreSecretKey:     getenv("STORE_SECRET_KEY"),
		StoreBucket:        getenv("STORE_BUCKET"),
		StoreRegion:        getenv("STORE_REGION"),
		SessionStoreURL:    getenv("SESSION_STORE_URL"),
		HTTPPort:           getenv("PORT"),
		PublicURL:          getenv("PUBLIC_URL"),
		PprofAddr:          getenv("PPROF_ADDR"),
		RedisCAPEM:         getenv("REDIS_CA_CERT"),
		RedisClientCertPEM: getenv("REDIS_CLIENT_CERT"),
		RedisClientKeyPEM:  getenv("REDIS_CLIENT_KEY"),
	}
	if cfg.SessionStoreURL == "" {
		cfg.SessionStoreURL = getenv("REDIS_URL")
	}

	var err error
	if cfg.SessionTTL, err = parseDuration("SESSION_TTL", getenv("SESSION_TTL")); err != nil {
		return nil, err
	}
	if cfg.PresignTTL, err = parseDuration("PRESIGN_TTL", getenv("PRESIGN_TTL")); err != nil {
		return nil, err
	}
	if cfg.WebTimeout, err = parseDuration("WEB_TIMEOUT", getenv("WEB_TIMEOUT")); err != nil {
		return nil, err
	}
	if poolSize := getenv("REDIS_POOL_SIZE"); poolSize != "" {
		cfg.RedisPoolSize, err = strconv.Atoi(poolSize)
		if err != nil {
			return nil, errors.New("unable to parse REDIS_POOL_SIZE %v: %v", poolSize, err)
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseDuration(name string, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.New("unable to parse %v %v: %v", name, value, err)
	}
	return d, nil
}

func (cfg *Config) ApplyDefaults() {
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = BackendMinio
		log.Debugf("Defaulted StoreBackend to: %v", cfg.StoreBackend)
	}
	if cfg.HTTPPort == "" {
		cfg.HTTPPort = DefaultHTTPPort
		log.Debugf("Defaulted HTTPPort to: %v", cfg.HTTPPort)
	}
	if cfg.StoreBackend == BackendMemory && cfg.PublicURL == "" {
		cfg.PublicURL = "http://localhost:" + cfg.HTTPPort
		log.Debugf("Defaulted PublicURL to: %v", cfg.PublicURL)
	}
	if cfg.StoreBackend == BackendMinio && cfg.StoreRegion == "" {
		cfg.StoreRegion = DefaultMinioRegion
		log.Debugf("Defaulted StoreRegion to: %v", cfg.StoreRegion)
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
		log.Debugf("Defaulted SessionTTL to: %v", cfg.SessionTTL)
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = DefaultPresignTTL
		log.Debugf("Defaulted PresignTTL to: %v", cfg.PresignTTL)
	}
	if cfg.WebTimeout <= 0 {
		cfg.WebTimeout = DefaultWebTimeout
		log.Debugf("Defaulted WebTimeout to: %v", cfg.WebTimeout)
	}
	if cfg.RedisPoolSize <= 0 {
		cfg.RedisPoolSize = DefaultRedisPoolSize
		log.Debugf("Defaulted RedisPoolSize to: %d", cfg.RedisPoolSize)
	}
}

// Validate checks that everything required is present and within bounds.
func (cfg *Config) Validate() error {
	switch cfg.StoreBackend {
	case BackendMinio:
		if cfg.StoreEndpoint == "" {
			return errors.New("please specify a STORE_ENDPOINT")
		}
	case BackendS3:
		if cfg.StoreRegion == "" {
			return errors.New("please specify a STORE_REGION")
		}
	case BackendMemory:
	default:
		return errors.New("unknown STORE_BACKEND %v", cfg.StoreBackend)
	}
	if cfg.StoreBackend != BackendMemory {
		if cfg.StoreAccessKey == "" || cfg.StoreSecretKey == "" {
			return errors.New("please specify STORE_ACCESS_KEY and STORE_SECRET_KEY")
		}
	}
	if cfg.StoreBucket == "" {
		return errors.New("please specify a STORE_BUCKET")
	}
	if cfg.SessionStoreURL == "" {
		return errors.New("please specify a SESSION_STORE_URL")
	}
	if cfg.SessionStoreURL != SessionStoreMemory {
		if _, _, _, err := ParseRedisURL(cfg.SessionStoreURL); err != nil {
			return errors.New("invalid SESSION_STORE_URL: %v", err)
		}
	}
	if cfg.SessionTTL > MaxSessionTTL {
		return errors.New("SESSION_TTL of %v exceeds maximum of %v", cfg.SessionTTL, MaxSessionTTL)
	}
	if cfg.PresignTTL > MaxPresignTTL {
		return errors.New("PRESIGN_TTL of %v exceeds maximum of %v", cfg.PresignTTL, MaxPresignTTL)
	}
	return nil
}

// ParseRedisURL parses a URL like rediss://:password@host:port.
func ParseRedisURL(redisURL string) (useTLS bool, password string, redisAddr string, err error) {
	matches := redisURLRegExp.FindStringSubmatch(redisURL)
	if len(matches) < 4 {
		return false, "", "", fmt.Errorf("should match %v", redisURLRegExp.String())
	}
	return matches[1] == "s", matches[2], matches[3], nil
}

// RedisOptions builds options for connecting to the configured session store. Operations time
// out slightly before web requests do.
func (cfg *Config) RedisOptions() (*redis.Options, error) {
	useTLS, password, addr, err := ParseRedisURL(cfg.SessionStoreURL)
	if err != nil {
		return nil, errors.New("unable to parse redis url: %v", err)
	}

	var tlsConfig *tls.Config
	if !useTLS {
		log.Debug("WARNING: connecting to Redis without TLS")
	} else {
		log.Debug("Connecting to Redis with TLS")
		tlsConfig, err = cfg.redisTLSConfig()
		if err != nil {
			return nil, err
		}
	}

	opTimeout := cfg.WebTimeout - 500*time.Millisecond
	return &redis.Options{
		Addr:         addr,
		Password:     password,
		PoolSize:     cfg.RedisPoolSize,
		PoolTimeout:  opTimeout,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
		IdleTimeout:  opTimeout,
		DialTimeout:  opTimeout,
		TLSConfig:    tlsConfig,
	}, nil
}

func (cfg *Config) redisTLSConfig() (*tls.Config, error) {
	if cfg.RedisCAPEM == "" {
		return nil, errors.New("please specify a REDIS_CA_CERT")
	}
	if cfg.RedisClientCertPEM == "" {
		return nil, errors.New("please specify a REDIS_CLIENT_CERT")
	}
	if cfg.RedisClientKeyPEM == "" {
		return nil, errors.New("please specify a REDIS_CLIENT_KEY")
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(cleanPEMNewLines(cfg.RedisCAPEM)) {
		return nil, errors.New("unable to find any certs in REDIS_CA_CERT")
	}
	clientCert, err := tls.X509KeyPair(cleanPEMNewLines(cfg.RedisClientCertPEM), cleanPEMNewLines(cfg.RedisClientKeyPEM))
	if err != nil {
		return nil, errors.New("failed to load Redis client cert and key: %v", err)
	}
	return &tls.Config{
		RootCAs:            pool,
		Certificates:       []tls.Certificate{clientCert},
		ClientSessionCache: tls.NewLRUClientSessionCache(100),
	}, nil
}

// cleanPEMNewLines turns escaped newlines (as found in some environments) into real ones.
func cleanPEMNewLines(pem string) []byte {
	return []byte(strings.Replace(pem, "\\n", "\n", -1))
}
