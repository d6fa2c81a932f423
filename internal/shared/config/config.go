package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	KurrentDB KurrentDBConfig
	Auth      AuthConfig
	Queue     QueueConfig
	Storage   StorageConfig
	Academic  AcademicConfig
	TSA       TSAConfig
	Orgs      OrgsConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// KurrentDBConfig holds configuration for KurrentDB (EventStoreDB), which
// carries the domain-event stream.
type KurrentDBConfig struct {
	Host     string
	Port     int
	Insecure bool
	Username string
	Password string
}

type AuthConfig struct {
	JWTSecret string
}

// QueueConfig tunes the resilience queue worker pool.
type QueueConfig struct {
	Workers     int
	PollEvery   time.Duration
	MaxAttempts int
	// BaseBackoff is the delay before the first retry; each further retry
	// doubles it.
	BaseBackoff time.Duration
}

// StorageConfig points at the off-chain content-addressed object store.
type StorageConfig struct {
	URL     string
	Timeout time.Duration
}

// AcademicConfig holds the connection to the legacy student-information
// system that owns participant records.
type AcademicConfig struct {
	Enabled bool
	DSN     string
}

// TSAConfig gates RFC 3161 timestamping of notarization payloads.
type TSAConfig struct {
	Enabled bool
	OrgName string
}

// OrgConfig describes one trust domain: its certificate authority and the
// ledger peer write/read transactions route through.
type OrgConfig struct {
	CAURL        string
	PeerURL      string
	Channel      string
	Chaincode    string
	TLSCACertPEM string
}

// OrgsConfig maps the three role organizations. Keys never change at runtime;
// the registry built from this at startup is read-only afterwards.
type OrgsConfig struct {
	Coordination OrgConfig
	Advisory     OrgConfig
	Student      OrgConfig
}

func Load() (*Config, error) {
	return &Config{
		Server: ServerConfig{
			Port: getEnvInt("SERVER_PORT", 8080),
			Env:  getEnv("ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "notary"),
			Password: getEnv("DB_PASSWORD", "notary"),
			Database: getEnv("DB_NAME", "notary"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		KurrentDB: KurrentDBConfig{
			Host:     getEnv("KURRENTDB_HOST", "localhost"),
			Port:     getEnvInt("KURRENTDB_PORT", 2113),
			Insecure: getEnvBool("KURRENTDB_INSECURE", true),
			Username: getEnv("KURRENTDB_USERNAME", ""),
			Password: getEnv("KURRENTDB_PASSWORD", ""),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-in-prod"),
		},
		Queue: QueueConfig{
			Workers:     getEnvInt("QUEUE_WORKERS", 4),
			PollEvery:   getEnvDuration("QUEUE_POLL_INTERVAL", 2*time.Second),
			MaxAttempts: getEnvInt("QUEUE_MAX_ATTEMPTS", 5),
			BaseBackoff: getEnvDuration("QUEUE_BASE_BACKOFF", 10*time.Second),
		},
		Storage: StorageConfig{
			URL:     getEnv("STORAGE_URL", "http://localhost:5001"),
			Timeout: getEnvDuration("STORAGE_TIMEOUT", 30*time.Second),
		},
		Academic: AcademicConfig{
			Enabled: getEnvBool("ACADEMIC_ENABLED", false),
			DSN:     getEnv("ACADEMIC_DSN", ""),
		},
		TSA: TSAConfig{
			Enabled: getEnvBool("TSA_ENABLED", true),
			OrgName: getEnv("TSA_ORG_NAME", "Thesis Defense Notary"),
		},
		Orgs: OrgsConfig{
			Coordination: loadOrg("COORDINATION", "ca.coordenacao", "peer.coordenacao"),
			Advisory:     loadOrg("ADVISORY", "ca.orientador", "peer.orientador"),
			Student:      loadOrg("STUDENT", "ca.aluno", "peer.aluno"),
		},
	}, nil
}

func loadOrg(prefix, caHost, peerHost string) OrgConfig {
	return OrgConfig{
		CAURL:        getEnv(prefix+"_CA_URL", fmt.Sprintf("https://%s:7054", caHost)),
		PeerURL:      getEnv(prefix+"_PEER_URL", fmt.Sprintf("https://%s:7051", peerHost)),
		Channel:      getEnv(prefix+"_CHANNEL", "defesas"),
		Chaincode:    getEnv(prefix+"_CHAINCODE", "documento"),
		TLSCACertPEM: getEnv(prefix+"_TLS_CA_CERT", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
