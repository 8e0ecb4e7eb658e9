package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v3"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	WebRTC   WebRTCConfig
	Meeting  MeetingConfig
	AWS      AWSConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	RunWorker          bool   // run the attendance worker in-process
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// WebRTCConfig holds the STUN/TURN servers handed to clients on join.
type WebRTCConfig struct {
	ICEUrls        []string // e.g. stun:stun.l.google.com:19302 (comma-separated in env)
	TURNUsername   string
	TURNCredential string
}

// MeetingConfig holds meeting and relay tuning.
type MeetingConfig struct {
	PublicBaseURL   string
	DisconnectGrace time.Duration // delay before a dropped connection counts as leaving
	SendBuffer      int           // per-connection outbound queue length
	IdleEvict       time.Duration // in-memory meetings with no room are dropped after this
	ReconnectDelay  time.Duration // peer reconnect backoff (clients)
	MaxReconnects   int
}

// AWSConfig holds AWS credentials and the attendance report bucket.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ReportsBucket   string
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// ICEServers converts the configured URLs into pion ICE servers. TURN urls carry the
// configured credentials; STUN urls do not.
func (c WebRTCConfig) ICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.ICEUrls))
	for _, u := range c.ICEUrls {
		s := webrtc.ICEServer{URLs: []string{u}}
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			s.Username = c.TURNUsername
			s.Credential = c.TURNCredential
			s.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, s)
	}
	return servers
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	grace, err := getEnvDuration("MEETING_DISCONNECT_GRACE", 10*time.Second)
	if err != nil {
		return nil, err
	}
	reconnect, err := getEnvDuration("PEER_RECONNECT_DELAY", 3*time.Second)
	if err != nil {
		return nil, err
	}
	idle, err := getEnvDuration("MEETING_IDLE_EVICT", 10*time.Minute)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
			RunWorker:          getEnv("RUN_WORKER", "true") == "true",
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "meet"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvInt("DB_MAX_CONNS", 0),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		WebRTC: WebRTCConfig{
			ICEUrls:        splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
			TURNUsername:   getEnv("WEBRTC_TURN_USERNAME", ""),
			TURNCredential: getEnv("WEBRTC_TURN_CREDENTIAL", ""),
		},
		Meeting: MeetingConfig{
			PublicBaseURL:   strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:5173"), "/"),
			DisconnectGrace: grace,
			SendBuffer:      getEnvInt("WS_SEND_BUFFER", 256),
			IdleEvict:       idle,
			ReconnectDelay:  reconnect,
			MaxReconnects:   getEnvInt("PEER_MAX_RECONNECTS", 3),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", ""),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ReportsBucket:   getEnv("AWS_S3_REPORTS_BUCKET", ""),
		},
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
