package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration parses a Go duration ("30s", "2h"), or returns fallback.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

// GetEnvBool parses a boolean ("true", "1", "false", ...), or returns fallback.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

// GetEnvList splits a comma separated value, dropping empty items.
func GetEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Backends.
const (
	BackendMemory = "memory"
	BackendDynamo = "dynamo"
	BackendNATS   = "nats"
	BackendLocal  = "local"
	BackendECS    = "ecs"
	BackendIVS    = "ivs"
)

// Server is the configuration of cmd/server.
type Server struct {
	Port      string
	LogLevel  string
	LogFormat string

	StoreBackend    string
	QueueBackend    string
	LauncherBackend string
	MediaBackend    string

	AWSRegion    string
	DynamoTable  string
	NATSURL      string
	StreamName   string
	StreamPrefix string

	ECSCluster        string
	ECSTaskDefinition string
	ECSContainer      string
	ECSSubnets        []string
	ECSSecurityGroups []string
	ECSPublicIP       bool

	MaxActiveSessions int
	HostTokenTTL      time.Duration
	ControllerWait    time.Duration
	VisibilityTimeout time.Duration
	ReconcileInterval time.Duration
	ReservationGrace  time.Duration

	SeedFile      string
	JWTSecret     string
	AdminActors   []string
	ShutdownGrace time.Duration
}

// LoadServer reads the server configuration from the environment.
func LoadServer() Server {
	return Server{
		Port:      GetEnv("PORT", "8080"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),

		StoreBackend:    GetEnv("STORE_BACKEND", BackendMemory),
		QueueBackend:    GetEnv("QUEUE_BACKEND", BackendMemory),
		LauncherBackend: GetEnv("LAUNCHER_BACKEND", BackendLocal),
		MediaBackend:    GetEnv("MEDIA_BACKEND", BackendLocal),

		AWSRegion:    GetEnv("AWS_REGION", "us-east-1"),
		DynamoTable:  GetEnv("DYNAMO_TABLE", "live-sessions"),
		NATSURL:      GetEnv("NATS_URL", "nats://127.0.0.1:4222"),
		StreamName:   GetEnv("COMMAND_STREAM", "SESSION_COMMANDS"),
		StreamPrefix: GetEnv("COMMAND_SUBJECT_PREFIX", "session.commands"),

		ECSCluster:        GetEnv("ECS_CLUSTER", ""),
		ECSTaskDefinition: GetEnv("ECS_TASK_DEFINITION", ""),
		ECSContainer:      GetEnv("ECS_CONTAINER", "controller"),
		ECSSubnets:        GetEnvList("ECS_SUBNETS"),
		ECSSecurityGroups: GetEnvList("ECS_SECURITY_GROUPS"),
		ECSPublicIP:       GetEnvBool("ECS_ASSIGN_PUBLIC_IP", false),

		MaxActiveSessions: GetEnvInt("MAX_ACTIVE_SESSIONS", 20),
		HostTokenTTL:      GetEnvDuration("HOST_TOKEN_TTL", 2*time.Hour),
		ControllerWait:    GetEnvDuration("CONTROLLER_POLL_WAIT", 20*time.Second),
		VisibilityTimeout: GetEnvDuration("COMMAND_VISIBILITY_TIMEOUT", 30*time.Second),
		ReconcileInterval: GetEnvDuration("RECONCILE_INTERVAL", time.Minute),
		ReservationGrace:  GetEnvDuration("RESERVATION_GRACE", 10*time.Minute),

		SeedFile:      GetEnv("SEED_FILE", ""),
		JWTSecret:     GetEnv("AUTH_JWT_SECRET", ""),
		AdminActors:   GetEnvList("ADMIN_ACTORS"),
		ShutdownGrace: GetEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}
