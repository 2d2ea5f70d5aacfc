package config

import (
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all configuration for the Picteus extension host.
type Config struct {
	Port      int
	Version   string
	Paths     PathsConfig
	Extension ExtensionConfig
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
}

// PathsConfig locates the on-disk layout the host manages.
type PathsConfig struct {
	// DataDir is the root under which everything else defaults.
	DataDir string
	// InstalledExtensionsDir holds one subdirectory per installed extension.
	InstalledExtensionsDir string
	// BuiltInExtensionsDir is scanned at startup for bundled archives.
	BuiltInExtensionsDir string
	// ModelsDir is the shared model cache each extension sees as ".cache".
	ModelsDir string
}

// ExtensionConfig controls how extension processes are reached.
type ExtensionConfig struct {
	// WebServicesBaseUrl is handed to every extension as the API origin.
	WebServicesBaseUrl string
	// NodePath and ShellPath override runtime discovery; empty means PATH lookup.
	NodePath  string
	ShellPath string
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
	// EmbeddingDims is the pgvector column width when the Postgres
	// embedding store is enabled.
	EmbeddingDims int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type AuthConfig struct {
	// RequiresAPIKey disables the no-auth dev mode when true.
	RequiresAPIKey bool
	// MasterKey is the privileged key of the master client. Empty means a
	// fresh key is generated at startup and logged once.
	MasterKey string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	dataDir := envStr("PICTEUS_DATA_DIR", defaultDataDir())
	return &Config{
		Port:    envInt("PICTEUS_PORT", 8087),
		Version: envStr("PICTEUS_VERSION", "0.9.0"),
		Paths: PathsConfig{
			DataDir:                dataDir,
			InstalledExtensionsDir: envStr("PICTEUS_EXTENSIONS_DIR", filepath.Join(dataDir, "extensions")),
			BuiltInExtensionsDir:   envStr("PICTEUS_BUILTIN_EXTENSIONS_DIR", filepath.Join(dataDir, "builtin-extensions")),
			ModelsDir:              envStr("PICTEUS_MODELS_DIR", filepath.Join(dataDir, "models")),
		},
		Extension: ExtensionConfig{
			WebServicesBaseUrl: envStr("PICTEUS_BASE_URL", "http://localhost:8087"),
			NodePath:           envStr("PICTEUS_NODE_PATH", ""),
			ShellPath:          envStr("PICTEUS_SHELL_PATH", ""),
		},
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
			EmbeddingDims:  envInt("PICTEUS_EMBEDDING_DIMS", 768),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "picteus-extension-host"),
		},
		Auth: AuthConfig{
			RequiresAPIKey: envBool("PICTEUS_REQUIRES_API_KEY", true),
			MasterKey:      envStr("PICTEUS_MASTER_KEY", ""),
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".picteus"
	}
	return filepath.Join(home, ".picteus")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
