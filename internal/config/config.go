package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the single source of truth for shared settings across the
// pipeline and the API server.
type Config struct {
	Database DatabaseConfig
	Data     DataConfig
	GDP      GDPConfig
	Lookup   LookupConfig
	Server   ServerConfig
	LogLevel string
}

type DatabaseConfig struct {
	// Path to the DuckDB file. Empty means in-memory.
	Path string
}

type DataConfig struct {
	// Countries included in all analyses.
	Countries []string

	DataDir  string
	CacheDir string

	EmissionsPath    string
	FAOStatWestPath  string
	FAOStatSouthPath string
	FAOStatFVPath    string
	FAOStatAllAgPath string
	UBASectorsPath   string
	ItalySectorsPath string
}

type GDPConfig struct {
	Indicator string
	DateRange string
	BaseURL   string
	Timeout   time.Duration
}

type LookupConfig struct {
	M49URL  string
	Timeout time.Duration
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Load reads configuration from the environment, with a .env file as
// an optional overlay.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "data")

	cfg := &Config{
		Database: DatabaseConfig{
			Path: getEnv("DB_PATH", "pipeline.db"),
		},
		Data: DataConfig{
			Countries:        splitList(getEnv("COUNTRIES", "Italy,Spain,France,Germany")),
			DataDir:          dataDir,
			CacheDir:         getEnv("CACHE_DIR", "cache"),
			EmissionsPath:    getEnv("EMISSIONS_PATH", filepath.Join(dataDir, "data.csv")),
			FAOStatWestPath:  getEnv("FAOSTAT_WEST_PATH", filepath.Join(dataDir, "FAOSTAT_data_western_europe.csv")),
			FAOStatSouthPath: getEnv("FAOSTAT_SOUTH_PATH", filepath.Join(dataDir, "FAOSTAT_southern_europe.csv")),
			FAOStatFVPath:    getEnv("FAOSTAT_FV_PATH", filepath.Join(dataDir, "FAOSTAT_data_fruit_veg.csv")),
			FAOStatAllAgPath: getEnv("FAOSTAT_ALL_AG_PATH", filepath.Join(dataDir, "FAOSTAT_data_all_ag.csv")),
			UBASectorsPath:   getEnv("UBA_SECTORS_PATH", filepath.Join(dataDir, "UBA_sectors.csv")),
			ItalySectorsPath: getEnv("ITALY_SECTORS_PATH", filepath.Join(dataDir, "italy_co-emissions-by-sector.csv")),
		},
		GDP: GDPConfig{
			// constant 2015 USD
			Indicator: getEnv("GDP_INDICATOR", "NY.GDP.MKTP.KD"),
			DateRange: getEnv("GDP_DATE_RANGE", "1990:2024"),
			BaseURL:   getEnv("WORLDBANK_BASE_URL", "https://api.worldbank.org/v2"),
			Timeout:   getEnvAsDuration("WORLDBANK_TIMEOUT", 30*time.Second),
		},
		Lookup: LookupConfig{
			M49URL:  getEnv("M49_URL", "https://unstats.un.org/unsd/methodology/m49/overview/"),
			Timeout: getEnvAsDuration("M49_TIMEOUT", 30*time.Second),
		},
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		LogLevel: getEnv("LOG_LEVEL", "INFO"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that could only fail later.
func (c *Config) Validate() error {
	if len(c.Data.Countries) == 0 {
		return fmt.Errorf("COUNTRIES must name at least one country")
	}
	if c.GDP.Indicator == "" {
		return fmt.Errorf("GDP_INDICATOR must not be empty")
	}
	if !strings.Contains(c.GDP.DateRange, ":") {
		return fmt.Errorf("GDP_DATE_RANGE %q must be start:end", c.GDP.DateRange)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT %d out of range", c.Server.Port)
	}
	return nil
}

// Addr returns the host:port the API server binds to.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
