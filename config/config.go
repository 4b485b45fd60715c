package config

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything the server and worker binaries need. Loaded once at
// startup and passed down explicitly; nothing reads viper after Load returns.
type Config struct {
	Port int

	MediaRoot   string
	IncomingDir string
	ArchiveDir  string

	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPort     string
	DBSSLMode  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	WorkerCount   int

	CaptionAPIKey  string
	CaptionBaseURL string
	CaptionModel   string
	CaptionTimeout time.Duration

	CLIPHost    string
	CLIPPort    int
	CLIPTimeout time.Duration

	IndexName    string
	Namespace    string
	EmbeddingDim int
	DefaultTopK  int
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	viper.SetConfigFile(".env")
	viper.SetConfigType("env")

	viper.SetDefault("PORT", 8080)
	viper.SetDefault("MEDIA_ROOT", "photos")
	viper.SetDefault("INCOMING_DIR", "photos/recent")
	viper.SetDefault("ARCHIVE_DIR", "photos/all")

	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("REDIS_PASSWORD", "")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("WORKER_COUNT", 4)

	viper.SetDefault("CAPTION_MODEL", "gpt-4o-mini")
	viper.SetDefault("CAPTION_TIMEOUT_SECONDS", 60)

	viper.SetDefault("CLIP_HOST", "localhost")
	viper.SetDefault("CLIP_PORT", 8000)
	viper.SetDefault("CLIP_TIMEOUT_SECONDS", 30)

	viper.SetDefault("INDEX_NAME", "deep-image-retriever")
	viper.SetDefault("NAMESPACE", "__default__")
	viper.SetDefault("EMBEDDING_DIM", 512)
	viper.SetDefault("DEFAULT_TOP_K", 5)

	if err := viper.ReadInConfig(); err != nil {
		log.Println("Warning: Error reading .env file:", err)
	}
	viper.AutomaticEnv()

	cfg := &Config{
		Port:        viper.GetInt("PORT"),
		MediaRoot:   viper.GetString("MEDIA_ROOT"),
		IncomingDir: viper.GetString("INCOMING_DIR"),
		ArchiveDir:  viper.GetString("ARCHIVE_DIR"),

		DBHost:     viper.GetString("DB_HOST"),
		DBUser:     viper.GetString("DB_USER"),
		DBPassword: viper.GetString("DB_PASSWORD"),
		DBName:     viper.GetString("DB_NAME"),
		DBPort:     viper.GetString("DB_PORT"),
		DBSSLMode:  viper.GetString("DB_SSLMODE"),

		RedisAddr:     viper.GetString("REDIS_ADDR"),
		RedisPassword: viper.GetString("REDIS_PASSWORD"),
		RedisDB:       viper.GetInt("REDIS_DB"),
		WorkerCount:   viper.GetInt("WORKER_COUNT"),

		CaptionAPIKey:  viper.GetString("CAPTION_API_KEY"),
		CaptionBaseURL: viper.GetString("CAPTION_BASE_URL"),
		CaptionModel:   viper.GetString("CAPTION_MODEL"),
		CaptionTimeout: time.Duration(viper.GetInt("CAPTION_TIMEOUT_SECONDS")) * time.Second,

		CLIPHost:    viper.GetString("CLIP_HOST"),
		CLIPPort:    viper.GetInt("CLIP_PORT"),
		CLIPTimeout: time.Duration(viper.GetInt("CLIP_TIMEOUT_SECONDS")) * time.Second,

		IndexName:    viper.GetString("INDEX_NAME"),
		Namespace:    viper.GetString("NAMESPACE"),
		EmbeddingDim: viper.GetInt("EMBEDDING_DIM"),
		DefaultTopK:  viper.GetInt("DEFAULT_TOP_K"),
	}

	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}

	if err := cfg.validateDB(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validateDB() error {
	missing := []string{}
	for name, value := range map[string]string{
		"DB_HOST":     c.DBHost,
		"DB_USER":     c.DBUser,
		"DB_PASSWORD": c.DBPassword,
		"DB_NAME":     c.DBName,
		"DB_PORT":     c.DBPort,
		"DB_SSLMODE":  c.DBSSLMode,
	} {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing required database environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// DSN builds the postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort, c.DBSSLMode)
}
