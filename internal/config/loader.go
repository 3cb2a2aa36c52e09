package config

import (
	"fmt"
	"time"

	"github.com/balanceo/finflow/internal/db"
	"github.com/spf13/viper"
)

// Server holds HTTP listener settings.
type Server struct {
	Addr string
}

// Storage holds object-storage settings.
type Storage struct {
	Bucket string
}

// Pipeline holds the ingestion policy knobs.
type Pipeline struct {
	ErrorCap         int     // max rejected rows per job before hard failure
	QualityThreshold float64 // minimum valid-row ratio to proceed without override
	BatchBytes       int     // estimated serialized size per insert batch
	RejectSampleSize int     // rows kept in the rejected-sample artifact
	DownloadTimeout  time.Duration
	TransformTimeout time.Duration
}

// Config is the full service configuration.
type Config struct {
	DB       db.Config
	Server   Server
	Storage  Storage
	Pipeline Pipeline
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DB: db.DefaultConfig(),
		Server: Server{
			Addr: ":8080",
		},
		Storage: Storage{
			Bucket: "finflow-uploads",
		},
		Pipeline: Pipeline{
			ErrorCap:         5000,
			QualityThreshold: 0.80,
			BatchBytes:       3 << 20,
			RejectSampleSize: 50,
			DownloadTimeout:  2 * time.Minute,
			TransformTimeout: 5 * time.Minute,
		},
	}
}

// Load reads config.yaml from configPath, with environment overrides.
func Load(configPath string) (Config, error) {
	// Start with defaults
	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv()          // allow environment overrides
	v.SetEnvPrefix("FINFLOW") // map env vars like FINFLOW_DATABASE_HOST

	v.BindEnv("database.host")
	v.BindEnv("database.port")
	v.BindEnv("database.user")
	v.BindEnv("database.password")
	v.BindEnv("database.dbname")
	v.BindEnv("database.sslmode")
	v.BindEnv("server.addr")
	v.BindEnv("storage.bucket")

	if err := v.ReadInConfig(); err != nil {
		// Config file not found? Just log it, use defaults + env
		fmt.Println("No config.yaml found, using defaults and env vars")
	} else {
		fmt.Println("Loaded config.yaml")
	}

	if v.IsSet("database.host") {
		cfg.DB.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.DB.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.DB.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.DB.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.DB.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.DB.SSLMode = v.GetString("database.sslmode")
	}

	if v.IsSet("server.addr") {
		cfg.Server.Addr = v.GetString("server.addr")
	}
	if v.IsSet("storage.bucket") {
		cfg.Storage.Bucket = v.GetString("storage.bucket")
	}

	if v.IsSet("pipeline.error_cap") {
		cfg.Pipeline.ErrorCap = v.GetInt("pipeline.error_cap")
	}
	if v.IsSet("pipeline.quality_threshold") {
		cfg.Pipeline.QualityThreshold = v.GetFloat64("pipeline.quality_threshold")
	}
	if v.IsSet("pipeline.batch_bytes") {
		cfg.Pipeline.BatchBytes = v.GetInt("pipeline.batch_bytes")
	}
	if v.IsSet("pipeline.reject_sample_size") {
		cfg.Pipeline.RejectSampleSize = v.GetInt("pipeline.reject_sample_size")
	}
	if v.IsSet("pipeline.download_timeout") {
		cfg.Pipeline.DownloadTimeout = v.GetDuration("pipeline.download_timeout")
	}
	if v.IsSet("pipeline.transform_timeout") {
		cfg.Pipeline.TransformTimeout = v.GetDuration("pipeline.transform_timeout")
	}

	return cfg, nil
}
