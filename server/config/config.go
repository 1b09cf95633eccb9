package config

import (
	"encoding/json"
	"fmt"
	"os"
)

type Config struct {
	ListenAddr     string   `json:"listenAddr"`     // eg ":5001"
	AllowedOrigins []string `json:"allowedOrigins"` // CORS origins allowed to call the API, eg http://localhost:8080. "*" allows any.
	DefaultSource  string   `json:"defaultSource"`  // Source to open at startup. Empty = wait for /start_stream.
	JPEGQuality    int      `json:"jpegQuality"`    // Re-encode quality for relayed frames (0..100)
	FrameRate      int      `json:"frameRate"`      // Cap on capture and viewer frame rate
	RetryBackoffMS int      `json:"retryBackoffMS"` // Wait after a failed frame read
	StopTimeoutMS  int      `json:"stopTimeoutMS"`  // Bounded wait for the old capture loop during a source switch
}

func DefaultConfig() *Config {
	return &Config{
		ListenAddr:     ":5001",
		AllowedOrigins: []string{"http://localhost:8080"},
		JPEGQuality:    85,
		FrameRate:      30,
		RetryBackoffMS: 2000,
		StopTimeoutMS:  2000,
	}
}

func LoadConfig(filename string) (*Config, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
	}
	return cfg, nil
}
