package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/l0p7/messenger"
)

// Config holds every option the messenger tool reads from defaults, files and
// the environment.
type Config struct {
	Graph     GraphConfig     `koanf:"graph"`
	Logging   LoggingConfig   `koanf:"logging"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Templates TemplatesConfig `koanf:"templates"`
}

// GraphConfig carries the page credentials and API coordinates.
type GraphConfig struct {
	AccessToken string `koanf:"accessToken"`
	AppID       string `koanf:"appId"`
	AppSecret   string `koanf:"appSecret"`
	APIVersion  string `koanf:"apiVersion"`
	BaseURL     string `koanf:"baseUrl"`
	UserAgent   string `koanf:"userAgent"`
}

// Client converts the graph block into the client configuration.
func (g GraphConfig) Client() messenger.Config {
	return messenger.Config{
		AccessToken: g.AccessToken,
		AppID:       g.AppID,
		AppSecret:   g.AppSecret,
		APIVersion:  g.APIVersion,
		BaseURL:     g.BaseURL,
	}
}

// LogValue reuses the client's redaction so tokens never reach the logs.
func (g GraphConfig) LogValue() slog.Value {
	return g.Client().LogValue()
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConfig names the node-exporter textfile the tool writes on exit.
// An empty path disables the export.
type MetricsConfig struct {
	Textfile string `koanf:"textfile"`
}

// TemplatesConfig captures the template sandbox root for message bodies.
type TemplatesConfig struct {
	Folder string `koanf:"folder"`
}

// Validate enforces the invariants the client relies on before any request is
// built.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if strings.TrimSpace(c.Graph.AccessToken) == "" {
		return errors.New("config: graph.accessToken required")
	}
	if strings.TrimSpace(c.Graph.APIVersion) == "" {
		return errors.New("config: graph.apiVersion required")
	}
	base, err := url.Parse(c.Graph.BaseURL)
	if err != nil {
		return fmt.Errorf("config: graph.baseUrl invalid: %w", err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return fmt.Errorf("config: graph.baseUrl must be an absolute http(s) url: %q", c.Graph.BaseURL)
	}
	if (c.Graph.AppID == "") != (c.Graph.AppSecret == "") {
		return errors.New("config: graph.appId and graph.appSecret must be set together")
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Graph: GraphConfig{
			APIVersion: messenger.DefaultAPIVersion,
			BaseURL:    messenger.DefaultBaseURL,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
