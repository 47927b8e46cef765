// Package wizard provides an interactive setup wizard for the resonat server.
package wizard

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/resonat-chat/resonat/internal/config"
	"github.com/resonat-chat/resonat/pkg/cli"
)

// Wizard drives the interactive server config setup.
type Wizard struct {
	p *cli.Prompter
}

// New creates a Wizard using the given Prompter.
func New(p *cli.Prompter) *Wizard {
	return &Wizard{p: p}
}

// Run executes the interactive wizard and writes the config file.
func (w *Wizard) Run(outputPath string) error {
	_, _ = fmt.Fprintln(w.p.Out)
	_, _ = fmt.Fprintln(w.p.Out, "  Resonat — Configuration Wizard")
	_, _ = fmt.Fprintln(w.p.Out, strings.Repeat("─", 38))
	_, _ = fmt.Fprintln(w.p.Out)

	cfg := &config.Config{}

	// JWT secret — auto-generated.
	secret, err := config.GenerateRandomSecret()
	if err != nil {
		return fmt.Errorf("generate JWT secret: %w", err)
	}
	cfg.Auth.JWTSecret = secret
	_, _ = fmt.Fprintf(w.p.Out, "  Generated JWT secret: %s\n\n", secret)

	// Server settings.
	_, _ = fmt.Fprintln(w.p.Out, "Server")
	cfg.Server.Addr = w.p.Ask("  Listen address", ":8080")
	origins := w.p.Ask("  Allowed origins (comma separated)", "*")
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.Server.AllowedOrigins = append(cfg.Server.AllowedOrigins, o)
		}
	}
	_, _ = fmt.Fprintln(w.p.Out)

	// Storage.
	_, _ = fmt.Fprintln(w.p.Out, "Storage")
	driver := w.p.Choose("  Database driver", []string{"sqlite", "postgres"}, 0)
	cfg.Storage.Driver = driver

	switch driver {
	case "sqlite":
		cfg.Storage.DSN = w.p.Ask("  SQLite database path", "resonat.db")
	case "postgres":
		host := w.p.Ask("  PostgreSQL host", "localhost:5432")
		dbName := w.p.Ask("  Database name", "resonat")
		dbUser := w.p.Ask("  Database user", "resonat")
		dbPass := w.p.AskSecret("  Database password")
		cfg.Storage.DSN = fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
			url.QueryEscape(dbUser), url.QueryEscape(dbPass), host, dbName)
	}
	_, _ = fmt.Fprintln(w.p.Out)

	// Attachments.
	_, _ = fmt.Fprintln(w.p.Out, "Attachments")
	cfg.Upload.Dir = w.p.Ask("  Upload directory", "./resonat-uploads")
	maxMB := w.p.AskInt("  Max attachment size (MB)", 10)
	cfg.Upload.MaxFileBytes = int64(maxMB) * 1024 * 1024
	_, _ = fmt.Fprintln(w.p.Out)

	// TOTP issuer shown in authenticator apps.
	if w.p.Confirm("Customize the two-factor issuer name?", false) {
		cfg.Auth.TOTPIssuer = w.p.Ask("  Issuer", "Resonat")
	}

	// Output path.
	if outputPath == "" {
		outputPath = w.p.Ask("Config file output path", "./resonat.json")
	}

	if err := writeConfig(cfg, outputPath); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(w.p.Out, "\n  Config written to %s\n", outputPath)
	_, _ = fmt.Fprintln(w.p.Out)
	_, _ = fmt.Fprintln(w.p.Out, "  Next steps:")
	_, _ = fmt.Fprintf(w.p.Out, "    resonat-server run %s\n\n", outputPath)

	return nil
}

// RunDefaults generates a config non-interactively using environment
// variables and secure auto-generated secrets. Used by Docker entrypoints.
func (w *Wizard) RunDefaults(outputPath string) error {
	cfg := &config.Config{}

	secret, err := config.GenerateRandomSecret()
	if err != nil {
		return fmt.Errorf("generate JWT secret: %w", err)
	}
	cfg.Auth.JWTSecret = secret

	cfg.Server.Addr = envOr("RESONAT_ADDR", ":8080")
	if origins := os.Getenv("RESONAT_ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.Server.AllowedOrigins = append(cfg.Server.AllowedOrigins, o)
			}
		}
	}

	cfg.Storage.Driver = envOr("RESONAT_STORAGE_DRIVER", "sqlite")
	switch cfg.Storage.Driver {
	case "sqlite":
		cfg.Storage.DSN = envOr("RESONAT_STORAGE_DSN", "/var/lib/resonat/resonat.db")
	case "postgres":
		cfg.Storage.DSN = os.Getenv("RESONAT_STORAGE_DSN")
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("RESONAT_STORAGE_DSN is required when using postgres driver")
		}
	}

	cfg.Upload.Dir = envOr("RESONAT_UPLOAD_DIR", "/var/lib/resonat/uploads")

	if outputPath == "" {
		outputPath = "./resonat.json"
	}
	if err := writeConfig(cfg, outputPath); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(w.p.Out, "Config generated at %s\n", outputPath)
	return nil
}

func writeConfig(cfg *config.Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
