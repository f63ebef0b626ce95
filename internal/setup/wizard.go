package setup

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/chairbook/calsync/internal/config"
)

// Wizard guides the user through first-run configuration: bind address,
// provider credentials, and the export signing key.
type Wizard struct {
	prompt *Prompter
	logger *slog.Logger
	w      io.Writer
}

// NewWizard creates a Wizard wired to the given I/O and logger.
func NewWizard(r io.Reader, w io.Writer, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt: NewPrompter(r, w),
		logger: logger,
		w:      w,
	}
}

// Run executes the interactive setup wizard and writes config.yaml.
func (wiz *Wizard) Run(_ context.Context) error {
	fmt.Fprintf(wiz.w, "\nWelcome to Calsync Setup!\n")
	fmt.Fprintf(wiz.w, "This wizard will write a starter configuration for the sync daemon.\n\n")

	cfgPath, err := config.DefaultPath()
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}

	if _, statErr := os.Stat(cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return nil
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	// Step 1: Daemon basics.
	fmt.Fprintf(wiz.w, "Step 1/3 — Daemon\n")

	listen := wiz.prompt.String("HTTP listen address", ":8084")
	defaultDB, _ := config.DefaultDBPath()
	dbPath := wiz.prompt.String("Database path", defaultDB)

	tickStr := wiz.prompt.String("Scheduler tick (5s–5m)", "30s")
	tick, parseErr := time.ParseDuration(tickStr)
	if parseErr != nil {
		tick = 30 * time.Second
		fmt.Fprintf(wiz.w, "  (invalid duration, using default 30s)\n")
	}
	fmt.Fprintf(wiz.w, "\n")

	// Step 2: Providers.
	fmt.Fprintf(wiz.w, "Step 2/3 — Calendar Providers\n")

	providers, err := wiz.buildProviders()
	if err != nil {
		return err
	}

	// Step 3: Export signing key + write.
	fmt.Fprintf(wiz.w, "Step 3/3 — Save Configuration\n")

	signingKey := wiz.prompt.String("Export signing key", newSigningKey())

	cfg := &config.Config{
		Listen:           listen,
		DBPath:           dbPath,
		SchedulerTick:    tick,
		ExportSigningKey: signingKey,
		Providers:        providers,
	}

	if err := cfg.Write(cfgPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n\n", cfgPath)

	fmt.Fprintf(wiz.w, "Setup complete!\n")
	fmt.Fprintf(wiz.w, "  Start the daemon:  calsyncd serve\n")
	fmt.Fprintf(wiz.w, "  Check state:       calsyncd status\n\n")

	return nil
}

// buildProviders asks which providers to enable and collects credentials for
// each.
func (wiz *Wizard) buildProviders() (config.ProvidersConfig, error) {
	var out config.ProvidersConfig

	options := []string{
		"Google Calendar (OAuth2)",
		"Outlook / Microsoft 365 (OAuth2)",
		"Apple iCloud (CalDAV)",
		"Generic CalDAV server",
	}
	picked, err := wiz.prompt.MultiSelect("Which providers should be available?", options)
	if err != nil {
		return out, fmt.Errorf("selecting providers: %w", err)
	}

	for _, idx := range picked {
		fmt.Fprintf(wiz.w, "\n")
		switch idx {
		case 0:
			fmt.Fprintf(wiz.w, "  Google Calendar:\n")
			out.Google = &config.GoogleConfig{
				ClientID:     wiz.prompt.String("Client ID", ""),
				ClientSecret: wiz.prompt.Secret("Client secret"),
				TokenFile:    wiz.prompt.String("Token file", "~/.config/calsync/google-token.json"),
			}
			if wiz.prompt.Confirm("Configure a push notification channel token?", false) {
				out.Google.WebhookToken = wiz.prompt.Secret("Channel token")
			}
		case 1:
			fmt.Fprintf(wiz.w, "  Outlook / Microsoft 365:\n")
			out.Outlook = &config.OutlookConfig{
				ClientID:     wiz.prompt.String("Client ID", ""),
				ClientSecret: wiz.prompt.Secret("Client secret"),
				TenantID:     wiz.prompt.String("Tenant ID", "common"),
				TokenFile:    wiz.prompt.String("Token file", "~/.config/calsync/outlook-token.json"),
				ClientState:  newSigningKey(),
			}
		case 2:
			fmt.Fprintf(wiz.w, "  Apple iCloud (app-specific password required):\n")
			out.Apple = &config.CalDAVConfig{
				Username:      wiz.prompt.String("Apple ID", ""),
				Password:      wiz.prompt.Secret("App-specific password"),
				WebhookSecret: newSigningKey(),
			}
		case 3:
			fmt.Fprintf(wiz.w, "  Generic CalDAV:\n")
			out.CalDAV = &config.CalDAVConfig{
				Endpoint:      wiz.prompt.String("Endpoint URL", ""),
				Username:      wiz.prompt.String("Username", ""),
				Password:      wiz.prompt.Secret("Password"),
				WebhookSecret: newSigningKey(),
			}
		}
	}

	return out, nil
}

// newSigningKey returns a fresh 32-byte random key as hex.
func newSigningKey() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return hex.EncodeToString(buf)
}
