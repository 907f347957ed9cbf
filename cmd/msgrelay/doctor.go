package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"msgrelay/internal/agent"
	"msgrelay/internal/config"
	"msgrelay/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the relay setup",
		Long: `Verifies that the configuration, channels, allow-list database, listen port
and agent endpoint are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("msgrelay doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var passed, failed, warned int

			cfg, err := loadConfig()
			if err != nil {
				printFail("Config", err.Error())
				fmt.Printf("\nFix the configuration and run doctor again.\n")
				return fmt.Errorf("1 check(s) failed")
			}
			printPass("Config", describeConfigSource())
			passed++

			channels := map[string]bool{
				"WhatsApp": cfg.Channels.WhatsApp.Enabled,
				"Telegram": cfg.Channels.Telegram.Enabled,
				"iMessage": cfg.Channels.IMessage.Enabled,
			}
			enabled := 0
			for _, name := range []string{"WhatsApp", "Telegram", "iMessage"} {
				if channels[name] {
					enabled++
					printPass("Channel: "+name, "enabled")
					passed++
				}
			}
			if enabled == 0 {
				printFail("Channels", "no channels enabled")
				failed++
			}
			if wa := cfg.Channels.WhatsApp; wa.Enabled && wa.AppSecret == "" {
				printWarn("WhatsApp secret", "appSecret empty, signatures not verified")
				warned++
			}
			if tg := cfg.Channels.Telegram; tg.Enabled && tg.WebhookSecret == "" {
				printWarn("Telegram secret", "webhookSecret empty, requests not verified")
				warned++
			}
			if im := cfg.Channels.IMessage; im.Enabled && im.WebhookSecret == "" {
				printWarn("iMessage secret", "webhookSecret empty, signatures not verified")
				warned++
			}

			if cfg.Security.DBPath != "" {
				if err := checkDatabase(cfg.Security.DBPath); err != nil {
					printFail("Database", err.Error())
					failed++
				} else {
					printPass("Database", cfg.Security.DBPath)
					passed++
				}
			} else {
				printWarn("Database", "security.dbPath not set, only static allow-lists apply")
				warned++
			}

			if err := checkPort(cfg.Server.Addr()); err != nil {
				printWarn("Listen address", fmt.Sprintf("%s may be in use: %v", cfg.Server.Addr(), err))
				warned++
			} else {
				printPass("Listen address", cfg.Server.Addr()+" available")
				passed++
			}

			if err := checkAgent(cmd.Context(), cfg.Agent); err != nil {
				printFail("Agent", err.Error())
				failed++
			} else {
				printPass("Agent", cfg.Agent.APIBase)
				passed++
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running msgrelay.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nmsgrelay should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! msgrelay is ready to serve.\n")
			}
			return nil
		},
	}
}

func describeConfigSource() string {
	if configPath == "" {
		return "defaults + " + config.EnvPrefix + "_* environment"
	}
	return configPath
}

func checkDatabase(path string) error {
	db, err := store.Open(path, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	v, err := store.SchemaVersion(db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if v == 0 {
		return fmt.Errorf("migrations not applied")
	}
	return nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

func checkAgent(ctx context.Context, cfg config.AgentConfig) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client := agent.NewHTTPClient(agent.HTTPConfig{
		APIBase: cfg.APIBase,
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		Logger:  logger,
	})
	defer client.Disconnect(ctx)
	return client.Connect(ctx)
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
