package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"msgrelay/internal/domain"
	"msgrelay/internal/security"
	"msgrelay/internal/store"
)

func allowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allow",
		Short: "Manage stored allow-list entries",
		Long:  "Adds, removes and lists senders admitted on channels whose policy is \"allowlist\". Needs security.dbPath.",
	}

	var (
		ttl  time.Duration
		note string
	)
	add := &cobra.Command{
		Use:   "add [platform] [user-id]",
		Short: "Admit a sender",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			platform, err := parsePlatformArg(args[0])
			if err != nil {
				return err
			}
			return withAllowList(cmd.Context(), func(ctx context.Context, a *security.AllowList) error {
				return a.Add(ctx, platform, args[1], ttl, note)
			})
		},
	}
	add.Flags().DurationVar(&ttl, "ttl", 0, "entry lifetime (e.g. 72h); 0 never expires")
	add.Flags().StringVar(&note, "note", "", "free-form note stored with the entry")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "remove [platform] [user-id]",
		Short: "Revoke a stored sender",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			platform, err := parsePlatformArg(args[0])
			if err != nil {
				return err
			}
			return withAllowList(cmd.Context(), func(ctx context.Context, a *security.AllowList) error {
				removed, err := a.Remove(ctx, platform, args[1])
				if err != nil {
					return err
				}
				if !removed {
					return fmt.Errorf("%s sender %q is not in the allow-list", platform, args[1])
				}
				logger.Info("sender removed", "platform", platform, "user_id", args[1])
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list [platform]",
		Short: "List stored senders, optionally for one platform",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var platform domain.Platform
			if len(args) == 1 {
				p, err := parsePlatformArg(args[0])
				if err != nil {
					return err
				}
				platform = p
			}
			return withAllowList(cmd.Context(), func(ctx context.Context, a *security.AllowList) error {
				entries, err := a.List(ctx, platform)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "PLATFORM\tUSER\tADDED\tEXPIRES\tNOTE")
				for _, e := range entries {
					expires := "never"
					if e.ExpiresAt != nil {
						expires = e.ExpiresAt.Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Platform, e.UserID, e.AddedAt.Format(time.RFC3339), expires, e.Note)
				}
				return w.Flush()
			})
		},
	})

	return cmd
}

func parsePlatformArg(s string) (domain.Platform, error) {
	p, ok := domain.ParsePlatform(s)
	if !ok {
		return "", fmt.Errorf("unknown platform %q (want whatsapp, telegram or imessage)", s)
	}
	return p, nil
}

// withAllowList opens the configured store for the duration of fn.
func withAllowList(ctx context.Context, fn func(context.Context, *security.AllowList) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Security.DBPath == "" {
		return errors.New("security.dbPath is not configured")
	}
	db, err := store.Open(cfg.Security.DBPath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return fn(ctx, security.NewAllowList(security.AllowListConfig{DB: db, Logger: logger}))
}
