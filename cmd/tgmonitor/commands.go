package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tgmonitor/internal/app"
	"tgmonitor/internal/cache"
	"tgmonitor/internal/clock"
	"tgmonitor/internal/config"
	"tgmonitor/internal/domain"
	"tgmonitor/internal/session"
	"tgmonitor/internal/storage"
)

type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func isUsageError(err error) bool {
	var usage usageError
	return errors.As(err, &usage)
}

type sourceFlags struct {
	file string
	dir  string
}

func (f *sourceFlags) load() (config.Config, error) {
	source, err := config.FromCLI(f.file, f.dir)
	if err != nil {
		return config.Config{}, usageError{err: err}
	}
	return config.LoadSnapshot(source)
}

func (f *sourceFlags) source() (config.ConfigSource, error) {
	source, err := config.FromCLI(f.file, f.dir)
	if err != nil {
		return config.ConfigSource{}, usageError{err: err}
	}
	return source, nil
}

// newRootCommand builds the command tree.
// Params: writers for command output and diagnostics.
// Returns: root command ready for Execute.
func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	flags := &sourceFlags{}
	root := &cobra.Command{
		Use:           "tgmonitor",
		Short:         "Forward keyword-matched Telegram messages to a target chat",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&flags.file, "config-file", "", "path to one TOML config file")
	root.PersistentFlags().StringVar(&flags.dir, "config-dir", "", "path to directory with TOML config fragments")

	root.AddCommand(
		newServeCommand(flags),
		newConfigCommand(flags),
		newKeywordCommand(flags, stderr),
		newSessionCommand(flags, stderr),
		newCacheCommand(flags, stderr),
	)
	return root
}

func newServeCommand(flags *sourceFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			source, err := flags.source()
			if err != nil {
				return err
			}
			service, err := app.NewService(source, clock.RealClock{})
			if err != nil {
				return fmt.Errorf("service init failed: %w", err)
			}
			if err := service.Run(cmd.Context()); err != nil {
				return fmt.Errorf("service run failed: %w", err)
			}
			return nil
		},
	}
}

func newConfigCommand(flags *sourceFlags) *cobra.Command {
	configCmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	configCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Load and validate configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "config ok: service=%s listen=%s\n", cfg.Service.Name, cfg.HTTP.Listen)
			_, _ = fmt.Fprintf(out, "gateway=%s prefix=%s delivery=%s queue=%t\n",
				strings.Join(cfg.Gateway.URL, ","), cfg.Gateway.SubjectPrefix, cfg.Delivery.Mode, cfg.Delivery.Queue.Enabled)
			_, _ = fmt.Fprintf(out, "storage=%s cache=%s target=%d auto_start=%t health=%t\n",
				cfg.Storage.DSN, cfg.Cache.Backend, cfg.Monitor.TargetChatID, cfg.Monitor.AutoStart, cfg.Health.IsEnabled())
			return nil
		},
	})
	return configCmd
}

func newKeywordCommand(flags *sourceFlags, stderr io.Writer) *cobra.Command {
	keywordCmd := &cobra.Command{Use: "keyword", Short: "Manage keyword rules directly in storage"}

	keywordCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print every keyword rule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withKeywords(cmd.Context(), flags, stderr, func(ctx context.Context, svc *storage.KeywordService) error {
				rules, err := svc.ListAll(ctx)
				if err != nil {
					return err
				}
				writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(writer, "ID\tCONTENT\tTYPE\tACTION\tCASE")
				for _, rule := range rules {
					_, _ = fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%t\n", rule.ID, rule.Content, rule.Type, rule.Action, rule.CaseSensitive)
				}
				return writer.Flush()
			})
		},
	})

	keywordCmd.AddCommand(&cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Add rules from a YAML file, skipping content that already exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %q: %w", args[0], err)
			}
			rules, err := storage.DecodeYAML(body)
			if err != nil {
				return err
			}
			return withKeywords(cmd.Context(), flags, stderr, func(ctx context.Context, svc *storage.KeywordService) error {
				existing, err := svc.ListAll(ctx)
				if err != nil {
					return err
				}
				fresh := newRules(existing, rules)
				if len(fresh) > 0 {
					if _, err := svc.BatchCreate(ctx, fresh); err != nil {
						return err
					}
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "imported %d keywords, skipped %d\n", len(fresh), len(rules)-len(fresh))
				return nil
			})
		},
	})

	keywordCmd.AddCommand(&cobra.Command{
		Use:   "export <file.yaml>",
		Short: "Write every rule to a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeywords(cmd.Context(), flags, stderr, func(ctx context.Context, svc *storage.KeywordService) error {
				rules, err := svc.ListAll(ctx)
				if err != nil {
					return err
				}
				body, err := storage.EncodeYAML(rules)
				if err != nil {
					return err
				}
				if err := os.WriteFile(args[0], body, 0o644); err != nil {
					return fmt.Errorf("write %q: %w", args[0], err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "exported %d keywords to %s\n", len(rules), args[0])
				return nil
			})
		},
	})
	return keywordCmd
}

func newSessionCommand(flags *sourceFlags, stderr io.Writer) *cobra.Command {
	sessionCmd := &cobra.Command{Use: "session", Short: "Inspect cached login sessions"}

	sessionCmd.AddCommand(&cobra.Command{
		Use:   "show [phone]",
		Short: "Report whether a session is cached for phone (default session.phone)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd.Context(), flags, stderr, func(ctx context.Context, cfg config.Config, store *cache.Logged) error {
				phone, err := sessionPhone(cfg, args)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), sessionReport(ctx, store, phone))
				return nil
			})
		},
	})

	sessionCmd.AddCommand(&cobra.Command{
		Use:   "forget [phone]",
		Short: "Drop the cached session so the next login asks for a code",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd.Context(), flags, stderr, func(ctx context.Context, cfg config.Config, store *cache.Logged) error {
				phone, err := sessionPhone(cfg, args)
				if err != nil {
					return err
				}
				store.Delete(ctx, session.CacheKey(phone))
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "session for %s forgotten\n", phone)
				return nil
			})
		},
	})
	return sessionCmd
}

func newCacheCommand(flags *sourceFlags, stderr io.Writer) *cobra.Command {
	cacheCmd := &cobra.Command{Use: "cache", Short: "Maintain the key/value cache"}
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "clear [pattern]",
		Short: "Remove keys matching a glob pattern, or every key when none is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd.Context(), flags, stderr, func(ctx context.Context, _ config.Config, store *cache.Logged) error {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), clearCache(ctx, store, args))
				return nil
			})
		},
	})
	return cacheCmd
}

func sessionPhone(cfg config.Config, args []string) (string, error) {
	phone := cfg.Session.Phone
	if len(args) > 0 {
		phone = args[0]
	}
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", usageError{err: errors.New("phone argument or session.phone is required")}
	}
	return phone, nil
}

// sessionReport describes the cached session of phone and its remaining lifetime.
func sessionReport(ctx context.Context, store *cache.Logged, phone string) string {
	key := session.CacheKey(phone)
	if !store.Exists(ctx, key) {
		return fmt.Sprintf("no cached session for %s", phone)
	}
	ttl := store.TTL(ctx, key)
	if ttl == cache.TTLNoExpiry {
		return fmt.Sprintf("session for %s cached without expiry", phone)
	}
	return fmt.Sprintf("session for %s cached, expires in %s", phone, time.Duration(ttl)*time.Second)
}

// clearCache drops keys matching the optional pattern, or flushes the whole cache.
func clearCache(ctx context.Context, store *cache.Logged, args []string) string {
	if len(args) == 0 {
		store.FlushAll(ctx)
		return "cache flushed"
	}
	removed := store.DeletePattern(ctx, args[0])
	return fmt.Sprintf("removed %d keys matching %s", removed, args[0])
}

// withCache opens the configured cache for one command.
func withCache(ctx context.Context, flags *sourceFlags, stderr io.Writer, fn func(context.Context, config.Config, *cache.Logged) error) error {
	cfg, err := flags.load()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store, err := cache.Open(cfg.Cache, clock.RealClock{})
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	logged := cache.NewLogged(store, logger)
	defer logged.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, cfg, logged)
}

// withKeywords opens storage and the configured cache so mutations invalidate the
// snapshot a running service reads.
func withKeywords(ctx context.Context, flags *sourceFlags, stderr io.Writer, fn func(context.Context, *storage.KeywordService) error) error {
	cfg, err := flags.load()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	store, err := cache.Open(cfg.Cache, clock.RealClock{})
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer store.Close()
	repo, err := storage.Open(cfg.Storage.DSN, clock.RealClock{})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer repo.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, storage.NewKeywordService(repo, cache.NewLogged(store, logger), logger))
}

// newRules drops rules whose content already exists or repeats within the file.
func newRules(existing, incoming []domain.KeywordRule) []domain.KeywordRule {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, rule := range existing {
		seen[rule.Content] = struct{}{}
	}
	out := make([]domain.KeywordRule, 0, len(incoming))
	for _, rule := range incoming {
		if _, ok := seen[rule.Content]; ok {
			continue
		}
		seen[rule.Content] = struct{}{}
		out = append(out, rule)
	}
	return out
}
