package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/email"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:    "mailsync",
		Usage:   "synchronize IMAP accounts with a local Maildir",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the config file",
				EnvVars: []string{"MAILSYNC_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "account",
				Aliases: []string{"a"},
				Usage:   "account name, defaults to the first configured account",
			},
		},
		Commands: []*cli.Command{
			syncCommand(),
			previewCommand(),
			watchCommand(),
			foldersCommand(),
			resolveCommand(),
			accountsCommand(),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// env holds what every command needs. Commands build it with setup and
// release it with close.
type env struct {
	cfg     *config.Config
	logger  *logrus.Logger
	cache   *cache.Cache
	store   *cache.Store
	manager *email.Manager
}

func setup(c *cli.Context) (*env, error) {
	// Set up logging
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	// Load configuration
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Initialize cache
	syncCache, err := cache.NewCache(cfg.CachePath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	store := cache.NewStore(syncCache, logger)

	for i := range cfg.Accounts {
		if _, err := store.UpsertAccount(&cfg.Accounts[i]); err != nil {
			syncCache.Close()
			return nil, fmt.Errorf("failed to register account %s: %w", cfg.Accounts[i].Name, err)
		}
	}

	return &env{
		cfg:     cfg,
		logger:  logger,
		cache:   syncCache,
		store:   store,
		manager: email.NewManager(cfg, logger),
	}, nil
}

func (e *env) close() {
	if err := e.manager.Close(); err != nil {
		e.logger.WithError(err).Warn("Failed to close accounts")
	}
	if err := e.cache.Close(); err != nil {
		e.logger.WithError(err).Warn("Failed to close cache")
	}
}

// accounts returns the account named by --account, every account when
// all is set, or the default account.
func (e *env) accounts(c *cli.Context, all bool) ([]*config.AccountConfig, error) {
	if all {
		out := make([]*config.AccountConfig, 0, len(e.cfg.Accounts))
		for i := range e.cfg.Accounts {
			out = append(out, &e.cfg.Accounts[i])
		}
		return out, nil
	}
	if name := c.String("account"); name != "" {
		acc, err := e.cfg.GetAccountByName(name)
		if err != nil {
			return nil, err
		}
		return []*config.AccountConfig{acc}, nil
	}
	acc := e.cfg.GetDefaultAccount()
	if acc == nil {
		return nil, fmt.Errorf("no accounts configured")
	}
	return []*config.AccountConfig{acc}, nil
}
