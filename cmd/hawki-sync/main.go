// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

// hawki-sync is the operator CLI for the HAWKI client engine. It
// drives the local replica without a UI: one-shot change-log
// reconciliation, replica destruction, and identity inspection.
//
// Configuration comes from a single file named by HAWKI_CONFIG or
// --config; the login token is read from a file or prompted for,
// never taken from the config itself.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/hawki-chat/hawki/client"
	"github.com/hawki-chat/hawki/lib/config"
	"github.com/hawki-chat/hawki/lib/secret"
	"github.com/hawki-chat/hawki/lib/version"
	"github.com/hawki-chat/hawki/messaging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var roomID string
	var tokenFile string
	var passphraseFile string
	var verbose bool

	flagSet := pflag.NewFlagSet("hawki-sync", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to config file (default: $HAWKI_CONFIG)")
	flagSet.StringVar(&roomID, "room", "", "additionally reconcile this room after the global run (sync only)")
	flagSet.StringVar(&tokenFile, "token-file", "", "file holding the login token (overrides auth.token_file)")
	flagSet.StringVar(&passphraseFile, "passphrase-file", "", "file holding the keychain passphrase; empty prompts, \"-\" skips local keychain persistence")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log debug detail to stderr")
	flagSet.BoolP("help", "h", false, "show help")

	// Handle --version before flag parsing to match other HAWKI binaries.
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Println("hawki-sync " + version.Info())
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	args := flagSet.Args()
	if len(args) != 1 {
		printHelp(flagSet)
		return fmt.Errorf("expected exactly one command, got %d", len(args))
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "sync":
		return runSync(ctx, cfg, logger, roomID, tokenFile, passphraseFile)
	case "wipe":
		return runWipe(ctx, cfg)
	case "whoami":
		return runWhoami(ctx, cfg, tokenFile)
	default:
		return fmt.Errorf("unknown command %q (want sync, wipe, or whoami)", args[0])
	}
}

func loadConfig(configPath string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newMessagingClient(cfg *config.Config) (*messaging.Client, error) {
	timeout, err := cfg.Server.TimeoutDuration()
	if err != nil {
		return nil, err
	}
	return messaging.NewClient(messaging.ClientConfig{
		ServerURL:  cfg.Server.URL,
		HTTPClient: &http.Client{Timeout: timeout},
	})
}

func login(ctx context.Context, cfg *config.Config, tokenFile string) (*messaging.Client, *messaging.Session, error) {
	apiClient, err := newMessagingClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	if tokenFile == "" {
		tokenFile = cfg.Auth.TokenFile
	}
	token, err := readSecret("Token", tokenFile)
	if err != nil {
		return nil, nil, err
	}
	defer token.Close()

	session, err := apiClient.Login(ctx, cfg.Auth.Username, token)
	if err != nil {
		return nil, nil, err
	}
	return apiClient, session, nil
}

func runSync(ctx context.Context, cfg *config.Config, logger *slog.Logger, roomID, tokenFile, passphraseFile string) error {
	apiClient, session, err := login(ctx, cfg, tokenFile)
	if err != nil {
		return err
	}

	passphrase, err := readPassphrase(passphraseFile)
	if err != nil {
		return err
	}

	started := time.Now()
	conn, err := client.Open(ctx, client.Config{
		Client:       apiClient,
		Session:      session,
		StorePath:    cfg.Store.Path,
		PoolSize:     cfg.Store.PoolSize,
		Passphrase:   passphrase,
		ChunkLimit:   cfg.Sync.ChunkLimit,
		Logger:       logger,
		SkipRealtime: true,
	})
	if err != nil {
		return err
	}
	defer conn.Close(context.WithoutCancel(ctx))

	if roomID != "" {
		if _, err := conn.SyncRoom(ctx, roomID); err != nil {
			return fmt.Errorf("room sync: %w", err)
		}
	}

	fmt.Printf("synced %s in %s\n", cfg.Store.Path, time.Since(started).Round(time.Millisecond))
	return nil
}

func runWipe(ctx context.Context, cfg *config.Config) error {
	if err := client.WipeReplica(ctx, cfg.Store.Path, cfg.Store.PoolSize); err != nil {
		return err
	}
	fmt.Printf("wiped %s\n", cfg.Store.Path)
	return nil
}

func runWhoami(ctx context.Context, cfg *config.Config, tokenFile string) error {
	apiClient, session, err := login(ctx, cfg, tokenFile)
	if err != nil {
		return err
	}
	defer session.Close()

	info, err := apiClient.ServerInfo(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("user:    %s (%s)\n", session.Username(), session.UserID())
	fmt.Printf("server:  %s (version %s)\n", apiClient.BaseURL(), info.Version)
	if expiry := session.TokenExpiry(); !expiry.IsZero() {
		fmt.Printf("expires: %s\n", expiry.Format(time.RFC3339))
	}
	return nil
}

// readSecret reads a secret from a file, or prompts on the terminal
// with echo disabled when no file is given.
func readSecret(prompt, path string) (*secret.Buffer, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		trimmed := []byte(strings.TrimRight(string(data), "\r\n"))
		if len(trimmed) == 0 {
			return nil, fmt.Errorf("%s is empty", path)
		}
		return secret.NewFromBytes(trimmed)
	}

	stdinFileDescriptor := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFileDescriptor) {
		return nil, fmt.Errorf("no terminal available for interactive %s prompt (use a file)", strings.ToLower(prompt))
	}
	fmt.Fprintf(os.Stderr, "%s: ", prompt)
	secretBytes, err := term.ReadPassword(stdinFileDescriptor)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", strings.ToLower(prompt), err)
	}
	return secret.NewFromBytes(secretBytes)
}

// readPassphrase resolves the keychain passphrase. "-" opts out of
// local keychain persistence entirely.
func readPassphrase(passphraseFile string) (string, error) {
	if passphraseFile == "-" {
		return "", nil
	}
	buffer, err := readSecret("Keychain passphrase", passphraseFile)
	if err != nil {
		return "", err
	}
	defer buffer.Close()
	return buffer.String(), nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `hawki-sync — operator CLI for the HAWKI client engine.

Reconciles the local replica against the server's change log, wipes
it, or inspects the authenticated identity. Configuration comes from
the file named by HAWKI_CONFIG or --config.

Usage:
  hawki-sync [flags] sync     run a global reconciliation (and --room)
  hawki-sync [flags] wipe     destroy the local replica
  hawki-sync [flags] whoami   print the authenticated identity
  hawki-sync --version        print the version

Flags:
%s`, flagSet.FlagUsages())
}
