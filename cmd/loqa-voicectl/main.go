package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/ledger"
	"github.com/loqalabs/loqa-voice/internal/store"
)

var version = "0.1.0-dev"

const usage = "expected 'validate', 'merge', 'sweep' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "validate":
		err = runValidate(os.Args[2:])
	case "merge":
		err = runMerge(ctx, os.Args[2:])
	case "sweep":
		err = runSweep(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "loqa-voice.yaml", "Path to configuration file")
	fs.Parse(args)

	if _, err := config.Load(*configPath); err != nil {
		return err
	}
	fmt.Println("config valid")
	return nil
}

func runMerge(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("merge", flag.ExitOnError)
	configPath := fs.String("config", "loqa-voice.yaml", "Path to configuration file")
	conversationID := fs.String("conversation", "", "Conversation to finalize and merge")
	fs.Parse(args)
	if *conversationID == "" {
		return errors.New("merge: -conversation is required")
	}

	l, closeStore, err := openLedger(ctx, *configPath)
	if err != nil {
		return err
	}
	defer closeStore()

	seg, err := l.EndConversation(ctx, *conversationID, "operator")
	if err != nil {
		return fmt.Errorf("merge %s: %w", *conversationID, err)
	}
	fmt.Printf("merged %s into %s (%d bytes)\n", *conversationID, seg.ID, seg.Size)
	return nil
}

func runSweep(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	configPath := fs.String("config", "loqa-voice.yaml", "Path to configuration file")
	fs.Parse(args)

	l, closeStore, err := openLedger(ctx, *configPath)
	if err != nil {
		return err
	}
	defer closeStore()

	n, err := l.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	fmt.Printf("removed %d expired segments\n", n)
	return nil
}

func openLedger(ctx context.Context, configPath string) (*ledger.Ledger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return nil, nil, err
	}
	opts := ledger.OptionsFromConfig(cfg.Ledger)
	opts.Logger = logger
	return ledger.New(st, opts), func() { _ = st.Close() }, nil
}
