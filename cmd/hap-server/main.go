// Command hap-server runs a minimal HAP accessory server: Pair-Setup over
// HTTP/1.1, backed by a configurable persistence layer.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cvsouth/hap-go/backend"
	"github.com/cvsouth/hap-go/catalog"
	"github.com/cvsouth/hap-go/config"
	"github.com/cvsouth/hap-go/hapcrypto"
	"github.com/cvsouth/hap-go/httpserver"
	"github.com/cvsouth/hap-go/pairsetup"
)

func main() {
	logger, logFile := setupLogging()
	defer func() { _ = logFile.Close() }()

	cfg, err := config.FromFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	b := openBackend(cfg)

	cat := catalog.NewStatic(nil, nil)
	accessories, err := b.LoadAll(context.Background(), cat)
	if err != nil {
		logger.Error("load accessory state", "err", err)
		os.Exit(1)
	}
	logger.Info("loaded accessory state", "count", len(accessories))

	identity, err := loadOrGenerateIdentity(cfg)
	if err != nil {
		logger.Error("accessory identity", "err", err)
		os.Exit(1)
	}

	handler := pairsetup.New(b, identity, cfg.SetupCode, logger)

	router := httpserver.NewRouter(map[string]map[string]httpserver.HandlerFunc{
		"GET":  {"/": httpserver.HealthHandler},
		"POST": {"/pair-setup": httpserver.PairSetupHandler(handler)},
	})

	srv := &httpserver.Server{
		Addr:   cfg.BindAddr,
		Router: router,
		Logger: logger,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		_ = srv.Close()
	}()

	logger.Info("starting hap-server", "addr", cfg.BindAddr, "name", cfg.AccessoryName)
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func setupLogging() (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("hap-server-debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&dualHandler{file: fileHandler, stdout: stdoutHandler})
	return logger, logFile
}

func openBackend(cfg config.Config) backend.Backend {
	if cfg.StoragePath == "" {
		return backend.NewMemory()
	}
	return backend.NewFile(cfg.StoragePath)
}

// loadOrGenerateIdentity derives the accessory's long-term Ed25519 identity
// from a seed stored alongside the pairing state, generating and persisting
// one on first run so the identity survives restarts. With no storage path,
// a fresh identity is generated on every start and nothing is persisted.
func loadOrGenerateIdentity(cfg config.Config) (*hapcrypto.Identity, error) {
	seedPath := cfg.StoragePath + ".identity-seed"
	if cfg.StoragePath == "" {
		identity, err := hapcrypto.GenerateIdentity(cfg.AccessoryName)
		if err != nil {
			return nil, fmt.Errorf("generate accessory identity: %w", err)
		}
		return identity, nil
	}

	if seed, err := os.ReadFile(seedPath); err == nil && len(seed) == 32 {
		var buf [32]byte
		copy(buf[:], seed)
		identity, err := hapcrypto.IdentityFromSeed(cfg.AccessoryName, buf)
		if err != nil {
			return nil, fmt.Errorf("load accessory identity: %w", err)
		}
		return identity, nil
	}

	var seed [32]byte
	identity, err := hapcrypto.GenerateIdentity(cfg.AccessoryName)
	if err != nil {
		return nil, fmt.Errorf("generate accessory identity: %w", err)
	}
	copy(seed[:], identity.PrivateKey[:32])
	if err := os.WriteFile(seedPath, seed[:], 0600); err != nil {
		return nil, fmt.Errorf("persist accessory identity seed: %w", err)
	}
	return identity, nil
}

// dualHandler fans a log record out to a debug JSON log file and a
// human-readable stdout stream.
type dualHandler struct {
	file   slog.Handler
	stdout slog.Handler
}

func (d *dualHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return d.file.Enabled(ctx, level) || d.stdout.Enabled(ctx, level)
}

func (d *dualHandler) Handle(ctx context.Context, r slog.Record) error {
	if d.file.Enabled(ctx, r.Level) {
		if err := d.file.Handle(ctx, r); err != nil {
			return err
		}
	}
	if d.stdout.Enabled(ctx, r.Level) {
		if err := d.stdout.Handle(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (d *dualHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &dualHandler{file: d.file.WithAttrs(attrs), stdout: d.stdout.WithAttrs(attrs)}
}

func (d *dualHandler) WithGroup(name string) slog.Handler {
	return &dualHandler{file: d.file.WithGroup(name), stdout: d.stdout.WithGroup(name)}
}
