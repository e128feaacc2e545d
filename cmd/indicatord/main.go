package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/voxlight/indicatord/internal/auth"
	"github.com/voxlight/indicatord/internal/config"
	"github.com/voxlight/indicatord/internal/dispatch"
	"github.com/voxlight/indicatord/internal/engine"
	"github.com/voxlight/indicatord/internal/indicator"
	"github.com/voxlight/indicatord/internal/protocol"
	"github.com/voxlight/indicatord/internal/respond"
	"github.com/voxlight/indicatord/internal/store"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	dbPath := flag.String("db", "", "SQLite path (overrides config file)")
	strict := flag.Bool("strict-rate-limit", false, "use the 60 req/60s limiter")
	noLegacy := flag.Bool("no-legacy", false, "reject plain-text legacy commands")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *strict {
		cfg.StrictRateLimit = true
	}
	if *noLegacy {
		cfg.AcceptLegacy = false
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var verifier *auth.Authenticator
	if secret := os.Getenv(config.SecretEnvVar); secret != "" {
		verifier, err = auth.New([]byte(secret), cfg.ReplayWindow)
		if err != nil {
			fatal(fmt.Errorf("%s: %w", config.SecretEnvVar, err))
		}
	}

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer st.Close() //nolint:errcheck

	if err := store.ApplyMigrations(ctx, st.DB()); err != nil {
		fatal(err)
	}

	out := respond.New(os.Stdout, cfg.BatchSize, cfg.BatchInterval)

	var eng *engine.Engine
	disp := dispatch.New(func(env protocol.Response) { eng.EmitAsync(env) }, cfg.QueueCap)
	eng = engine.New(cfg, out, disp, engine.Options{
		Verifier: verifier,
		Auditor:  st,
		Logf:     logf,
	})

	// Rendering and caret detection live in the host application; the
	// engine ships with logging stand-ins so the protocol is fully
	// exercisable from a terminal.
	if err := disp.Wire(stderrRenderer{}, idleDetector{}, store.Binding{Ctx: ctx, Store: st}); err != nil {
		fatal(err)
	}

	if err := eng.Run(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

// stderrRenderer narrates overlay transitions instead of drawing them.
type stderrRenderer struct{}

func (stderrRenderer) Show(cfg indicator.Config) error {
	logf("show shape=%s size=%.0f", *cfg.Shape, *cfg.Size)
	return nil
}

func (stderrRenderer) Hide() error {
	logf("hide")
	return nil
}

func (stderrRenderer) UpdateConfig(cfg indicator.Config) error {
	logf("update shape=%s size=%.0f", *cfg.Shape, *cfg.Size)
	return nil
}

func (stderrRenderer) UpdatePosition(*dispatch.Rect, indicator.Config) error {
	return nil
}

// idleDetector accepts detection requests but never produces positions.
type idleDetector struct{}

func (idleDetector) StartDetection() error            { return nil }
func (idleDetector) StopDetection()                   {}
func (idleDetector) Positions() <-chan *dispatch.Rect { return nil }

func logf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, "indicatord: "+format+"\n", args...)
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "indicatord: %v\n", err)
	os.Exit(1)
}
