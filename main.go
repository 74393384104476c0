package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/zsprackett/flowsight-relay/internal/applog"
	"github.com/zsprackett/flowsight-relay/internal/config"
	"github.com/zsprackett/flowsight-relay/internal/db"
	"github.com/zsprackett/flowsight-relay/internal/hub"
	"github.com/zsprackett/flowsight-relay/internal/notify"
	"github.com/zsprackett/flowsight-relay/internal/prober"
	"github.com/zsprackett/flowsight-relay/internal/upstream"
	"github.com/zsprackett/flowsight-relay/internal/webserver"
)

const historyRetention = 30 * 24 * time.Hour

func configPath() string {
	if p := os.Getenv("RELAY_CONFIG"); p != "" {
		return p
	}
	return config.DefaultPath()
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func openDB(path string) (*db.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, err
		}
	}
	store, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "serve":
		serve()
	case "hashtoken":
		hashToken(len(os.Args) > 2 && os.Args[2] == "-generate")
	case "token":
		if len(os.Args) < 3 {
			fail("usage: flowsight-relay token <subject>")
		}
		issueToken(os.Args[2])
	default:
		fmt.Fprintln(os.Stderr, "usage: flowsight-relay [serve | hashtoken [-generate] | token <subject>]")
		os.Exit(2)
	}
}

// hashToken prints the bcrypt hash to put in webhook.tokenHash. With
// -generate a random token is created and printed alongside its hash.
func hashToken(generate bool) {
	var token string
	if generate {
		t, err := webserver.GenerateToken()
		if err != nil {
			fail("%v", err)
		}
		token = t
		fmt.Printf("token: %s\n", token)
	} else {
		fmt.Print("Webhook token: ")
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			fail("%v", err)
		}
		token = strings.TrimSpace(string(pw))
		if token == "" {
			fail("empty token")
		}
	}
	hash, err := webserver.HashWebhookToken(token)
	if err != nil {
		fail("%v", err)
	}
	fmt.Printf("tokenHash: %s\n", hash)
}

func issueToken(subject string) {
	cfg, err := config.Load(configPath())
	if err != nil {
		fail("load config: %v", err)
	}
	if cfg.Webserver.Auth.JWTSecret == "" {
		fail("webserver.auth.jwtSecret (or RELAY_JWT_SECRET) must be set to issue tokens")
	}
	token, err := webserver.IssueAccessToken(cfg.Webserver.Auth.JWTSecret, subject, cfg.Webserver.Auth.TokenTTLDuration())
	if err != nil {
		fail("%v", err)
	}
	fmt.Println(token)
}

func serve() {
	cfg, err := config.Load(configPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not load config: %v\n", err)
		cfg = config.Defaults()
		if err := config.ApplyEnv(&cfg, os.Getenv); err != nil {
			fail("%v", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		fail("%v", err)
	}

	logger, logCloser, err := applog.Init(applog.InitConfig{LogDir: cfg.LogDir, LogLevel: cfg.LogLevel})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not init log file: %v\n", err)
		logger = slog.Default()
	} else {
		defer logCloser.Close()
	}

	store, err := openDB(cfg.DBPath)
	if err != nil {
		fail("open database: %v", err)
	}
	defer store.Close()
	if err := store.SetMetaTime(db.MetaStartedAt, time.Now()); err != nil {
		logger.Warn("db: record start time failed", "err", err)
	}
	if n, err := store.PruneTransitions(time.Now().Add(-historyRetention)); err != nil {
		logger.Warn("db: prune health history failed", "err", err)
	} else if n > 0 {
		logger.Info("db: pruned health history", "rows", n)
	}

	logBanner(logger, cfg)

	h := hub.New(cfg.Integrations.Flags(), hub.Options{
		QueueSize: cfg.Hub.QueueSize,
		Overflow:  hub.OverflowPolicy(cfg.Hub.Overflow),
	}, logger)

	p := prober.New(
		upstream.FromConfig(cfg.Integrations, nil),
		h,
		notify.New(cfg.Notifications, logger),
		store,
		prober.Config{
			Interval:       cfg.Prober.IntervalDuration(),
			Timeout:        cfg.Prober.TimeoutDuration(),
			NotifyRecovery: cfg.Prober.NotifyRecovery,
		},
		logger,
	)

	srv := webserver.New(h, p, store, webserver.Config{
		Host:           cfg.Webserver.Host,
		Port:           cfg.Webserver.Port,
		AllowedOrigins: cfg.Webserver.AllowedOrigins,
		JWTSecret:      cfg.Webserver.Auth.JWTSecret,
		Webhook:        cfg.Webhook,
	}, logger)
	if err := srv.Start(); err != nil {
		fail("%v", err)
	}
	p.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("shutting down")

	p.Stop()
	h.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("webserver: shutdown", "err", err)
	}
}

// logBanner reports which credentials are present without their values.
func logBanner(logger *slog.Logger, cfg config.Config) {
	set := func(ok bool) string {
		if ok {
			return "set"
		}
		return "missing"
	}
	in := cfg.Integrations
	logger.Info("flowsight-relay starting",
		"port", cfg.Webserver.Port,
		"ghl_api_key", set(in.GHL.APIKey != ""),
		"ghl_location", set(in.GHL.LocationID != ""),
		"airtable", set(in.AirtableConfigured()),
		"gemini", set(in.GeminiConfigured()),
		"gemini_model", in.Gemini.Model,
		"client_auth", set(cfg.Webserver.Auth.JWTSecret != ""),
	)
}
