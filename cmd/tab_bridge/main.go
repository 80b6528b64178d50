package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgnsrekt/tab_bridge/internal/api"
	"github.com/dgnsrekt/tab_bridge/internal/badge"
	"github.com/dgnsrekt/tab_bridge/internal/browser"
	"github.com/dgnsrekt/tab_bridge/internal/cdp"
	"github.com/dgnsrekt/tab_bridge/internal/config"
	"github.com/dgnsrekt/tab_bridge/internal/events"
	"github.com/dgnsrekt/tab_bridge/internal/history"
	"github.com/dgnsrekt/tab_bridge/internal/netutil"
	"github.com/dgnsrekt/tab_bridge/internal/relay"
	"github.com/dgnsrekt/tab_bridge/internal/tabs"
	"github.com/dgnsrekt/tab_bridge/internal/tabshare"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	if err := run(); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "tab_bridge: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}
}

func run() error {
	var envFile, configPath, logLevel string
	var launch bool

	flagSet := pflag.NewFlagSet("tab_bridge", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", "", "load environment from this file (default: ./.env)")
	flagSet.StringVar(&configPath, "config", "", "YAML overlay for schemes, status page, webhook and history settings")
	flagSet.StringVar(&logLevel, "log-level", "", "override BRIDGE_LOG_LEVEL (debug, info, warn, error)")
	flagSet.BoolVar(&launch, "launch-browser", false, "start a local browser when none is listening on the CDP port")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if configPath != "" {
		if err := cfg.ApplyFile(configPath); err != nil {
			return err
		}
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if flagSet.Changed("launch-browser") {
		cfg.LaunchBrowser = launch
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		return fmt.Errorf("logger setup failed: %w", err)
	}

	slog.Info("tab_bridge config loaded",
		"bind_addr", cfg.BindAddr,
		"cdp_url", cfg.CDPURL(),
		"connect_timeout_ms", cfg.ConnectTimeoutMS,
		"idle_timeout_ms", cfg.IdleTimeoutMS,
		"activation_poll_ms", cfg.ActivationPollMS,
		"port_auto_fallback", cfg.PortAutoFallback,
		"port_candidates", cfg.PortCandidates,
		"launch_browser", cfg.LaunchBrowser,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.LaunchBrowser {
		launcher := browser.NewLauncher(browser.Config{
			CDPAddress:  cfg.CDPAddress,
			CDPPort:     cfg.CDPPort,
			BrowserPath: cfg.BrowserPath,
			ProfileDir:  cfg.ProfileDir,
		})
		if err := launcher.Launch(ctx); err != nil {
			return fmt.Errorf("launch browser: %w", err)
		}
		defer launcher.Stop()
	}

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		return fmt.Errorf("select bind address: %w", err)
	}
	bindAddr := ln.Addr().String()

	client := cdp.NewClient(cfg.CDPURL())
	if err := client.Connect(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("connect CDP at %s: %w", cfg.CDPURL(), err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			slog.Debug("CDP client close failed", "error", err)
		}
	}()

	dir := tabs.NewDirectory(client, cfg.CDPURL(), cfg.ActivationPoll())
	if err := dir.Start(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("start tab directory: %w", err)
	}
	defer dir.Close()

	feed := events.NewBroker()
	if cfg.HistoryDir != "" {
		journal := history.NewJournal(cfg.HistoryDir)
		defer func() {
			if err := journal.Close(); err != nil {
				slog.Debug("history close failed", "error", err)
			}
		}()
		go history.Run(ctx, feed, journal)
	}
	presenter := badge.Multi{badge.NewOverlay(dir), badge.NewFeed(feed)}
	if cfg.BadgeWebhook != "" {
		presenter = append(presenter, &badge.Webhook{Endpoint: cfg.BadgeWebhook, Client: &http.Client{Timeout: 3 * time.Second}})
	}

	relayDialer := relay.NewDialer(client)
	dialer := tabshare.DialerFunc(func(ctx context.Context, relayURL string) (tabshare.Connection, error) {
		conn, err := relayDialer.Dial(ctx, relayURL)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})

	broker := tabshare.New(tabshare.Config{
		ConnectTimeout:    cfg.ConnectTimeout(),
		IdleTimeout:       cfg.IdleTimeout(),
		DisallowedSchemes: cfg.DisallowedSchemes,
		StatusURL:         cfg.StatusPageURL(bindAddr),
	}, dialer, dir, presenter, feed)
	defer broker.Close()
	go broker.Run(ctx, dir.Events())

	srv := &http.Server{Handler: api.NewServer(broker, feed), ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("tab_bridge listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs", "status", "http://"+bindAddr+"/status")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("tab_bridge shutting down")
	case <-client.Done():
		runErr = errors.New("CDP connection lost")
		slog.Error("tab_bridge lost the browser", "cdp_url", cfg.CDPURL())
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("tab_bridge shutdown failed", "error", err)
	}
	return runErr
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
