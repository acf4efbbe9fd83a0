// Command guardxp is a forward HTTP proxy that removes tracking code from
// the resources it relays.
//
// Usage:
//
//	guardxp -config guardxp.yaml               # run with config file
//	guardxp -db guardxp.db -offsets o.json     # run with defaults
//	guardxp -stats                             # print the latest status row and exit
//	guardxp -hash-password < secret.txt        # bcrypt hash for admin.password_hash
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/guardxp/guard"
	"github.com/hazyhaar/guardxp/proxy"
	"github.com/hazyhaar/guardxp/shield"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "", "path to guardxp.yaml config file")
	dbPath := flag.String("db", "", "path to SQLite database (overrides config)")
	offsetsPath := flag.String("offsets", "", "path to the redaction table JSON (overrides config)")
	listen := flag.String("listen", "", "proxy listen address (overrides config)")
	adminListen := flag.String("admin", "", "admin listen address (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	showStats := flag.Bool("stats", false, "print the latest status counters and exit")
	hashPassword := flag.Bool("hash-password", false, "read a password on stdin, print its bcrypt hash and exit")
	flag.Parse()

	if *hashPassword {
		if err := printHash(); err != nil {
			fmt.Fprintln(os.Stderr, "guardxp:", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := resolveConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "guardxp: config:", err)
		os.Exit(1)
	}
	override(&cfg.DBPath, *dbPath)
	override(&cfg.OffsetsPath, *offsetsPath)
	override(&cfg.Proxy.Listen, *listen)
	override(&cfg.Admin.Listen, *adminListen)
	override(&cfg.LogLevel, *logLevel)

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, *showStats); err != nil {
		logger.Error("guardxp: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg *guard.Config, showStats bool) error {
	if showStats {
		return printStats(ctx, os.Stdout, cfg, logger)
	}

	g, err := guard.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer g.Close()

	g.Start(ctx)

	px := proxy.New(g, proxy.Options{
		MaxBody:        cfg.Proxy.MaxBody,
		DisableCaching: cfg.Proxy.DisableCaching,
		DialTimeout:    cfg.Proxy.DialTimeout,
	}, logger)
	proxySrv := &http.Server{
		Addr:              cfg.Proxy.Listen,
		Handler:           px,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	servers := []*http.Server{proxySrv}
	if cfg.Admin.PasswordHash == "" {
		logger.Warn("guardxp: admin.password_hash not set, admin API disabled")
	} else {
		servers = append(servers, &http.Server{
			Addr:              cfg.Admin.Listen,
			Handler:           adminRouter(g, cfg.Admin, logger),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			logger.Info("guardxp: listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stopAll(servers)
		return err
	}

	logger.Info("guardxp: shutting down")
	stopAll(servers)
	return nil
}

func stopAll(servers []*http.Server) {
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		srv.Shutdown(shutCtx)
	}
}

func adminRouter(g *guard.Guard, admin guard.AdminConfig, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.AdminStack(admin.User, admin.PasswordHash, logger) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	g.RegisterHTTP(r)

	srv := mcp.NewServer(&mcp.Implementation{Name: "guardxp", Version: version}, nil)
	g.RegisterMCP(srv)
	r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil))
	return r
}

func printStats(ctx context.Context, w io.Writer, cfg *guard.Config, logger *slog.Logger) error {
	row, err := guard.LastStatus(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(row)
}

func resolveConfig(configPath string) (*guard.Config, error) {
	if configPath == "" {
		return &guard.Config{}, nil
	}
	return guard.LoadConfigFile(configPath)
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func printHash() error {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read password: %w", err)
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return errors.New("empty password")
	}
	hash, err := shield.HashPassword(pw)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
