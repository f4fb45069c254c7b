package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"protectcore/internal/audit"
	"protectcore/internal/behavior"
	"protectcore/internal/breaker"
	"protectcore/internal/control"
	"protectcore/internal/dedup"
	"protectcore/internal/hasher"
	"protectcore/internal/hostconfig"
	"protectcore/internal/protection"
	"protectcore/internal/ratelimit"
	"protectcore/internal/reputation"
	"protectcore/internal/settings"
	"protectcore/internal/telemetry"
	"protectcore/internal/timeoutmgr"
)

func main() {
	hostConfigPath := flag.String("config", "", "path to a host config YAML file (listen addrs, TLS, logging); env vars still override")
	hashSaltEnv := flag.String("hash-salt-env", "PROTECTCORE_HASH_SALT", "environment variable holding the request hasher's salt")
	flag.Parse()

	hc, err := hostconfig.Load(*hostConfigPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load host config:", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	_ = logLevel.UnmarshalText([]byte(hc.Logging.Level))
	var handler slog.Handler
	if hc.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	slog.SetDefault(slog.New(handler))

	s, err := settings.LoadFromEnv()
	if err != nil {
		slog.Error("failed to load settings", "error", err)
		os.Exit(1)
	}

	listenAddr := &hc.Listen
	controlAddr := &hc.ControlListen

	slog.Info("starting protection core",
		"listen", *listenAddr,
		"control_listen", *controlAddr,
		"fail_open", s.FailOpen,
	)

	var client *redis.Client
	if s.RedisURL != "" {
		opts, err := redis.ParseURL(s.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		client = redis.NewClient(opts)
		if err := client.Ping(context.Background()).Err(); err != nil {
			slog.Warn("redis unreachable at startup, components will degrade to in-memory fallbacks", "error", err)
		} else {
			slog.Info("connected to redis", "addr", client.Options().Addr)
		}
	}

	salt := []byte(os.Getenv(*hashSaltEnv))
	if len(salt) == 0 {
		slog.Warn("no hasher salt configured, using an insecure development default")
		salt = []byte("protectcore-dev-salt")
	}

	var decisions *audit.Store
	if hc.DecisionLog != "" {
		if err := os.MkdirAll(filepath.Dir(hc.DecisionLog), 0o755); err != nil {
			slog.Error("failed to create decision log directory", "error", err)
			os.Exit(1)
		}
		decisions, err = audit.Open(hc.DecisionLog)
		if err != nil {
			slog.Error("failed to open decision log", "error", err)
			os.Exit(1)
		}
		defer decisions.Close()
	}

	telemetryProvider, err := telemetry.NewProvider(telemetry.ConfigFromEnv())
	if err != nil {
		slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
		telemetryProvider = telemetry.NoopProvider()
	}

	onCriticalTimeout := func(count int) {
		slog.Warn("repeated timeout-manager critical threshold breaches", "count", count)
	}

	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	reputationEngine := reputation.New(client, s.RedisKeyPrefix+"reputation:")
	profileStore := behavior.NewStore(time.Hour)

	coordinator := protection.New(protection.Config{
		Settings:   s,
		Hasher:     hasher.New(salt, 10000),
		Limiter:    ratelimit.New(client, s.RedisKeyPrefix, s),
		Dedup:      dedup.New(client, s.RedisKeyPrefix, s.FailOpen == settings.FailOpen),
		Timeouts:   timeoutmgr.New(s.Timeouts, onCriticalTimeout),
		Behaviors:  behavior.NewAnalyzer(profileStore),
		Reputation: reputationEngine,
		Breakers:   breakers,
		Decisions:  decisions,
		Telemetry:  telemetryProvider,
	})

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go profileStore.Run(sweepCtx)
	go coordinator.RunMonitoring(sweepCtx)
	go coordinator.RunCleanup(sweepCtx)

	controlHandler := control.NewWithAuth(breakers, reputationEngine, decisions,
		hc.Control.AuthEnabled, hc.Control.APIKey,
		control.WithComponents(coordinator.Hasher(), coordinator.Dedup(), coordinator.Behaviors(), coordinator.Timeouts(), coordinator.ActiveAnomalyDetectors))

	decisionServer := &http.Server{
		Addr:         *listenAddr,
		Handler:      decisionAPIHandler(coordinator),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	controlServer := &http.Server{
		Addr:         *controlAddr,
		Handler:      controlHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if hc.TLS.Enabled {
		tlsConfig, err := hostconfig.SetupTLS(hc.TLS)
		if err != nil {
			slog.Error("failed to setup TLS", "error", err)
			os.Exit(1)
		}
		decisionServer.TLSConfig = tlsConfig
		controlServer.TLSConfig = tlsConfig
		if hc.TLS.AutoCert {
			slog.Warn("using auto-generated self-signed certificate (development only)")
		}
	}

	errChan := make(chan error, 2)
	go func() {
		slog.Info("decision API starting", "addr", *listenAddr, "tls", hc.TLS.Enabled)
		var err error
		if hc.TLS.Enabled {
			err = decisionServer.ListenAndServeTLS("", "")
		} else {
			err = decisionServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()
	go func() {
		slog.Info("control API starting", "addr", *controlAddr, "tls", hc.TLS.Enabled)
		var err error
		if hc.TLS.Enabled {
			err = controlServer.ListenAndServeTLS("", "")
		} else {
			err = controlServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := decisionServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("decision server shutdown error", "error", err)
	}
	if err := controlServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("control server shutdown error", "error", err)
	}
	if client != nil {
		if err := client.Close(); err != nil {
			slog.Error("redis close error", "error", err)
		}
	}
	if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown error", "error", err)
	}

	slog.Info("protection core stopped")
}

// decisionAPIHandler exposes the coordinator as a standalone HTTP
// endpoint so it can be called out-of-band from a reverse proxy or
// API gateway sidecar, independent of the control API's auth surface.
func decisionAPIHandler(coordinator *protection.Coordinator) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/decide", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req protection.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.At.IsZero() {
			req.At = time.Now()
		}

		result, err := coordinator.Decide(r.Context(), req)
		if err != nil {
			slog.Error("decision pipeline error", "error", err, "session_id", req.SessionID)
		}

		for k, v := range result.Headers() {
			w.Header()[k] = v
		}
		w.Header().Set("Content-Type", "application/json")

		if result.Decision == protection.DecisionAdmit || result.DedupHit {
			w.WriteHeader(http.StatusOK)
			if result.DedupHit && result.CachedResponse != nil {
				w.Write(result.CachedResponse)
				return
			}
			json.NewEncoder(w).Encode(result)
			return
		}

		w.WriteHeader(result.StatusFor())
		json.NewEncoder(w).Encode(result.ErrorBody())
	})
	return mux
}
