// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package stashserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mobiletoly/go-stashsync/stashsync"
)

// ServerConfig holds configuration for the server
type ServerConfig struct {
	// DatabaseURL selects PostgresStore; empty uses an in-memory store.
	DatabaseURL   string
	JWTSecret     string
	Logger        *slog.Logger
	LogRequests   bool
	MaxConns      int32
	TokenLifetime time.Duration // lifetime of tokens issued by /dummy-signin (default 1h)
	DisableSignin bool
}

// ServerComponents holds the initialized server components
type ServerComponents struct {
	Pool    *pgxpool.Pool // nil with the in-memory store
	Store   CollectionStore
	Service *Service
	JWTAuth *JWTAuth
	Handler http.Handler
	Logger  *slog.Logger
}

// TestServer represents a running test server instance
type TestServer struct {
	*ServerComponents
	HTTPServer *httptest.Server
}

// SetupServer initializes all server components (store, service, handlers).
// This is the shared logic used by the CLI, the examples and tests.
func SetupServer(ctx context.Context, config *ServerConfig) (*ServerComponents, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	components := &ServerComponents{Logger: logger}
	if config.DatabaseURL != "" {
		poolConfig, err := pgxpool.ParseConfig(config.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if config.MaxConns > 0 {
			poolConfig.MaxConns = config.MaxConns
		}
		poolConfig.MaxConnLifetime = time.Hour
		poolConfig.MaxConnIdleTime = time.Minute * 30

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		store, err := NewPostgresStore(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		components.Pool = pool
		components.Store = store
	} else {
		components.Store = NewMemoryStore()
		logger.Info("Using in-memory collection store")
	}

	jwtSecret := config.JWTSecret
	if jwtSecret == "" {
		jwtSecret = "your-secret-key-change-in-production"
		logger.Warn("Using default JWT secret - change in production!")
	}
	components.JWTAuth = NewJWTAuth(jwtSecret)
	components.Service = NewService(components.Store, logger)

	tokenLifetime := config.TokenLifetime
	if tokenLifetime <= 0 {
		tokenLifetime = time.Hour
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", HandleHealth).Methods(http.MethodGet)
	if !config.DisableSignin {
		router.HandleFunc("/dummy-signin", dummySignin(components.JWTAuth, tokenLifetime, logger)).Methods(http.MethodPost)
	}

	api := router.PathPrefix("/v1").Subrouter()
	api.Use(func(next http.Handler) http.Handler { return LoggingMiddleware(config.LogRequests, next, logger) })
	api.Use(components.JWTAuth.Middleware)
	NewHTTPHandlers(components.Service, logger).Register(api)

	components.Handler = router
	return components, nil
}

// dummySignin returns a token for any user; the password is ignored
func dummySignin(jwtAuth *JWTAuth, lifetime time.Duration, logger *slog.Logger) http.HandlerFunc {
	type signinReq struct {
		User     string `json:"user"`
		Password string `json:"password"`
		Device   string `json:"device"`
	}
	type signinResp struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expires_in"`
		User      string `json:"user"`
		Device    string `json:"device"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req signinReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, stashsync.ErrorCodeBadRequest, "invalid JSON")
			return
		}
		if req.User == "" {
			writeError(w, http.StatusBadRequest, stashsync.ErrorCodeBadRequest, "user required")
			return
		}
		if req.Device == "" {
			req.Device = "device-" + strconv.FormatInt(time.Now().UnixNano(), 36)
		}
		tok, err := jwtAuth.GenerateToken(req.User, req.Device, lifetime)
		if err != nil {
			writeError(w, http.StatusInternalServerError, stashsync.ErrorCodeInternal, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, signinResp{Token: tok, ExpiresIn: int64(lifetime.Seconds()), User: req.User, Device: req.Device})
		logger.Info("Generated dummy JWT", "user", req.User, "device", req.Device)
	}
}

// Close shuts down the server components and cleans up resources
func (sc *ServerComponents) Close() {
	if sc.Service != nil {
		_ = sc.Service.Close()
	}
	if sc.Pool != nil {
		sc.Pool.Close()
	}
}

// NewTestServer starts an httptest server over the shared setup
func NewTestServer(config *ServerConfig) (*TestServer, error) {
	components, err := SetupServer(context.Background(), config)
	if err != nil {
		return nil, err
	}
	return &TestServer{
		ServerComponents: components,
		HTTPServer:       httptest.NewServer(components.Handler),
	}, nil
}

// Close shuts down the test server and cleans up resources
func (ts *TestServer) Close() {
	if ts.HTTPServer != nil {
		ts.HTTPServer.Close()
	}
	ts.ServerComponents.Close()
}

// URL returns the base URL of the test server
func (ts *TestServer) URL() string {
	return ts.HTTPServer.URL
}

// GenerateToken generates a JWT token for testing
func (ts *TestServer) GenerateToken(userID, deviceID string, duration time.Duration) (string, error) {
	return ts.JWTAuth.GenerateToken(userID, deviceID, duration)
}

// LoggingMiddleware logs requests and their outcome when enabled
func LoggingMiddleware(enableLogging bool, next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !enableLogging {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"remote_addr", r.RemoteAddr,
			"duration", time.Since(start).String(),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
