package router

import (
	"context"
	"net/http"
	"strings"
	"time"

	"portfolio/internal/api/v1/handler"
	"portfolio/internal/config"
	"portfolio/internal/logger"
	"portfolio/internal/middleware"
	"portfolio/internal/pubsub"
	"portfolio/internal/repository"
	"portfolio/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// Deps are the long-lived components the router wires handlers to.
type Deps struct {
	Pool      *pgxpool.Pool
	Guestbook handler.GuestbookReader
	// Publisher is nil unless writes must be forwarded to the change feed.
	Publisher pubsub.Publisher
}

func New(cfg *config.Config, log zerolog.Logger, deps Deps) http.Handler {
	log.Info().Msg("Router initialized")

	// 1. Initialize validator
	validate := validator.New(validator.WithRequiredStructEnabled())

	// 2. Initialize repositories & services & handlers
	guestbookRepo := repository.NewGuestbookRepo(deps.Pool)
	profileRepo := repository.NewProfileRepo(deps.Pool)

	guestbookSvc := service.NewGuestbookService(guestbookRepo, deps.Publisher, log)
	profileSvc := service.NewProfileService(profileRepo)

	guestbookHandler := handler.NewGuestbookHandler(deps.Guestbook, guestbookSvc, validate, logger.Component(log, "http"))
	profileHandler := handler.NewProfileHandler(profileSvc)

	// 3. Initialize middleware
	authMiddleware := middleware.AuthMiddleware(cfg.JWTSecret, logger.Component(log, "auth"))

	// 4. Create ServeMux router
	mux := http.NewServeMux()

	apiV1Mux := http.NewServeMux()
	guestbookHandler.RegisterRoutes(apiV1Mux, authMiddleware)
	profileHandler.RegisterRoutes(apiV1Mux, authMiddleware)

	// Mount the API v1 routes under /v1
	mux.Handle("/v1/", http.StripPrefix("/v1", apiV1Mux))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := deps.Pool.Ping(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","feed":"` + deps.Guestbook.Status().String() + `"}`))
	})

	// Redirect /api/* to /v1/* for backward compatibility
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/")
		http.Redirect(w, r, "/v1/"+rest, http.StatusMovedPermanently)
	})

	// 5. Apply CORS middleware
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		Debug:            false,
	})

	return middleware.LoggerMiddleware(logger.Component(log, "http"))(c.Handler(mux))
}

// OpenDB opens the Postgres pool and checks it is reachable.
func OpenDB(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*pgxpool.Pool, error) {
	log.Info().Str("environment", cfg.Environment).Msg("App environment loaded")
	log.Info().Str("db_connection_string_port_check", getPortFromDSN(cfg.DBConnectionString)).Msg("DB connection string port")

	poolCfg, err := pgxpool.ParseConfig(prepareDSN(cfg))
	if err != nil {
		return nil, err
	}
	// Set reasonable connection pool limits
	poolCfg.MaxConns = 25
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info().Msg("Database connection successful")
	return pool, nil
}

// prepareDSN disables SSL for local development and, elsewhere, switches to
// the simple protocol expected by transaction poolers like pgbouncer.
func prepareDSN(cfg *config.Config) string {
	dsn := cfg.DBConnectionString
	isURL := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
	appendParam := func(param string) {
		switch {
		case !isURL:
			dsn += " " + param
		case strings.Contains(dsn, "?"):
			dsn += "&" + param
		default:
			dsn += "?" + param
		}
	}

	if cfg.Environment == "development" && !strings.Contains(dsn, "sslmode") {
		appendParam("sslmode=disable")
	}
	if cfg.Environment != "development" && !strings.Contains(dsn, "default_query_exec_mode") {
		appendParam("default_query_exec_mode=simple_protocol")
	}
	return dsn
}

// getPortFromDSN is a helper function to extract the port from a DSN string.
// It is intended for debugging purposes.
func getPortFromDSN(dsn string) string {
	parts := strings.Split(dsn, ":")
	for i, part := range parts {
		if strings.Contains(part, "@") {
			// This part contains user:pass@host, next part is port
			if len(parts) > i+1 {
				portAndDB := strings.Split(parts[i+1], "/")
				if len(portAndDB) > 0 {
					return portAndDB[0]
				}
			}
		}
	}
	return "not_found"
}
