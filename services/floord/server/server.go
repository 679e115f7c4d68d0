package server

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"floorlend/core/events"
	floorstate "floorlend/core/state"
	"floorlend/crypto"
	"floorlend/native/bank"
	nativecommon "floorlend/native/common"
	"floorlend/native/market"
	"floorlend/observability"
	"floorlend/observability/logging"
	"floorlend/services/floord/auth"
)

const (
	requestLimit = 1 << 20 // 1 MiB

	// HeaderAPIKey carries the operator token on administrative routes.
	HeaderAPIKey = "X-Api-Key"
)

var (
	errBadRequest      = errors.New("floord: bad request")
	errUnauthenticated = errors.New("floord: missing or invalid credentials")
	errForbidden       = errors.New("floord: caller may not act for this account")
)

// Config captures the dependencies of the HTTP surface.
type Config struct {
	ListenAddress string
	State         *floorstate.Manager
	Bank          *bank.Ledger
	Registry      *market.Registry
	Logger        *slog.Logger
	// APITokens guard the administrative routes through HeaderAPIKey. With
	// none configured the administrative routes are disabled.
	APITokens []string
	RateLimit RateLimit
	Now       func() time.Time
}

// Server exposes views and transactions over HTTP. Every engine call goes
// through the sequencer.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	state     *floorstate.Manager
	bank      *bank.Ledger
	registry  *market.Registry
	pauses    nativecommon.StaticPauses
	sequencer *Sequencer
	limiter   *rateLimiter
	verifier  *auth.Verifier
	metrics   *observability.MarketMetrics
	router    http.Handler
}

// New wires the engines to the event pipeline and builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.State == nil || cfg.Bank == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("floord: state, bank and registry are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		state:    cfg.State,
		bank:     cfg.Bank,
		registry: cfg.Registry,
		pauses:   nativecommon.StaticPauses{},
		limiter:  newRateLimiter(cfg.RateLimit),
		verifier: auth.NewVerifier(cfg.Now),
		metrics:  observability.Market(),
	}

	// Engines emit into the state layers; only committed events reach the
	// metrics and the log.
	s.state.SetEventSink(events.Fanout{s.metrics, observability.LogEmitter{Logger: logger.With(slog.String("component", "events"))}})
	s.bank.SetEmitter(s.state)
	s.registry.SetEmitter(s.state)
	s.registry.SetPauses(s.pauses)

	s.sequencer = NewSequencer(s.state, s.registry, cfg.Now)
	s.sequencer.OnCommit(s.observePools)
	s.sequencer.OnAbort(s.reloadMarkets)
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler { return s.router }

// Sequencer exposes the transaction sequencer, e.g. for genesis.
func (s *Server) Sequencer() *Sequencer { return s.sequencer }

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", slog.String("address", s.cfg.ListenAddress))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		s.route(api, http.MethodGet, "/pools", s.listPools)
		s.route(api, http.MethodGet, "/pools/{id}", s.getPool)
		s.route(api, http.MethodGet, "/pools/{id}/quote", s.quote)
		s.route(api, http.MethodGet, "/pools/{id}/positions", s.listPositions)
		s.route(api, http.MethodGet, "/pools/{id}/positions/{account}", s.getPosition)
		s.route(api, http.MethodGet, "/liquidity", s.getLiquidity)
		s.route(api, http.MethodGet, "/liquidity/shares/{account}", s.getShares)
		s.route(api, http.MethodGet, "/balances/{account}", s.getBalances)

		api.Group(func(tx chi.Router) {
			s.tx(tx, "/transfer", s.transfer)
			s.tx(tx, "/pools/{id}/swap", s.swap)
			s.tx(tx, "/pools/{id}/harvest", s.harvest)
			s.tx(tx, "/pools/{id}/collateral/deposit", s.depositCollateral)
			s.tx(tx, "/pools/{id}/collateral/withdraw", s.withdrawCollateral)
			s.tx(tx, "/pools/{id}/borrow", s.borrow)
			s.tx(tx, "/pools/{id}/repay", s.repay)
			s.tx(tx, "/pools/{id}/poke", s.poke)
			s.tx(tx, "/pools/{id}/mark", s.mark)
			s.tx(tx, "/pools/{id}/recover", s.recoverPosition)
			s.tx(tx, "/liquidity/deposit", s.supply)
			s.tx(tx, "/liquidity/withdraw", s.redeem)
		})

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(s.requireAdmin, s.authenticate)
			s.route(admin, http.MethodPost, "/launch", s.launch)
			s.route(admin, http.MethodPost, "/pools", s.createPool)
			s.route(admin, http.MethodPost, "/pools/{id}/lending", s.openLending)
			s.route(admin, http.MethodPost, "/pause", s.setPause)
		})
	})
	return r
}

// route mounts a handler with tracing and request metrics.
func (s *Server) route(r chi.Router, method, pattern string, handler http.HandlerFunc) {
	name := "floord " + method + " " + pattern
	r.Method(method, pattern, otelhttp.NewHandler(s.observe(pattern, handler), name))
}

// tx mounts a rate-limited transaction route that requires a signed caller.
func (s *Server) tx(r chi.Router, pattern string, handler http.HandlerFunc) {
	name := "floord POST " + pattern
	limited := s.limiter.middleware(pattern)(s.observe(pattern, s.authenticate(handler)))
	r.Method(http.MethodPost, pattern, otelhttp.NewHandler(limited, name))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) observe(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		span := trace.SpanFromContext(r.Context())
		span.SetAttributes(
			attribute.String("floord.request_id", requestIDFrom(r.Context())),
			attribute.String("floord.route", route),
		)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		observability.HTTP().Observe(route, r.Method, rec.status, elapsed)
		level := slog.LevelDebug
		if rec.status >= 500 {
			level = slog.LevelError
		} else if rec.status >= 400 {
			level = slog.LevelInfo
		}
		s.logger.LogAttrs(r.Context(), level, "request",
			slog.String("request_id", requestIDFrom(r.Context())),
			slog.String("route", route),
			slog.String("method", r.Method),
			slog.Int("status", rec.status),
			slog.Duration("duration", elapsed),
		)
	})
}

type requestIDKey struct{}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
		if !s.validToken(token) {
			s.logger.Warn("admin request rejected",
				slog.String("request_id", requestIDFrom(r.Context())),
				logging.MaskField(HeaderAPIKey, token),
			)
			s.writeError(w, r, "admin", errUnauthenticated)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type callerKey struct{}

// authenticate resolves the account that signed the request's bearer token.
// The body is read here to check the token's request digest and handed on
// unchanged.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, requestLimit+1))
		if err != nil {
			s.writeError(w, r, "auth", fmt.Errorf("%w: read body: %v", errBadRequest, err))
			return
		}
		if len(body) > requestLimit {
			s.writeError(w, r, "auth", fmt.Errorf("%w: body exceeds %d bytes", errBadRequest, requestLimit))
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			s.writeError(w, r, "auth", fmt.Errorf("%w: bearer token required", errUnauthenticated))
			return
		}
		caller, err := s.verifier.Verify(strings.TrimSpace(token), r.Method, r.URL.Path, body)
		if err != nil {
			s.logger.Info("request token rejected",
				slog.String("request_id", requestIDFrom(r.Context())),
				slog.String("error", err.Error()),
			)
			s.writeError(w, r, "auth", fmt.Errorf("%w: %v", errUnauthenticated, err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	})
}

func callerFrom(ctx context.Context) (crypto.Address, bool) {
	caller, ok := ctx.Value(callerKey{}).(crypto.Address)
	return caller, ok
}

// actingAccount resolves the account a request field names. Empty means the
// signed caller. Anything else must equal the caller, and module accounts are
// never accepted since no key controls them.
func (s *Server) actingAccount(r *http.Request, field, raw string) (crypto.Address, error) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		return crypto.Address{}, errUnauthenticated
	}
	if strings.TrimSpace(raw) == "" {
		return caller, nil
	}
	addr, err := parseAddress(field, raw)
	if err != nil {
		return crypto.Address{}, err
	}
	if s.registry.IsModuleAccount(addr) {
		return crypto.Address{}, fmt.Errorf("%w: %s is a module account", errForbidden, field)
	}
	if addr != caller {
		return crypto.Address{}, fmt.Errorf("%w: %s is not the signer", errForbidden, field)
	}
	return addr, nil
}

func (s *Server) validToken(token string) bool {
	if token == "" {
		return false
	}
	for _, candidate := range s.cfg.APITokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// reloadMarkets drops markets a rolled back transaction created in memory.
func (s *Server) reloadMarkets() {
	if err := s.registry.Load(); err != nil {
		s.logger.Error("reload markets after rollback", slog.String("error", err.Error()))
	}
}

// observePools refreshes the price gauges after a commit.
func (s *Server) observePools() {
	for _, m := range s.registry.Markets() {
		pool, err := m.Pool.Pool()
		if err != nil {
			continue
		}
		pMin, err := m.Pool.PMin()
		if err != nil {
			continue
		}
		fee, err := m.Pool.CurrentFee()
		if err != nil {
			continue
		}
		s.metrics.ObservePool(m.Record.ID, pMin, fee, pool.Reserve0, pool.Reserve1)
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	Reason    string `json:"reason"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	class := classify(err)
	if class.status >= 500 {
		s.logger.Error("operation failed",
			slog.String("request_id", requestIDFrom(r.Context())),
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
	} else if class != classNotFound {
		s.metrics.RecordRejection(op, class.reason)
	}
	writeJSON(w, class.status, errorResponse{
		Error:     err.Error(),
		Reason:    class.reason,
		RequestID: requestIDFrom(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeRequest(r *http.Request, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, requestLimit+1))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", errBadRequest, err)
	}
	if len(body) > requestLimit {
		return fmt.Errorf("%w: body exceeds %d bytes", errBadRequest, requestLimit)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
