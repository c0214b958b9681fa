package escrowd

import (
	"bytes"
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"quorumescrow/core/events"
	"quorumescrow/crypto"
	"quorumescrow/native/bank"
	"quorumescrow/native/escrow"
	"quorumescrow/observability"
	"quorumescrow/observability/logging"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB
)

var (
	errRateLimited        = errors.New("rate limit exceeded")
	errStreamUnavailable  = errors.New("notification stream unavailable")
	errJournalUnavailable = errors.New("event journal unavailable")
	errInvalidCursor      = errors.New("cursor must be an unsigned integer")
)

// Server is the HTTP front-end of the escrow registry.
type Server struct {
	registry    *escrow.Registry
	ledger      *bank.Ledger
	auth        *Authenticator
	limiter     *RateLimiter
	idem        *IdempotencyStore
	idemLocks   keyLocks
	journal     *Journal
	broadcaster *events.Broadcaster
	metrics     *observability.EscrowMetrics
	logger      *slog.Logger
	nonceFn     func() uint64

	router http.Handler
}

// ServerOption customises the server instance.
type ServerOption func(*Server)

// WithAuthenticator replaces the default header-based authenticator.
func WithAuthenticator(a *Authenticator) ServerOption {
	return func(s *Server) { s.auth = a }
}

// WithRateLimiter enables per-client rate limiting.
func WithRateLimiter(l *RateLimiter) ServerOption {
	return func(s *Server) { s.limiter = l }
}

// WithIdempotencyStore enables Idempotency-Key handling on mutating routes.
func WithIdempotencyStore(store *IdempotencyStore) ServerOption {
	return func(s *Server) { s.idem = store }
}

// WithJournal exposes the journaled notifications of each instance.
func WithJournal(j *Journal) ServerOption {
	return func(s *Server) { s.journal = j }
}

// WithBroadcaster enables the websocket notification stream.
func WithBroadcaster(b *events.Broadcaster) ServerOption {
	return func(s *Server) { s.broadcaster = b }
}

// WithMetrics records request and withdrawal metrics on m.
func WithMetrics(m *observability.EscrowMetrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithNonceSource overrides how nonces are chosen for create requests that
// omit one.
func WithNonceSource(fn func() uint64) ServerOption {
	return func(s *Server) { s.nonceFn = fn }
}

func NewServer(registry *escrow.Registry, ledger *bank.Ledger, opts ...ServerOption) *Server {
	if registry == nil {
		panic("escrow registry required")
	}
	if ledger == nil {
		panic("bank ledger required")
	}
	srv := &Server{
		registry: registry,
		ledger:   ledger,
		logger:   slog.Default(),
		nonceFn:  randomNonce,
	}
	for _, opt := range opts {
		opt(srv)
	}
	if srv.auth == nil {
		srv.auth = NewAuthenticator(AuthConfig{}, srv.logger)
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the instrumented HTTP router.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "escrowd")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.limiter.Middleware)
		v1.Use(s.auth.Middleware)

		v1.Route("/escrows", func(esc chi.Router) {
			esc.Get("/", s.handleList)
			esc.With(s.idempotent).Post("/", s.handleCreate)
			esc.Get("/summary", s.handleSummary)
			esc.Route("/{id}", func(inst chi.Router) {
				inst.Get("/", s.handleGet)
				inst.Get("/events", s.handleEvents)
				inst.Get("/stream", s.handleStream)
				inst.Group(func(mut chi.Router) {
					mut.Use(s.idempotent)
					mut.Post("/deposit", s.handleDeposit)
					mut.Post("/confirm", s.handleConfirm)
					mut.Post("/dispute", s.handleDispute)
					mut.Post("/resolve", s.handleResolve)
					mut.Post("/force-refund", s.handleForceRefund)
					mut.Post("/withdraw", s.handleWithdraw)
				})
			})
		})

		v1.Route("/bank", func(b chi.Router) {
			b.With(s.auth.RequireScopes(ScopeAdmin), s.idempotent).Post("/credit", s.handleBankCredit)
			b.Get("/balances/{account}", s.handleBalances)
		})
	})
	return r
}

// requestLogger logs one line per request and records its metrics.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		s.metrics.ObserveRequest(route, status, elapsed)

		attrs := []any{
			slog.String("requestId", chimw.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("duration", elapsed),
		}
		if authz := r.Header.Get("Authorization"); authz != "" {
			attrs = append(attrs, slog.String("authorization", logging.MaskBearer(authz)))
		}
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(r.Context(), level, "http request", attrs...)
	})
}

// idempotent replays the cached response of a previous request carrying the
// same Idempotency-Key and body. Reusing a key with a different body is a
// conflict. Concurrent requests with the same key wait for the first one to
// finish.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		if s.idem == nil || key == "" {
			next.ServeHTTP(w, r)
			return
		}
		body, err := readRequestBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		caller := "anonymous"
		if p := PrincipalFrom(r.Context()); p.HasCaller {
			caller = crypto.FormatAddress(p.Caller)
		}
		requestHash := hashRequest(r.Method, r.URL.Path, body)
		release := s.idemLocks.acquire(caller + "\x00" + key)
		defer release()
		cached, err := s.idem.Lookup(r.Context(), caller, key, requestHash)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrIdempotencyMismatch) {
				status = http.StatusConflict
			}
			writeError(w, status, err)
			return
		}
		if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		var buf bytes.Buffer
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Tee(&buf)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if status >= http.StatusInternalServerError {
			return
		}
		if err := s.idem.Save(r.Context(), caller, key, requestHash, status, buf.Bytes()); err != nil {
			s.logger.Warn("idempotency save failed",
				slog.String("route", r.URL.Path),
				slog.Any("error", err))
		}
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"instances": s.registry.Count(),
	})
}

func readRequestBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

// decodeJSON decodes the request body into dst. An empty body leaves dst
// untouched.
func decodeJSON(r *http.Request, dst any) error {
	body, err := readRequestBody(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusForError maps escrow and bank errors onto HTTP statuses.
func statusForError(err error) int {
	switch escrow.KindOf(err) {
	case escrow.KindNotFound:
		return http.StatusNotFound
	case escrow.KindConfiguration:
		return http.StatusBadRequest
	case escrow.KindPrecondition:
		return http.StatusConflict
	case escrow.KindDeadline:
		return http.StatusUnprocessableEntity
	case escrow.KindCollaborator:
		return http.StatusBadGateway
	}
	switch {
	case errors.Is(err, bank.ErrInvalidAmount), errors.Is(err, bank.ErrAmountOverflow):
		return http.StatusBadRequest
	case errors.Is(err, bank.ErrInsufficientFunds):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeEscrowError(w http.ResponseWriter, err error) {
	if kind := escrow.KindOf(err); kind != escrow.KindUnknown {
		w.Header().Set("X-Error-Kind", string(kind))
	}
	writeError(w, statusForError(err), err)
}
