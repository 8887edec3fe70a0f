// Package api serves a treasury instance over HTTP under /treasury/v1.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/accordsai/spendlane/pkg/authn"
	"github.com/accordsai/spendlane/pkg/httpx"
	"github.com/accordsai/spendlane/pkg/logging"
	"github.com/accordsai/spendlane/services/treasury/internal/apperr"
	"github.com/accordsai/spendlane/services/treasury/internal/audit"
	"github.com/accordsai/spendlane/services/treasury/internal/idempotency"
	"github.com/accordsai/spendlane/services/treasury/internal/workflow"
)

const Prefix = "/treasury/v1"

// Archive serves the durable audit trail, beyond in-memory retention.
type Archive interface {
	AuditTrail(ctx context.Context, kind audit.SubjectKind, subjectID string, limit int) ([]audit.Record, error)
}

type Server struct {
	in      *workflow.Instance
	tokens  *authn.TokenTable
	idem    idempotency.Store
	lock    idempotency.Locker
	archive Archive
	log     logging.Logger

	rateLimit rate.Limit
	burst     int
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
}

type Option func(*Server)

func WithIdempotency(st idempotency.Store, lk idempotency.Locker) Option {
	return func(s *Server) { s.idem, s.lock = st, lk }
}

func WithArchive(a Archive) Option { return func(s *Server) { s.archive = a } }

func WithLogger(l logging.Logger) Option { return func(s *Server) { s.log = l } }

// WithRateLimit bounds each principal to perSecond requests with burst.
// Zero disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		s.rateLimit = rate.Limit(perSecond)
		s.burst = burst
	}
}

func New(in *workflow.Instance, tokens *authn.TokenTable, opts ...Option) *Server {
	s := &Server{
		in:       in,
		tokens:   tokens,
		log:      logging.NewNop(),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type callerKey struct{}

func callerFrom(ctx context.Context) workflow.Caller {
	c, _ := ctx.Value(callerKey{}).(workflow.Caller)
	return c
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.tokens.Authenticate(r.Header.Get("Authorization"))
		if err != nil {
			httpx.WriteError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "valid bearer token required", nil)
			return
		}
		if !s.allow(id.Principal) {
			httpx.WriteError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
			return
		}
		// The workflow decides whether the sender may relay; the header is
		// passed through unchanged.
		c := workflow.Caller{Sender: id.Principal, OriginalSender: strings.TrimSpace(r.Header.Get(authn.OnBehalfOfHeader))}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, c)))
	})
}

func (s *Server) allow(principal string) bool {
	if s.rateLimit <= 0 {
		return true
	}
	s.mu.Lock()
	l, ok := s.limiters[principal]
	if !ok {
		l = rate.NewLimiter(s.rateLimit, s.burst)
		s.limiters[principal] = l
	}
	s.mu.Unlock()
	return l.Allow()
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Log(r.Context(), logging.LevelDebug, "http request",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int("status", ww.Status()),
			logging.String("request_id", middleware.GetReqID(r.Context())),
			logging.Duration("elapsed", time.Since(start)))
	})
}

// Routes mounts the API on a fresh router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	s.Mount(r)
	return r
}

func (s *Server) Mount(r chi.Router) {
	r.Route(Prefix, func(api chi.Router) {
		api.Use(middleware.RequestID, middleware.Recoverer, s.accessLog, s.authenticate)

		api.Post("/requests", s.createRequest)
		api.Get("/requests", s.listRequests)
		api.Get("/requests/{id}", s.getRequest)
		api.Post("/requests/{id}:cancel", s.cancelRequest)
		api.Post("/requests/{id}:cancelAbandoned", s.cancelAbandoned)
		api.Post("/requests/{id}/approvals/{level}:commit", s.commitApproval)
		api.Post("/requests/{id}/approvals/{level}:reveal", s.revealApproval)

		api.Post("/closures", s.initiateClosure)
		api.Get("/closures/{id}", s.getClosure)
		api.Post("/closures/{id}:commit", s.commitClosure)
		api.Post("/closures/{id}:reveal", s.revealClosure)

		api.Post("/pause", s.pause)
		api.Post("/unpause", s.unpause)

		api.Get("/roles", s.listRoles)
		api.Post("/roles:commit", s.commitRoleChange)
		api.Post("/roles:grant", s.grantRole)
		api.Post("/roles:revoke", s.revokeRole)

		api.Get("/budget", s.getBudget)
		api.Post("/budget:propose", s.proposeBudget)
		api.Post("/budget:execute", s.executeBudget)
		api.Post("/budget:cancel", s.cancelBudget)

		api.Get("/treasury", s.getTreasury)
		api.Get("/status", s.getStatus)
		api.Get("/audit", s.getAudit)
	})
}

func errorEnvelope(err error) (int, httpx.ErrorEnvelope) {
	kind := apperr.KindOf(err)
	message := err.Error()
	if kind == apperr.KindInternal {
		message = "internal error"
	}
	return kind.HTTPStatus(), httpx.ErrorEnvelope{
		RequestID: httpx.NewRequestID(),
		Error:     httpx.ErrorBody{Code: apperr.CodeOf(err), Message: message, Details: map[string]any{"kind": kind}},
	}
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, env := errorEnvelope(err)
	if status >= 500 {
		s.log.Log(r.Context(), logging.LevelError, "request failed",
			logging.String("path", r.URL.Path), logging.Err(err))
	}
	httpx.WriteJSON(w, status, env)
}

func badRequest(w http.ResponseWriter, code, message string) {
	httpx.WriteError(w, http.StatusBadRequest, code, message, nil)
}

// mutate runs fn through the idempotency layer, keyed by method and path so
// one Idempotency-Key may be reused across subjects.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, successStatus int, fn func(ctx context.Context, c workflow.Caller) (any, error)) {
	c := callerFrom(r.Context())
	actor := idempotency.ActorContext{Principal: c.Sender, IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key"))}
	if c.OriginalSender != "" {
		actor.Principal += ">" + c.OriginalSender
	}
	if s.idem == nil {
		actor.IdempotencyKey = ""
	}
	endpoint := r.Method + " " + r.URL.Path
	ctx := r.Context()
	rec, replayed, err := idempotency.Do(ctx, s.idem, s.lock, actor, endpoint, func() (idempotency.Record, error) {
		status := successStatus
		body, err := fn(ctx, c)
		if err != nil {
			var env httpx.ErrorEnvelope
			status, env = errorEnvelope(err)
			body = env
			if status >= 500 {
				s.log.Log(ctx, logging.LevelError, "request failed", logging.String("path", r.URL.Path), logging.Err(err))
			}
		}
		raw, mErr := json.Marshal(body)
		if mErr != nil {
			return idempotency.Record{}, mErr
		}
		return idempotency.Record{Status: status, Body: raw}, nil
	})
	if err != nil {
		s.log.Log(ctx, logging.LevelError, "idempotent mutation failed", logging.String("endpoint", endpoint), logging.Err(err))
		httpx.WriteError(w, http.StatusServiceUnavailable, "IDEMPOTENCY_UNAVAILABLE", "could not complete idempotent request", nil)
		return
	}
	if replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	httpx.WriteRaw(w, rec.Status, rec.Body)
}

func pathID(r *http.Request, name string) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	return hex.DecodeString(s)
}
