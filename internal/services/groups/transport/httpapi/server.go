// Package httpapi exposes the groups request path over HTTP.
//
// Membership mutations answer 202 with a job ticket once admitted; callers
// poll GET /jobs/{jobID} for the outcome. Gate rejections answer
// synchronously and never create a job.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/broseph/broseph/internal/platform/errors"
	"github.com/broseph/broseph/internal/platform/id"
	"github.com/broseph/broseph/internal/platform/logging"
	"github.com/broseph/broseph/internal/platform/requestctx"
	"github.com/broseph/broseph/internal/services/groups/app"
)

const (
	// HeaderUserID carries the authenticated user id set by the fronting
	// auth proxy.
	HeaderUserID = "X-User-ID"
	// HeaderIdempotencyKey lets clients choose the job id explicitly.
	HeaderIdempotencyKey = "Idempotency-Key"

	maxBodyBytes = 64 << 10
)

// Dependencies are the services behind the routes.
type Dependencies struct {
	Service   *app.Service
	Admission *app.Admission
	Invites   *app.Invites
	Prompts   *app.Prompts
	Logger    *zap.Logger
}

type server struct {
	deps   Dependencies
	logger *zap.Logger
}

// NewHandler builds the HTTP router.
func NewHandler(deps Dependencies) http.Handler {
	s := &server{deps: deps, logger: logging.OrNop(deps.Logger)}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.recoverer)
	r.Use(s.identify)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/jobs/{jobID}", s.jobStatus)
	r.Get("/invites/{token}", s.previewInvite)

	r.Group(func(r chi.Router) {
		r.Use(requireUser)
		r.Post("/groups", s.createGroup)
		r.Delete("/groups/{groupID}", s.deleteGroup)
		r.Post("/groups/{groupID}/leave", s.leaveGroup)
		r.Post("/groups/{groupID}/messages", s.sendMessage)
		r.Post("/groups/{groupID}/invites", s.createInvite)
		r.Get("/groups/{groupID}/prompt", s.todayPrompt)
		r.Post("/groups/{groupID}/prompt/responses", s.submitResponse)
		r.Post("/invites/{token}/accept", s.acceptInvite)
		r.Get("/prompts/pending", s.pendingPrompts)
	})
	return r
}

// identify copies the caller identity and request id into context.
func (s *server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if userID := strings.TrimSpace(r.Header.Get(HeaderUserID)); userID != "" {
			ctx = requestctx.WithUserID(ctx, userID)
		}
		ctx = requestctx.WithRequestID(ctx, middleware.GetReqID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requestctx.UserIDFromContext(r.Context()) == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: errorDetail{
				Code:    "UNAUTHENTICATED",
				Message: "missing " + HeaderUserID + " header",
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestctx.RequestIDFromContext(r.Context())),
			zap.String(logging.KeyUserID, requestctx.UserIDFromContext(r.Context())),
		)
	})
}

func (s *server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				if recovered == http.ErrAbortHandler {
					panic(recovered)
				}
				s.logger.Error("http handler panic",
					zap.String("path", r.URL.Path),
					zap.Any("panic", recovered),
					zap.Stack("stack"),
				)
				writeError(w, apperrors.New(apperrors.ClassTransient, apperrors.CodeInternal, "panic"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

// writeError answers with the status of err's class. Unclassified errors
// are internal.
func writeError(w http.ResponseWriter, err error) {
	domainErr, ok := apperrors.As(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{
			Code:    string(apperrors.CodeInternal),
			Message: apperrors.CodeInternal.DefaultMessage(),
		}})
		return
	}
	writeJSON(w, domainErr.Class.HTTPStatus(), errorBody{Error: errorDetail{
		Code:    string(domainErr.Code),
		Message: domainErr.Code.DefaultMessage(),
	}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeJSON reads a bounded JSON body into dst. An empty body leaves dst
// untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apperrors.Wrap(apperrors.ClassValidation, apperrors.CodeValidation, fmt.Sprintf("decode request body: %v", err), err)
}

// idempotencyKey returns the client's Idempotency-Key, or a key derived from
// the operation, actor, targets, and request id.
func idempotencyKey(r *http.Request, kind string, targets ...string) string {
	if key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)); key != "" {
		return key
	}
	ctx := r.Context()
	parts := append([]string{kind, requestctx.UserIDFromContext(ctx)}, targets...)
	return id.DerivedKey(append(parts, requestctx.RequestIDFromContext(ctx))...)
}
