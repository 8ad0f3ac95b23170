// SPDX-License-Identifier: Apache-2.0

// Package api serves the storage proxy test service behind the service
// account identity gate.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/payu/k8ssaidentityextension"
	"github.com/payu/k8ssaidentityextension/internal/storage"
)

const maxObjectSize = 1 << 20

// Authenticator is satisfied by the k8ssaidentity extension.
type Authenticator interface {
	Authenticate(ctx context.Context, headers map[string][]string) (context.Context, error)
}

// Storage is satisfied by *storage.Proxy.
type Storage interface {
	BucketLocation(ctx context.Context, bucket string) (string, error)
	GetObject(ctx context.Context, bucket, key string) (*storage.Object, error)
	PutObject(ctx context.Context, bucket, key string, body []byte) (string, error)
}

type Server struct {
	auth    Authenticator
	storage Storage
	limiter *RateLimiter
	logger  *zap.Logger
}

// NewServer returns a Server. limiter may be nil to disable rate limiting.
func NewServer(auth Authenticator, store Storage, limiter *RateLimiter, logger *zap.Logger) *Server {
	return &Server{
		auth:    auth,
		storage: store,
		limiter: limiter,
		logger:  logger,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// public routes
	mux.HandleFunc("GET "+RootRoute, s.handleRoot)
	mux.HandleFunc("GET "+HealthCheckRoute, s.handleHealth)

	// token check route
	mux.HandleFunc("POST "+RootRoute, s.handleVerify)

	// storage routes
	mux.Handle("GET "+BucketRoute, s.gate(http.HandlerFunc(s.handleBucketLocation)))
	mux.Handle("GET "+BucketObjectRoute, s.gate(http.HandlerFunc(s.handleGetObject)))
	mux.Handle("POST "+BucketRoute, s.gate(http.HandlerFunc(s.handlePutObject)))

	var handler http.Handler = mux
	if s.limiter != nil {
		handler = s.limiter.Middleware(handler)
	}

	return CorrelationIDMiddleware(
		LoggingMiddleware(s.logger)(
			RecoverMiddleware(s.logger)(
				handler)))
}

// StatusFor maps a verification reason to the HTTP status the surrounding
// service has always returned.
func StatusFor(reason k8ssaidentityextension.Reason) int {
	switch reason {
	case k8ssaidentityextension.ReasonNone:
		return http.StatusOK
	case k8ssaidentityextension.ReasonMalformedRequest:
		return http.StatusBadRequest
	case k8ssaidentityextension.ReasonInvalidGroups,
		k8ssaidentityextension.ReasonInvalidUsername,
		k8ssaidentityextension.ReasonInvalidUID:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "app test service is up")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}

type VerifyResponse struct {
	Authenticated bool     `json:"authenticated"`
	Reason        string   `json:"reason,omitempty"`
	Username      string   `json:"username,omitempty"`
	Groups        []string `json:"groups,omitempty"`
	UID           string   `json:"uid,omitempty"`
	CorrelationID string   `json:"correlation_id"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx, err := s.auth.Authenticate(r.Context(), r.Header)
	reason := k8ssaidentityextension.ReasonOf(err)
	if err != nil {
		LoggerFromContext(r.Context()).Info("token refused",
			zap.String("reason", string(reason)),
			zap.Error(err),
		)
	}

	resp := VerifyResponse{
		Authenticated: err == nil,
		Reason:        string(reason),
		CorrelationID: CorrelationCtx(r.Context()),
	}
	if res, ok := k8ssaidentityextension.ResultFromContext(ctx); ok {
		resp.Username = res.Username
		resp.Groups = res.Groups
		resp.UID = res.UID
	}
	writeJSON(w, r, resp, StatusFor(reason))
}

// gate lets a request through only when its token verifies.
func (s *Server) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, err := s.auth.Authenticate(r.Context(), r.Header)
		if err != nil {
			reason := k8ssaidentityextension.ReasonOf(err)
			LoggerFromContext(r.Context()).Info("request refused by identity gate",
				zap.String("reason", string(reason)),
				zap.Error(err),
			)
			writeError(w, r, "access denied", string(reason), StatusFor(reason))
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type BucketLocationResponse struct {
	LocationConstraint string `json:"LocationConstraint"`
}

func (s *Server) handleBucketLocation(w http.ResponseWriter, r *http.Request) {
	bucket := r.PathValue("bucket")

	location, err := s.storage.BucketLocation(r.Context(), bucket)
	if err != nil {
		msg := storage.ErrorCode(err)
		if msg == "" {
			msg = err.Error()
		}
		writeError(w, r, msg, "", storage.StatusCode(err))
		return
	}

	writeJSON(w, r, BucketLocationResponse{LocationConstraint: location}, http.StatusOK)
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	bucket, key := r.PathValue("bucket"), r.PathValue("key")

	obj, err := s.storage.GetObject(r.Context(), bucket, key)
	if err != nil {
		writeError(w, r, "error to get obj", storage.ErrorCode(err), objectStatus(err))
		return
	}

	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(obj.Body)
}

// PutObjectRequest is the body of POST /bucket/{bucket}. Body is stored as
// its JSON text.
type PutObjectRequest struct {
	Key  string          `json:"Key"`
	Body json.RawMessage `json:"Body"`
}

type PutObjectResponse struct {
	ETag string `json:"ETag"`
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request) {
	bucket := r.PathValue("bucket")

	var req PutObjectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxObjectSize)).Decode(&req); err != nil {
		writeError(w, r, "invalid request body: "+err.Error(), "", http.StatusBadRequest)
		return
	}

	etag, err := s.storage.PutObject(r.Context(), bucket, req.Key, req.Body)
	if err != nil {
		writeError(w, r, "error to put obj", storage.ErrorCode(err), objectStatus(err))
		return
	}

	writeJSON(w, r, PutObjectResponse{ETag: etag}, http.StatusOK)
}

// objectStatus keeps validation errors at 400; backend failures on object
// routes are reported as 500.
func objectStatus(err error) int {
	if errors.Is(err, storage.ErrInvalidBucketName) || errors.Is(err, storage.ErrInvalidKey) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
