// SPDX-License-Identifier: Apache-2.0

package k8ssaidentityextension

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"strings"

	"go.opentelemetry.io/collector/component"
	"go.opentelemetry.io/collector/extension"
	"go.opentelemetry.io/collector/extension/extensionauth"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"

	"github.com/payu/k8ssaidentityextension/internal/k8sconfig"
)

var (
	_ extension.Extension  = (*Authenticator)(nil)
	_ extensionauth.Server = (*Authenticator)(nil)

	errMissingAuthHeader = errors.New("missing or empty token header")
	errInvalidAuthHeader = errors.New("invalid token header format")
)

// Authenticator implements server-side authentication that accepts tokens of
// one Kubernetes service account only.
type Authenticator struct {
	cfg      *Config
	verifier *Verifier
	logger   *zap.Logger
}

// newK8sSAIdentity creates the extension with a client built from cfg.APIConfig.
func newK8sSAIdentity(cfg *Config, logger *zap.Logger) (extension.Extension, error) {
	client, err := k8sconfig.MakeClient(cfg.APIConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}

	return NewAuthenticator(cfg, client, logger), nil
}

// NewAuthenticator wires the TokenReview reviewer and ServiceAccount resolver
// for client into a Verifier for the identity cfg names.
func NewAuthenticator(cfg *Config, client kubernetes.Interface, logger *zap.Logger) *Authenticator {
	identity := cfg.ExpectedIdentity()
	verifier := NewVerifier(
		identity,
		NewTokenReviewer(client, cfg.Audiences, logger),
		NewUIDResolver(client, identity, logger),
		logger,
	)
	return &Authenticator{
		cfg:      cfg,
		verifier: verifier,
		logger:   logger,
	}
}

// Start does nothing for this extension
func (a *Authenticator) Start(_ context.Context, _ component.Host) error {
	a.logger.Info("Starting Kubernetes service account identity authenticator",
		zap.String("namespace", a.cfg.Namespace),
		zap.String("service_account", a.cfg.ServiceAccountName),
		zap.String("header", a.cfg.Header),
	)
	return nil
}

// Shutdown does nothing for this extension
func (a *Authenticator) Shutdown(_ context.Context) error {
	a.logger.Info("Shutting down Kubernetes service account identity authenticator")
	return nil
}

// Verifier exposes the underlying verifier for callers that want the full Result.
func (a *Authenticator) Verifier() *Verifier {
	return a.verifier
}

// Authenticate extracts the token from headers and verifies it. The returned
// error wraps one of ErrMalformedRequest, ErrAuthority, ErrInvalidGroups,
// ErrInvalidUsername, ErrInvalidUID or ErrInternal. On success the Result is
// stored in the returned context.
func (a *Authenticator) Authenticate(ctx context.Context, headers map[string][]string) (context.Context, error) {
	token, err := a.extractToken(headers)
	if err != nil {
		return ctx, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}

	res := a.verifier.Verify(ctx, token)
	if !res.Accepted() {
		return ctx, res.Err
	}

	return ContextWithResult(ctx, res), nil
}

// extractToken reads the configured header, trying the lowercase form first
// (gRPC metadata), then the configured and canonical HTTP forms.
func (a *Authenticator) extractToken(headers map[string][]string) (string, error) {
	var values []string
	for _, key := range []string{
		strings.ToLower(a.cfg.Header),
		a.cfg.Header,
		textproto.CanonicalMIMEHeaderKey(a.cfg.Header),
	} {
		if v, ok := headers[key]; ok {
			values = v
			break
		}
	}

	if len(values) == 0 || strings.TrimSpace(values[0]) == "" {
		return "", errMissingAuthHeader
	}

	value := values[0]
	if a.cfg.Scheme == "" {
		return strings.TrimSpace(value), nil
	}

	expectedPrefix := a.cfg.Scheme + " "
	if !strings.HasPrefix(value, expectedPrefix) {
		return "", fmt.Errorf("%w: expected scheme '%s'", errInvalidAuthHeader, a.cfg.Scheme)
	}

	token := strings.TrimSpace(strings.TrimPrefix(value, expectedPrefix))
	if token == "" {
		return "", fmt.Errorf("%w: token is empty", errInvalidAuthHeader)
	}

	return token, nil
}

type resultKey struct{}

// ContextWithResult returns a copy of ctx carrying res.
func ContextWithResult(ctx context.Context, res Result) context.Context {
	return context.WithValue(ctx, resultKey{}, res)
}

// ResultFromContext returns the Result stored by a successful Authenticate.
func ResultFromContext(ctx context.Context) (Result, bool) {
	res, ok := ctx.Value(resultKey{}).(Result)
	return res, ok
}

// ReasonOf maps an error returned by Authenticate back to its Reason.
// Unknown errors map to ReasonInternal.
func ReasonOf(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrMalformedRequest):
		return ReasonMalformedRequest
	case errors.Is(err, ErrAuthority):
		return ReasonAuthorityError
	case errors.Is(err, ErrInvalidGroups):
		return ReasonInvalidGroups
	case errors.Is(err, ErrInvalidUsername):
		return ReasonInvalidUsername
	case errors.Is(err, ErrInvalidUID):
		return ReasonInvalidUID
	default:
		return ReasonInternal
	}
}
