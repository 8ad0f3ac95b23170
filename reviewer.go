// SPDX-License-Identifier: Apache-2.0

package k8ssaidentityextension

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	authenticationv1 "k8s.io/api/authentication/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

var (
	errTokenReviewFailed     = errors.New("token review failed")
	errTokenNotAuthenticated = errors.New("token is not authenticated")

	// ErrAuthority marks failures reported by, or reaching, the token review
	// authority.
	ErrAuthority = errors.New("token review authority error")

	// ErrMalformedReview marks a token review response that lacks the
	// structure needed to make a decision.
	ErrMalformedReview = errors.New("malformed token review response")
)

// Assertion is the identity the token review authority reports for a token.
type Assertion struct {
	Authenticated bool
	Username      string
	Groups        []string
	UID           string
	Audiences     []string
}

// TokenReviewer submits a bearer token to a review authority.
type TokenReviewer interface {
	Review(ctx context.Context, token string) (*Assertion, error)
}

type kubeTokenReviewer struct {
	client    kubernetes.Interface
	audiences []string
	logger    *zap.Logger
}

// NewTokenReviewer returns a TokenReviewer backed by the authentication.k8s.io/v1
// TokenReview API. A non-empty audiences list is forwarded in the review spec.
func NewTokenReviewer(client kubernetes.Interface, audiences []string, logger *zap.Logger) TokenReviewer {
	return &kubeTokenReviewer{
		client:    client,
		audiences: audiences,
		logger:    logger,
	}
}

func (r *kubeTokenReviewer) Review(ctx context.Context, token string) (*Assertion, error) {
	tokenReview := &authenticationv1.TokenReview{
		TypeMeta: metav1.TypeMeta{
			APIVersion: authenticationv1.SchemeGroupVersion.String(),
			Kind:       "TokenReview",
		},
		Spec: authenticationv1.TokenReviewSpec{
			Token:     token,
			Audiences: r.audiences,
		},
	}

	result, err := r.client.AuthenticationV1().TokenReviews().Create(ctx, tokenReview, metav1.CreateOptions{})
	if err != nil {
		r.logger.Error("TokenReview API call failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w: %v", ErrAuthority, errTokenReviewFailed, err)
	}
	if result == nil {
		return nil, fmt.Errorf("%w: empty TokenReview", ErrMalformedReview)
	}

	if result.Status.Error != "" || !result.Status.Authenticated {
		r.logger.Warn("Token authentication failed",
			zap.Bool("authenticated", result.Status.Authenticated),
			zap.String("error", result.Status.Error),
		)
		return nil, fmt.Errorf("%w: %w: %s", ErrAuthority, errTokenNotAuthenticated, result.Status.Error)
	}

	user := result.Status.User
	if user.Username == "" {
		return nil, fmt.Errorf("%w: authenticated review has no username", ErrMalformedReview)
	}
	return &Assertion{
		Authenticated: true,
		Username:      user.Username,
		Groups:        user.Groups,
		UID:           user.UID,
		Audiences:     result.Status.Audiences,
	}, nil
}
