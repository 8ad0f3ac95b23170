// SPDX-License-Identifier: Apache-2.0

package k8ssaidentityextension

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// ErrLookup marks a failed live lookup of the expected service account.
var ErrLookup = errors.New("service account lookup failed")

// UIDResolver returns the current uid of the expected service account.
type UIDResolver interface {
	ResolveUID(ctx context.Context) (string, error)
}

type kubeUIDResolver struct {
	client    kubernetes.Interface
	namespace string
	name      string
	logger    *zap.Logger
}

// NewUIDResolver returns a UIDResolver that reads the ServiceAccount object
// from the kube API on every call.
func NewUIDResolver(client kubernetes.Interface, identity ExpectedIdentity, logger *zap.Logger) UIDResolver {
	return &kubeUIDResolver{
		client:    client,
		namespace: identity.Namespace(),
		name:      identity.Name(),
		logger:    logger,
	}
}

func (r *kubeUIDResolver) ResolveUID(ctx context.Context) (string, error) {
	sa, err := r.client.CoreV1().ServiceAccounts(r.namespace).Get(ctx, r.name, metav1.GetOptions{})
	if err != nil {
		r.logger.Warn("ServiceAccount lookup failed",
			zap.String("namespace", r.namespace),
			zap.String("name", r.name),
			zap.String("kind", lookupFailureKind(err)),
			zap.Error(err),
		)
		return "", fmt.Errorf("%w: %s/%s: %v", ErrLookup, r.namespace, r.name, err)
	}
	if sa.UID == "" {
		return "", fmt.Errorf("%w: %s/%s has no uid", ErrLookup, r.namespace, r.name)
	}
	return string(sa.UID), nil
}

func lookupFailureKind(err error) string {
	switch {
	case apierrors.IsNotFound(err):
		return "not_found"
	case apierrors.IsForbidden(err), apierrors.IsUnauthorized(err):
		return "permission"
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err), apierrors.IsTooManyRequests(err):
		return "transient"
	default:
		return "other"
	}
}
