// SPDX-License-Identifier: Apache-2.0

package k8ssaidentityextension

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Reason is why a token was rejected. The empty Reason means accepted.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonMalformedRequest Reason = "malformed-request"
	ReasonAuthorityError   Reason = "authority-error"
	ReasonInvalidGroups    Reason = "invalid-groups"
	ReasonInvalidUsername  Reason = "invalid-username"
	ReasonInvalidUID       Reason = "invalid-uid"
	// ReasonInternal is not a domain rejection: the verifier could not reach
	// a decision.
	ReasonInternal Reason = "internal-error"
)

var (
	ErrMalformedRequest = errors.New("missing token")
	ErrInvalidGroups    = errors.New("invalid groups")
	ErrInvalidUsername  = errors.New("invalid username")
	ErrInvalidUID       = errors.New("invalid uid")
	ErrInternal         = errors.New("internal verification error")

	// ErrUIDMismatch is the cause of an invalid-uid rejection when the lookup
	// succeeded but returned a different uid.
	ErrUIDMismatch = errors.New("uid does not match service account")
)

// Result is the outcome of a single verification.
type Result struct {
	Reason Reason
	// Username, Groups and UID are what the authority asserted, when a
	// review got that far.
	Username string
	Groups   []string
	UID      string
	// Err is nil when accepted. Otherwise it wraps the sentinel for Reason
	// and, for invalid-uid, either ErrLookup or ErrUIDMismatch.
	Err error
}

// Accepted reports whether every check passed.
func (r Result) Accepted() bool {
	return r.Reason == ReasonNone && r.Err == nil
}

func reject(reason Reason, sentinel error, cause error) Result {
	err := sentinel
	switch {
	case errors.Is(cause, sentinel):
		err = cause
	case cause != nil:
		err = fmt.Errorf("%w: %w", sentinel, cause)
	}
	return Result{Reason: reason, Err: err}
}

// Verifier decides whether a bearer token belongs to the expected service
// account. It holds no per-request state and is safe for concurrent use.
type Verifier struct {
	identity ExpectedIdentity
	reviewer TokenReviewer
	resolver UIDResolver
	logger   *zap.Logger
}

func NewVerifier(identity ExpectedIdentity, reviewer TokenReviewer, resolver UIDResolver, logger *zap.Logger) *Verifier {
	return &Verifier{
		identity: identity,
		reviewer: reviewer,
		resolver: resolver,
		logger:   logger,
	}
}

// Identity returns the identity tokens are checked against.
func (v *Verifier) Identity() ExpectedIdentity {
	return v.identity
}

// Verify runs the checks in order, stopping at the first failure: token
// review, groups, username, then the live uid lookup. The lookup is never
// reached for a token that already failed a local check.
func (v *Verifier) Verify(ctx context.Context, token string) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			v.logger.Error("Verification panicked", zap.Any("panic", p))
			res = reject(ReasonInternal, ErrInternal, fmt.Errorf("panic: %v", p))
		}
		v.logResult(res)
	}()

	if token == "" {
		return reject(ReasonMalformedRequest, ErrMalformedRequest, nil)
	}

	assertion, err := v.reviewer.Review(ctx, token)
	switch {
	case errors.Is(err, ErrMalformedReview):
		return reject(ReasonInternal, ErrInternal, err)
	case err != nil:
		return reject(ReasonAuthorityError, ErrAuthority, err)
	case assertion == nil:
		return reject(ReasonInternal, ErrInternal, ErrMalformedReview)
	}

	res = v.checkAssertion(ctx, assertion)
	res.Username = assertion.Username
	res.Groups = assertion.Groups
	res.UID = assertion.UID
	return res
}

func (v *Verifier) checkAssertion(ctx context.Context, assertion *Assertion) Result {
	if !MatchGroups(assertion.Groups, v.identity.groups) {
		return reject(ReasonInvalidGroups, ErrInvalidGroups, nil)
	}
	if !MatchUsername(assertion.Username, v.identity.username) {
		return reject(ReasonInvalidUsername, ErrInvalidUsername, nil)
	}

	uid, err := v.resolver.ResolveUID(ctx)
	if err != nil {
		if !errors.Is(err, ErrLookup) {
			err = fmt.Errorf("%w: %w", ErrLookup, err)
		}
		return reject(ReasonInvalidUID, ErrInvalidUID, err)
	}
	if uid != assertion.UID {
		return reject(ReasonInvalidUID, ErrInvalidUID, ErrUIDMismatch)
	}
	return Result{}
}

func (v *Verifier) logResult(res Result) {
	fields := []zap.Field{
		zap.String("username", res.Username),
		zap.Strings("groups", res.Groups),
		zap.String("uid", res.UID),
	}
	switch res.Reason {
	case ReasonNone:
		v.logger.Debug("Token accepted", fields...)
	case ReasonInternal:
		v.logger.Error("Token verification failed", append(fields, zap.Error(res.Err))...)
	default:
		v.logger.Info("Token rejected", append(fields,
			zap.String("reason", string(res.Reason)),
			zap.Error(res.Err),
		)...)
	}
}
