// SPDX-License-Identifier: Apache-2.0

package k8ssaidentityextension

import (
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
)

const (
	serviceAccountUsernamePrefix = "system:serviceaccount"
	serviceAccountsGroup         = "system:serviceaccounts"
	authenticatedGroup           = "system:authenticated"
)

// ExpectedIdentity describes the single service account whose tokens are
// accepted. It is computed once from configuration and never mutated.
type ExpectedIdentity struct {
	namespace string
	name      string
	username  string
	groups    []string
}

// NewExpectedIdentity derives the username and group set the token review
// authority reports for the service account name in namespace.
func NewExpectedIdentity(namespace, name string) ExpectedIdentity {
	return ExpectedIdentity{
		namespace: namespace,
		name:      name,
		username:  strings.Join([]string{serviceAccountUsernamePrefix, namespace, name}, ":"),
		groups: []string{
			serviceAccountsGroup,
			serviceAccountsGroup + ":" + namespace,
			authenticatedGroup,
		},
	}
}

func (e ExpectedIdentity) Namespace() string { return e.namespace }

func (e ExpectedIdentity) Name() string { return e.name }

// Username returns "system:serviceaccount:<namespace>:<name>".
func (e ExpectedIdentity) Username() string { return e.username }

// Groups returns a copy of the expected group set.
func (e ExpectedIdentity) Groups() []string {
	out := make([]string, len(e.groups))
	copy(out, e.groups)
	return out
}

// MatchGroups reports whether asserted, taken as a set, is exactly expected:
// same cardinality and every expected group present. Extra groups fail the
// match just like missing ones. Duplicates in asserted collapse.
func MatchGroups(asserted, expected []string) bool {
	return sets.New(asserted...).Equal(sets.New(expected...))
}

// MatchUsername is exact string equality. No case folding, no trimming.
func MatchUsername(asserted, expected string) bool {
	return asserted == expected
}
