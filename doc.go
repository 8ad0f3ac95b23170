// SPDX-License-Identifier: Apache-2.0

// Package k8ssaidentityextension implements an extension that accepts bearer
// tokens of exactly one Kubernetes service account.
//
// A token is first sent to the TokenReview API. The reviewed username and
// groups must equal those of the configured service account, and the reviewed
// uid must equal the uid the ServiceAccount object has right now, so tokens of
// a deleted and recreated account are refused.
package k8ssaidentityextension
