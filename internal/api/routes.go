// SPDX-License-Identifier: Apache-2.0

package api

const (
	RootRoute        = "/{$}"
	HealthCheckRoute = "/healthz"

	BucketParent      = "/bucket/"
	BucketRoute       = BucketParent + "{bucket}"
	BucketObjectRoute = BucketParent + "{bucket}/{key...}"
)
