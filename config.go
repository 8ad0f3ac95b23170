// SPDX-License-Identifier: Apache-2.0

package k8ssaidentityextension

import (
	"errors"

	"go.opentelemetry.io/collector/component"

	"github.com/payu/k8ssaidentityextension/internal/k8sconfig"
)

// Config specifies the configuration for the Kubernetes service account identity authenticator
type Config struct {
	k8sconfig.APIConfig `mapstructure:",squash"`

	// Namespace is the namespace of the expected service account.
	Namespace string `mapstructure:"namespace"`

	// ServiceAccountName is the name of the only service account whose tokens are accepted.
	ServiceAccountName string `mapstructure:"service_account_name"`

	// Header specifies the header carrying the token. Defaults to "token"
	Header string `mapstructure:"header,omitempty"`

	// Scheme specifies the auth-scheme prefix of the header value, e.g. "Bearer".
	// Empty means the header value is the raw token.
	Scheme string `mapstructure:"scheme,omitempty"`

	// Audiences are forwarded to the TokenReview. Empty means the API server's default audience.
	Audiences []string `mapstructure:"audiences,omitempty"`
}

var (
	_ component.Config = (*Config)(nil)

	errNoNamespaceSpecified      = errors.New("namespace must be specified")
	errNoServiceAccountSpecified = errors.New("service_account_name must be specified")
	errNoHeaderSpecified         = errors.New("header must be specified")
)

// Validate checks if the extension configuration is valid
func (cfg *Config) Validate() error {
	if err := cfg.APIConfig.Validate(); err != nil {
		return err
	}

	if cfg.Namespace == "" {
		return errNoNamespaceSpecified
	}

	if cfg.ServiceAccountName == "" {
		return errNoServiceAccountSpecified
	}

	if cfg.Header == "" {
		return errNoHeaderSpecified
	}

	return nil
}

// ExpectedIdentity derives the identity tokens are checked against.
func (cfg *Config) ExpectedIdentity() ExpectedIdentity {
	return NewExpectedIdentity(cfg.Namespace, cfg.ServiceAccountName)
}
