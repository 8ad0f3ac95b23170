// SPDX-License-Identifier: Apache-2.0

package k8ssaidentityextension

import (
	"context"

	"go.opentelemetry.io/collector/component"
	"go.opentelemetry.io/collector/extension"

	"github.com/payu/k8ssaidentityextension/internal/k8sconfig"
	"github.com/payu/k8ssaidentityextension/internal/metadata"
)

const (
	DefaultNamespace          = "k8s-s3-operator-system"
	DefaultServiceAccountName = "k8s-s3-operator-controller-manager"
	DefaultHeader             = "token"
)

// NewFactory creates a factory for the Kubernetes service account identity extension.
func NewFactory() extension.Factory {
	return extension.NewFactory(
		metadata.Type,
		createDefaultConfig,
		createExtension,
		metadata.ExtensionStability,
	)
}

func createDefaultConfig() component.Config {
	return &Config{
		APIConfig: k8sconfig.APIConfig{
			AuthType: k8sconfig.AuthTypeServiceAccount,
		},
		Namespace:          DefaultNamespace,
		ServiceAccountName: DefaultServiceAccountName,
		Header:             DefaultHeader,
	}
}

func createExtension(_ context.Context, set extension.Settings, cfg component.Config) (extension.Extension, error) {
	return newK8sSAIdentity(cfg.(*Config), set.Logger)
}
