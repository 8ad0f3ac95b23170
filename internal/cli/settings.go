// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/payu/k8ssaidentityextension"
	"github.com/payu/k8ssaidentityextension/internal/k8sconfig"
	"github.com/payu/k8ssaidentityextension/internal/storage"
)

const (
	AddrKey               = "addr"
	NamespaceKey          = "namespace"
	ServiceAccountNameKey = "service-account-name"
	AuthTypeKey           = "auth-type"
	KubeContextKey        = "kube-context"
	HeaderKey             = "header"
	SchemeKey             = "scheme"
	AudiencesKey          = "audiences"
	RegionKey             = "region"
	AWSEndpointKey        = "aws-endpoint"
	ForcePathStyleKey     = "aws-s3-force-path-style"
	DisableSSLKey         = "aws-config-disable-ssl"
	RoleARNKey            = "role-arn"
	TimeoutKey            = "timeout"
	RateLimitKey          = "rate-limit"
	RateBurstKey          = "rate-burst"
	LogLevelKey           = "log-level"
	LogFormatKey          = "log-format"
)

const (
	defaultAddr        = ":30000"
	defaultRegion      = "eu-central-1"
	defaultAWSEndpoint = "http://localstack.k8s-s3-operator-system:4566"
	defaultRoleARN     = "arn:aws:iam:::role/s3bucket-sample-app-testtIAM-ROLE-S3Operator"
	defaultTimeout     = 5 * time.Second
)

// Settings is the process configuration. It is read once at startup and
// not modified afterwards.
type Settings struct {
	Addr      string
	Identity  k8ssaidentityextension.Config
	Storage   storage.Config
	RateLimit float64
	RateBurst int
	LogLevel  string
	LogFormat string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(AddrKey, defaultAddr)
	v.SetDefault(NamespaceKey, k8ssaidentityextension.DefaultNamespace)
	v.SetDefault(ServiceAccountNameKey, k8ssaidentityextension.DefaultServiceAccountName)
	v.SetDefault(AuthTypeKey, string(k8sconfig.AuthTypeServiceAccount))
	v.SetDefault(HeaderKey, k8ssaidentityextension.DefaultHeader)
	v.SetDefault(RegionKey, defaultRegion)
	v.SetDefault(AWSEndpointKey, defaultAWSEndpoint)
	v.SetDefault(ForcePathStyleKey, true)
	v.SetDefault(DisableSSLKey, true)
	v.SetDefault(RoleARNKey, defaultRoleARN)
	v.SetDefault(TimeoutKey, defaultTimeout)
	v.SetDefault(RateBurstKey, 10)
	v.SetDefault(LogLevelKey, "info")
	v.SetDefault(LogFormatKey, "json")
}

// bindEnv makes every key readable from an upper snake case variable,
// e.g. SERVICE_ACCOUNT_NAME or AWS_ENDPOINT.
func bindEnv(v *viper.Viper) {
	v.SetEnvKeyReplacer(strings.NewReplacer(
		".", "_",
		"-", "_",
	))
	v.AutomaticEnv()
}

// LoadSettings reads and validates the settings held by v.
func LoadSettings(v *viper.Viper) (*Settings, error) {
	setDefaults(v)

	s := &Settings{
		Addr: v.GetString(AddrKey),
		Identity: k8ssaidentityextension.Config{
			APIConfig: k8sconfig.APIConfig{
				AuthType: k8sconfig.AuthType(v.GetString(AuthTypeKey)),
				Context:  v.GetString(KubeContextKey),
			},
			Namespace:          v.GetString(NamespaceKey),
			ServiceAccountName: v.GetString(ServiceAccountNameKey),
			Header:             v.GetString(HeaderKey),
			Scheme:             v.GetString(SchemeKey),
			Audiences:          splitList(v.GetStringSlice(AudiencesKey)),
		},
		Storage: storage.Config{
			Region:         v.GetString(RegionKey),
			Endpoint:       v.GetString(AWSEndpointKey),
			ForcePathStyle: v.GetBool(ForcePathStyleKey),
			DisableSSL:     v.GetBool(DisableSSLKey),
			Timeout:        v.GetDuration(TimeoutKey),
			RoleARN:        v.GetString(RoleARNKey),
		},
		RateLimit: v.GetFloat64(RateLimitKey),
		RateBurst: v.GetInt(RateBurstKey),
		LogLevel:  v.GetString(LogLevelKey),
		LogFormat: v.GetString(LogFormatKey),
	}

	if err := s.Identity.Validate(); err != nil {
		return nil, fmt.Errorf("identity settings: %w", err)
	}
	if s.RateLimit < 0 {
		return nil, fmt.Errorf("%s must not be negative", RateLimitKey)
	}
	if s.RateLimit > 0 && s.RateBurst < 1 {
		return nil, fmt.Errorf("%s must be at least 1 when %s is set", RateBurstKey, RateLimitKey)
	}
	return s, nil
}

// splitList flattens comma separated entries, so AUDIENCES=a,b and
// --audiences a --audiences b read the same.
func splitList(in []string) []string {
	var out []string
	for _, entry := range in {
		for _, item := range strings.Split(entry, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}
