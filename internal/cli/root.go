// SPDX-License-Identifier: Apache-2.0

// Package cli holds the s3testapp commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	settings *Settings
	logger   = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "s3testapp",
	Short: "S3 proxy test service gated by a Kubernetes service account identity",
	Long: `s3testapp proxies bucket and object calls to an S3 compatible backend.
Every storage call must carry a token of exactly one Kubernetes service
account: the token is reviewed by the API server and the reviewed uid is
compared with the live ServiceAccount object.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s, err := LoadSettings(viper.GetViper())
		if err != nil {
			return err
		}
		l, err := newLogger(s.LogLevel, s.LogFormat)
		if err != nil {
			return err
		}
		settings, logger = s, l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()

	flags.String(NamespaceKey, "", "Namespace of the expected service account")
	flags.String(ServiceAccountNameKey, "", "Name of the expected service account")
	flags.String(AuthTypeKey, "", "How to reach the kube API: serviceAccount, kubeConfig or none")
	flags.String(KubeContextKey, "", "kubeconfig context when auth-type is kubeConfig")
	flags.String(HeaderKey, "", "Request header carrying the token")
	flags.String(SchemeKey, "", "Scheme prefix of the header value, e.g. Bearer (empty for a raw token)")
	flags.StringSlice(AudiencesKey, nil, "Audiences sent with the TokenReview (comma separated)")
	flags.String(LogLevelKey, "", "Log level (debug, info, warn, error)")
	flags.String(LogFormatKey, "", "Log format (json, console)")

	flags.VisitAll(func(f *pflag.Flag) {
		_ = viper.BindPFlag(f.Name, f)
	})

	bindEnv(viper.GetViper())

	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
}
