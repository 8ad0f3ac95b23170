// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/payu/k8ssaidentityextension"
	"github.com/payu/k8ssaidentityextension/internal/api"
	"github.com/payu/k8ssaidentityextension/internal/k8sconfig"
	"github.com/payu/k8ssaidentityextension/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the S3 proxy test service",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		auth, err := newAuthenticator()
		if err != nil {
			return err
		}
		if err := auth.Start(ctx, nil); err != nil {
			return err
		}
		defer func() { _ = auth.Shutdown(context.Background()) }()

		proxy, err := storage.New(settings.Storage, logger)
		if err != nil {
			return fmt.Errorf("building storage proxy: %w", err)
		}

		var limiter *api.RateLimiter
		if settings.RateLimit > 0 {
			limiter = api.NewRateLimiter(rate.Limit(settings.RateLimit), settings.RateBurst)
		}

		server := &http.Server{
			Addr:              settings.Addr,
			Handler:           api.NewServer(auth, proxy, limiter, logger).Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("Starting server", zap.String("addr", settings.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server crashed: %w", err)
			}
			return nil
		case <-ctx.Done():
		}
		logger.Info("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}

		logger.Info("Server exited")
		return nil
	},
}

func newAuthenticator() (*k8ssaidentityextension.Authenticator, error) {
	client, err := k8sconfig.MakeClient(settings.Identity.APIConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}
	return k8ssaidentityextension.NewAuthenticator(&settings.Identity, client, logger), nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	flags := serveCmd.Flags()
	flags.String(AddrKey, "", "Address to listen on (default "+defaultAddr+")")
	flags.String(RegionKey, "", "Storage region")
	flags.String(AWSEndpointKey, "", "Storage endpoint URL")
	flags.Bool(ForcePathStyleKey, true, "Use path style bucket addressing")
	flags.Bool(DisableSSLKey, true, "Disable TLS towards the storage endpoint")
	flags.String(RoleARNKey, "", "IAM role assumed for temporary storage credentials")
	flags.Duration(TimeoutKey, defaultTimeout, "HTTP timeout of storage calls")
	flags.Float64(RateLimitKey, 0, "Requests per second allowed per client IP (0 disables)")
	flags.Int(RateBurstKey, 10, "Burst size of the per client rate limit")

	for _, key := range []string{
		AddrKey, RegionKey, AWSEndpointKey, ForcePathStyleKey, DisableSSLKey,
		RoleARNKey, TimeoutKey, RateLimitKey, RateBurstKey,
	} {
		_ = viper.BindPFlag(key, flags.Lookup(key))
	}
}
