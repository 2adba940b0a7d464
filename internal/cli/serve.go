package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/solardome/vuln-importer/internal/api"
	"github.com/solardome/vuln-importer/internal/eventbus"
	"github.com/solardome/vuln-importer/internal/importer"
	"github.com/solardome/vuln-importer/internal/mapping"
	"github.com/solardome/vuln-importer/internal/metrics"
	"github.com/solardome/vuln-importer/internal/upload"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(debug *bool) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the upload API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), *debug)
			if err != nil {
				return err
			}
			defer a.close()
			if addr != "" {
				a.cfg.HTTPAddr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from HTTP_ADDR)")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.HTTPAddr, err)
	}
	return serveOn(ctx, a, ln)
}

// serveOn runs the API on ln until ctx is done, then drains open requests.
func serveOn(ctx context.Context, a *app, ln net.Listener) error {
	m := metrics.New()
	registry, err := mapping.NewRegistry(a.store, a.cfg.MappingCacheSize, a.logger)
	if err != nil {
		ln.Close()
		return err
	}
	imp := importer.New(a.store, registry, importer.Options{
		MaxReportedErrors: a.cfg.MaxReportedErrors,
		Logger:            a.logger,
	})

	opts := upload.Options{
		AllowedExtensions: a.cfg.AllowedExtensions,
		MaxBytes:          a.cfg.MaxUploadBytes,
		Metrics:           m,
		Logger:            a.logger,
	}
	if a.cfg.NatsURL != "" {
		pub, err := eventbus.NewPublisher(a.cfg.NatsURL, a.logger)
		if err != nil {
			ln.Close()
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer pub.Close()
		opts.Notifier = pub
	}
	svc := upload.NewService(a.store, imp, opts)

	apiOpts := api.Options{
		Integrations: []string{a.cfg.DefaultIntegration},
		Metrics:      m,
		Logger:       a.logger,
	}
	if p, ok := a.store.(api.Pinger); ok {
		apiOpts.Health = p
	}
	srv := &http.Server{
		Handler:           api.NewServer(svc, apiOpts).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
