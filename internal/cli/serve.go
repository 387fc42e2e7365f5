// internal/cli/serve.go
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcoda/mcoda/internal/natsembed"
	"github.com/mcoda/mcoda/internal/server"
)

const shutdownTimeout = 10 * time.Second

func (a *app) serveCmd() *cobra.Command {
	var (
		addr      string
		embedNATS bool
		natsPort  int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the jobs API server with a websocket watch stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			rt, err := a.openRuntime()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if embedNATS {
				ns, err := natsembed.New(natsembed.Config{
					Port:      natsPort,
					JetStream: true,
					DataDir:   filepath.Join(a.cfg.WorkspaceDir(), "nats"),
				})
				if err != nil {
					return err
				}
				if err := ns.Start(); err != nil {
					return fmt.Errorf("start embedded nats: %w", err)
				}
				defer ns.Shutdown()
				slog.Info("embedded nats server ready", "url", ns.URL())
				// Telemetry export targets the embedded server unless the
				// environment already points elsewhere.
				if a.cfg.TelemetryAPI == "" {
					a.cfg.TelemetryAPI = ns.URL()
				}
			}

			srv := server.New(store, rt, slog.Default())
			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start(addr)
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8337", "listen address")
	cmd.Flags().BoolVar(&embedNATS, "embed-nats", false, "run an in-process NATS server for telemetry export")
	cmd.Flags().IntVar(&natsPort, "nats-port", -1, "embedded NATS port (-1 picks an ephemeral port)")
	return cmd
}
