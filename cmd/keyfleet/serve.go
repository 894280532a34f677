package main

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"keyfleet/pkg/api"
	"keyfleet/pkg/version"
)

var (
	serveAddr string
	tlsFiles  api.TLSFiles
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control API and the scoring and traffic jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			addr := a.cfg.ListenAddr
			if serveAddr != "" {
				addr = serveAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a.log.Info("keyfleet starting", zap.String("version", version.String()),
				zap.String("db", a.cfg.DBDriver), zap.String("snapshots", a.cfg.SnapshotBackend))

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				a.scheduler.Run(ctx)
			}()
			err := a.server().Serve(ctx, addr, tlsFiles)
			stop()
			wg.Wait()
			if err != nil {
				return err
			}
			a.log.Info("keyfleet stopped")
			return nil
		})
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveAddr, "addr", "", "listen address (overrides LISTEN_ADDR)")
	f.StringVar(&tlsFiles.Cert, "tls-cert", "", "TLS cert path (enables HTTPS with --tls-key)")
	f.StringVar(&tlsFiles.Key, "tls-key", "", "TLS key path (enables HTTPS with --tls-cert)")
	f.StringVar(&tlsFiles.ClientCA, "client-ca", "", "require client certs signed by this CA")
	rootCmd.AddCommand(serveCmd)
}
