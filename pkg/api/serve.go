package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
)

// TLSFiles locate the server certificate and, for mutual TLS, the CA that
// client certificates must chain to.
type TLSFiles struct {
	Cert     string
	Key      string
	ClientCA string
}

// Enabled reports whether both certificate and key are set.
func (f TLSFiles) Enabled() bool {
	return f.Cert != "" && f.Key != ""
}

// Config builds the server TLS config; client certificates are required
// when ClientCA is set.
func (f TLSFiles) Config() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(f.Cert, f.Key)
	if err != nil {
		return nil, fmt.Errorf("load cert/key: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if f.ClientCA == "" {
		return cfg, nil
	}
	caData, err := os.ReadFile(f.ClientCA)
	if err != nil {
		return nil, fmt.Errorf("read client ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caData) {
		return nil, errors.New("invalid client ca")
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return cfg, nil
}

// Serve runs the control API on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, addr string, files TLSFiles) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if files.Enabled() {
		cfg, err := files.Config()
		if err != nil {
			return err
		}
		srv.TLSConfig = cfg
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("control api listening", zap.String("addr", addr), zap.Bool("tls", files.Enabled()))
		if files.Enabled() {
			errc <- srv.ListenAndServeTLS("", "")
		} else {
			errc <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	s.Events.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
