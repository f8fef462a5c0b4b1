package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/acme/autocert"

	"github.com/ucmmonitor/ucmmonitor/internal/activestate"
	"github.com/ucmmonitor/ucmmonitor/internal/api"
	"github.com/ucmmonitor/ucmmonitor/internal/api/middleware"
	"github.com/ucmmonitor/ucmmonitor/internal/config"
	"github.com/ucmmonitor/ucmmonitor/internal/correlator"
	"github.com/ucmmonitor/ucmmonitor/internal/database"
	"github.com/ucmmonitor/ucmmonitor/internal/directory"
	"github.com/ucmmonitor/ucmmonitor/internal/exchange"
	"github.com/ucmmonitor/ucmmonitor/internal/fanout"
	"github.com/ucmmonitor/ucmmonitor/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting ucmmonitor",
		"http_port", cfg.HTTPPort,
		"exchange_host", cfg.ExchangeHost,
		"data_dir", cfg.DataDir,
		"tls", cfg.TLSEnabled(),
	)

	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	callLogs := database.NewCallLogRepository(db)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	activeStore := activestate.New()
	eventFanout := fanout.NewRegistry()
	corr := correlator.New(appCtx, callLogs, activeStore, eventFanout)

	rpcClient := exchange.NewClient(
		cfg.ExchangeHost, cfg.ExchangeWSPort,
		cfg.MonitorUsername, cfg.MonitorPassword,
		cfg.HeartbeatInterval, cfg.ReconnectDelay,
	)
	dialClient := exchange.NewDialClient(
		cfg.ExchangeHost, cfg.ExchangeHTTPPort,
		cfg.DialUsername, cfg.DialPassword,
	)

	go rpcClient.Run(appCtx, corr, corr.Reset)

	collector := metrics.NewCollector(activeStore, eventFanout, callLogs, rpcClient, time.Now())
	prometheus.MustRegister(collector)

	handler := api.NewServer(
		callLogs, activeStore, eventFanout, dialClient, directory.NoopLookup{},
		middleware.ParseCORSOrigins(cfg.CORSOrigins), cfg.TLSEnabled(),
	)

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var redirectSrv *http.Server
	errCh := make(chan error, 1)

	switch {
	case cfg.ACMEDomain != "":
		cacheDir := filepath.Join(cfg.DataDir, "acme-certs")
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.ACMEDomain),
			Cache:      autocert.DirCache(cacheDir),
			Email:      cfg.ACMEEmail,
		}
		srv.Addr = ":443"
		srv.TLSConfig = m.TLSConfig()

		redirectSrv = &http.Server{
			Addr:         ":80",
			Handler:      m.HTTPHandler(middleware.HTTPSRedirectHandler()),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  30 * time.Second,
		}

		go func() {
			slog.Info("https server listening (acme)", "addr", srv.Addr, "domain", cfg.ACMEDomain)
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
		go func() {
			slog.Info("http redirect server listening", "addr", redirectSrv.Addr)
			if err := redirectSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("http redirect server error", "error", err)
			}
		}()

	case cfg.TLSCert != "":
		srv.Addr = fmt.Sprintf(":%d", cfg.HTTPPort)
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}

		if cfg.HTTPPort != 80 {
			redirectSrv = &http.Server{
				Addr:         ":80",
				Handler:      middleware.HTTPSRedirectHandler(),
				ReadTimeout:  5 * time.Second,
				WriteTimeout: 5 * time.Second,
				IdleTimeout:  30 * time.Second,
			}
			go func() {
				slog.Info("http redirect server listening", "addr", redirectSrv.Addr)
				if err := redirectSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					slog.Error("http redirect server error", "error", err)
				}
			}()
		}

		go func() {
			slog.Info("https server listening", "addr", srv.Addr)
			if err := srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

	default:
		srv.Addr = fmt.Sprintf(":%d", cfg.HTTPPort)
		go func() {
			slog.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	appCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down")

	if redirectSrv != nil {
		if err := redirectSrv.Shutdown(ctx); err != nil {
			slog.Error("http redirect server shutdown error", "error", err)
		}
	}
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("ucmmonitor stopped")
}
