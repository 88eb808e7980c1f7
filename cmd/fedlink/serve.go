package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	authgin "github.com/open-rails/fedlink/adapters/gin"
	"github.com/open-rails/fedlink/authority"
	"github.com/open-rails/fedlink/core"
	"github.com/open-rails/fedlink/gateway"
	memorystore "github.com/open-rails/fedlink/storage/memory"
	redisstore "github.com/open-rails/fedlink/storage/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the verification gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateGateway(); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	entry := logrus.NewEntry(log).WithField("component", "gateway")
	if !log.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
	}

	var store core.EphemeralStore = memorystore.NewKV()
	if u := strings.TrimSpace(cfg.RedisURL); u != "" {
		kv, err := redisstore.Open(ctx, u)
		if err != nil {
			return err
		}
		defer kv.Close()
		store = kv
	}
	revocations := core.NewRevocationStore(store, 0)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var (
		auth *authority.Authority
		keys *authority.KeySet
		iss  *authority.Issuer
		err  error
	)
	if cfg.DevMode {
		keys, err = authority.NewKeySet(2048)
		if err != nil {
			return err
		}
		auth, iss, err = authority.Dev(ctx, cfg, keys, devJWKSURL(), revocations)
		if err != nil {
			return err
		}
		sched, err := authority.ScheduleRotation(cfg.KeyRotation, keys, entry)
		if err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
		entry.WithField("issuer", iss.URL).Warn("dev_mode_enabled")
	} else {
		auth, err = authority.FromConfig(ctx, cfg, revocations)
		if err != nil {
			return err
		}
	}

	gw := gateway.New(auth).WithLogger(entry).WithMetrics(gateway.NewMetrics(reg))
	svc := authgin.NewService(gw).
		WithLogger(entry).
		WithCORSOrigin(cfg.CORSOrigin).
		WithMetrics(reg).
		WithRevocations(revocations)
	if cfg.DevMode {
		svc.WithJWKS(keys).WithDevMint(iss, cfg.DevMintSecret)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           svc.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		entry.WithField("addr", cfg.ListenAddr).Info("gateway_listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	entry.Info("gateway_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// devJWKSURL is where dev-mode verification fetches keys: the configured
// override, or this gateway's own JWKS route.
func devJWKSURL() string {
	if u := strings.TrimSpace(cfg.JWKSURL); u != "" {
		return u
	}
	host, port, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return "http://127.0.0.1:4000/.well-known/jwks.json"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/.well-known/jwks.json"
}
