package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/skyvoice-ai/skyvoice/pkg/gateway/config"
	gatewayserver "github.com/skyvoice-ai/skyvoice/pkg/gateway/server"
	"github.com/skyvoice-ai/skyvoice/pkg/store"
)

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, gatewayDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		newGateway: func(cfg config.Config, st *store.Store, logger *slog.Logger) *gatewayserver.Server {
			t.Fatalf("newGateway should not be called when config load fails")
			return nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); got == "" {
		t.Fatalf("expected stderr output for startup error")
	}
}

func TestRunGateway_SkipsStoreWithoutDatabaseURL(t *testing.T) {
	t.Parallel()

	deps := defaultGatewayDeps()
	deps.loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("stop before serving")
	}
	deps.openStore = func(ctx context.Context, databaseURL string, logger *slog.Logger) (*store.Store, error) {
		t.Fatal("openStore should not be called without a database URL")
		return nil, nil
	}

	if err := runGateway(context.Background(), nil, deps); err == nil {
		t.Fatal("expected config load error")
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       3 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
	if srv.ReadTimeout != cfg.ReadTimeout {
		t.Fatalf("ReadTimeout=%v, want %v", srv.ReadTimeout, cfg.ReadTimeout)
	}
}

func TestRunGateway_MissingDependencies(t *testing.T) {
	t.Parallel()

	if err := runGateway(context.Background(), nil, gatewayDeps{}); err == nil {
		t.Fatal("expected error for empty deps")
	}
}
