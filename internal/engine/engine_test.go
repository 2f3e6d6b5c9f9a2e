package engine

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/paragkamble/dnsgen/internal/config"
	"github.com/paragkamble/dnsgen/internal/csvsink"
	"github.com/paragkamble/dnsgen/internal/metrics"
	"github.com/paragkamble/dnsgen/internal/testutil"
)

// TestEngineStaticRateEndToEnd exercises the full data-flow path against
// a real TCP echo server: Poisson ticks emit queries, the echo server
// reflects them, and the run writes a non-empty CSV with at least one Q
// row. It waits out the full 5s start-up grace, so it's skipped under
// -short.
func TestEngineStaticRateEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the mandatory 5s start-up grace")
	}

	srv, err := testutil.ListenTCP()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(srv.Addr())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	cfg := config.NewConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.Transport = config.TransportTCP
	cfg.Flows = 2
	cfg.StaticRate = 50
	cfg.RateMode = config.RateModeStatic
	cfg.Duration = 500 * time.Millisecond
	cfg.NewConnRate = 1000
	cfg.Seed = 1

	outPath := filepath.Join(t.TempDir(), "rtt.csv")
	csv, err := csvsink.Open(outPath)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}

	log := zap.NewNop()
	m := metrics.NewMetrics()
	eng := New(cfg, log, m, csv)

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	if err := eng.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty CSV output")
	}
	if !bytes.Contains(data, []byte("Q,")) {
		t.Fatal("expected at least one Q row")
	}
}
