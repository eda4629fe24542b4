package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/stratus/internal/config"
	"github.com/tinytelemetry/stratus/internal/httpserver"
	"github.com/tinytelemetry/stratus/internal/job"
	"github.com/tinytelemetry/stratus/internal/schedule"
)

type e2eStack struct {
	pipeline *pipeline
	sched    *schedule.Scheduler
	api      *httpserver.Server
	apiAddr  string
}

func startE2EStack(t *testing.T) *e2eStack {
	t.Helper()

	opts := config.DefaultOptions()
	// Far enough out that only manual triggers fire during the test.
	opts.Schedule = "0 0 0 1 1 *"
	opts.Regions = []string{"us-east-1", "eu-west-1"}
	opts.Namespaces = []string{"AWS/Lambda"}
	opts.Target = config.TargetOptions{
		Type:      "database",
		TableName: "metrics",
		DBPath:    filepath.Join(t.TempDir(), "stratus-e2e.duckdb"),
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	p, err := buildPipeline(context.Background(), opts, oneMetricFactory{}, logger)
	if err != nil {
		t.Fatalf("buildPipeline: %v", err)
	}

	sched := schedule.New(p.cfg.Schedule, p.job.Run, schedule.WithLogger(logger))
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("scheduler Start: %v", err)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", freeTCPPort(t))
	api := httpserver.NewServer(addr, p.job, sched, p.telemetry.Registry())
	if err := api.Start(); err != nil {
		t.Fatalf("http Start: %v", err)
	}

	stack := &e2eStack{pipeline: p, sched: sched, api: api, apiAddr: addr}

	waitEventually(t, 3*time.Second, 20*time.Millisecond, func() bool {
		resp, err := http.Get("http://" + addr + "/api/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, "api health endpoint did not become ready")

	t.Cleanup(func() {
		_ = stack.api.Stop()
		stack.sched.Stop()
		_ = stack.pipeline.Close()
	})
	return stack
}

func waitEventually(t *testing.T, timeout, interval time.Duration, condition func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("eventually timeout: %s", msg)
		}
		time.Sleep(interval)
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve tcp port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func fetchStatus(t *testing.T, addr string) job.Status {
	t.Helper()
	resp, err := http.Get("http://" + addr + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Runs job.Status `json:"runs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return body.Runs
}

func TestE2E_ManualScrapeLandsInDatabase(t *testing.T) {
	stack := startE2EStack(t)

	resp, err := http.Post("http://"+stack.apiAddr+"/api/scrape", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/scrape: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("scrape status = %d, want 202", resp.StatusCode)
	}

	waitEventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		st := fetchStatus(t, stack.apiAddr)
		return st.Runs == 1 && st.Running == 0
	}, "manual run did not finish")

	n, err := stack.pipeline.store.CountMetrics(context.Background(), "metrics")
	if err != nil {
		t.Fatalf("CountMetrics: %v", err)
	}
	if n != 2 {
		t.Fatalf("stored rows = %d, want 2 (one per region)", n)
	}

	st := fetchStatus(t, stack.apiAddr)
	if st.Failures != 0 || st.LastRecords != 2 {
		t.Errorf("status = %+v, want no failures and 2 records", st)
	}
}

func TestE2E_MetricsEndpointReflectsRuns(t *testing.T) {
	stack := startE2EStack(t)

	for i := 0; i < 2; i++ {
		if !stack.sched.Trigger() {
			t.Fatal("Trigger returned false on a running scheduler")
		}
	}
	waitEventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		st := fetchStatus(t, stack.apiAddr)
		return st.Runs == 2 && st.Running == 0
	}, "triggered runs did not finish")

	resp, err := http.Get("http://" + stack.apiAddr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read /metrics: %v", err)
	}
	if !strings.Contains(string(body), `stratus_scrape_runs_total{outcome="success"} 2`) {
		t.Errorf("metrics output missing two successful runs:\n%s", body)
	}
}
