package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/stellarlinkco/salesboard/internal/config"
	"github.com/stellarlinkco/salesboard/internal/ledger"
	"github.com/stellarlinkco/salesboard/internal/mirror"
	"github.com/stellarlinkco/salesboard/internal/storage"
)

var envKeys = []string{
	"SALESBOARD_DISCORD_TOKEN", "DISCORD_TOKEN", "SALES_CHANNEL_ID", "REPORTS_CHANNEL_ID",
	"BACKUP_CHANNEL_ID", "DATA_DIR", "SALESBOARD_TIMEZONE", "LARGE_SALE_THRESHOLD",
	"GITHUB_TOKEN", "GITHUB_REPO", "GITHUB_BRANCH", "GIT_HOST", "PORT", "OTEL_EXPORTER_OTLP_ENDPOINT",
}

// isolate points the config dir at a temp location and clears env overrides.
func isolate(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("SALESBOARD_HOME", tmpDir)
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
	return tmpDir
}

func testCmd() (*cobra.Command, *bytes.Buffer) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	return cmd, &buf
}

func TestInit(t *testing.T) {
	want := map[string]bool{"run": false, "onboard": false, "status": false, "parse": false, "leaderboard": false, "sync": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %s not registered", name)
		}
	}
	if leaderboardCmd.Flags().Lookup("count") == nil {
		t.Error("count flag should exist")
	}
}

func TestRunParse(t *testing.T) {
	cmd, buf := testCmd()
	if err := runParse(cmd, strings.Fields("His: $4,000 NLG IUL Hers: $2,400 NLG IUL")); err != nil {
		t.Fatalf("runParse error: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"1. $4,000.00", "2. $2,400.00", "Total: $6,400.00"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "His") || strings.Contains(out, "Hers") {
		t.Errorf("role labels should be stripped:\n%s", out)
	}
}

func TestRunParse_NoSales(t *testing.T) {
	cmd, buf := testCmd()
	if err := runParse(cmd, []string{"great", "job"}); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "No sales found." {
		t.Errorf("output = %q", buf.String())
	}
}

func TestRunOnboard(t *testing.T) {
	tmpDir := isolate(t)
	cmd, buf := testCmd()

	if err := runOnboard(cmd, nil); err != nil {
		t.Fatalf("runOnboard error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, "config.json")); err != nil {
		t.Error("config file was not created")
	}
	if _, err := os.Stat(filepath.Join(tmpDir, "data")); err != nil {
		t.Error("data dir was not created")
	}
	if !strings.Contains(buf.String(), "Created config") {
		t.Errorf("unexpected output: %s", buf.String())
	}

	cmd, buf = testCmd()
	if err := runOnboard(cmd, nil); err != nil {
		t.Fatalf("second runOnboard error: %v", err)
	}
	if !strings.Contains(buf.String(), "Config already exists") {
		t.Errorf("expected 'Config already exists', got: %s", buf.String())
	}
}

func writeSales(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	loc, _ := time.LoadLocation(cfg.Schedule.Timezone)
	agg := ledger.New(nil, storage.NewFileStore(cfg.DataPath()), ledger.WithLocation(loc))
	if err := agg.AddSale("u1", "Dana", decimal.NewFromInt(1200), "Iul"); err != nil {
		t.Fatal(err)
	}
	if err := agg.AddSale("u2", "Eli", decimal.NewFromInt(300), "Term"); err != nil {
		t.Fatal(err)
	}
	if err := agg.AddSale("u2", "Eli", decimal.NewFromInt(300), "Term"); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestRunStatus(t *testing.T) {
	isolate(t)
	t.Setenv("DISCORD_TOKEN", "abcdefghijklmnop")
	t.Setenv("SALES_CHANNEL_ID", "111")

	cmd, buf := testCmd()
	if err := runStatus(cmd, nil); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "Discord token: abcd...mnop") {
		t.Errorf("token should be masked:\n%s", out)
	}
	if strings.Contains(out, "abcdefghijklmnop") {
		t.Error("raw token printed")
	}
	if !strings.Contains(out, "Sales channel: 111") || !strings.Contains(out, "Reports channel: not set") {
		t.Errorf("channels:\n%s", out)
	}
	if !strings.Contains(out, "not created yet") || !strings.Contains(out, "Mirror: not configured") {
		t.Errorf("output:\n%s", out)
	}

	writeSales(t)
	cmd, buf = testCmd()
	if err := runStatus(cmd, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "All-time: 2 agents, $1,800.00 AP, 3 policies") {
		t.Errorf("data summary:\n%s", buf.String())
	}
}

func TestRunLeaderboard(t *testing.T) {
	isolate(t)
	writeSales(t)
	defer func() { byCountFlag = false }()

	cmd, buf := testCmd()
	if err := runLeaderboard(cmd, []string{"alltime"}); err != nil {
		t.Fatalf("runLeaderboard error: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "All-Time AP Leaderboard") {
		t.Errorf("title missing:\n%s", out)
	}
	if strings.Index(out, "Dana") > strings.Index(out, "Eli") {
		t.Errorf("Dana should rank first by AP:\n%s", out)
	}

	byCountFlag = true
	cmd, buf = testCmd()
	if err := runLeaderboard(cmd, []string{"total"}); err != nil {
		t.Fatal(err)
	}
	out = buf.String()
	if strings.Index(out, "Eli") > strings.Index(out, "Dana") {
		t.Errorf("Eli should rank first by count:\n%s", out)
	}
}

func TestRunLeaderboard_DoesNotWrite(t *testing.T) {
	isolate(t)
	cfg := writeSales(t)
	before, err := os.ReadFile(cfg.DataPath())
	if err != nil {
		t.Fatal(err)
	}

	cmd, _ := testCmd()
	if err := runLeaderboard(cmd, nil); err != nil {
		t.Fatal(err)
	}
	after, _ := os.ReadFile(cfg.DataPath())
	if !bytes.Equal(before, after) {
		t.Error("leaderboard command must not modify the data file")
	}
}

func TestRunLeaderboard_UnknownPeriod(t *testing.T) {
	isolate(t)
	cmd, _ := testCmd()
	if err := runLeaderboard(cmd, []string{"yearly"}); err == nil {
		t.Error("expected error for unknown period")
	}
}

func TestRunSync_NotConfigured(t *testing.T) {
	isolate(t)
	cmd, _ := testCmd()
	err := runSync(cmd, nil)
	if err == nil || !strings.Contains(err.Error(), "GITHUB_TOKEN") {
		t.Errorf("err = %v", err)
	}
}

func TestRunBot_InvalidConfig(t *testing.T) {
	isolate(t)
	err := runBot(&cobra.Command{}, nil)
	if err == nil || !strings.Contains(err.Error(), "token") {
		t.Errorf("err = %v", err)
	}
}

func TestPrintSteps(t *testing.T) {
	var buf bytes.Buffer
	printSteps(&buf, mirror.Result{
		Steps: []mirror.StepResult{
			{Name: "fetch", OK: true},
			{Name: "merge", Skipped: true},
			{Name: "push", Err: os.ErrDeadlineExceeded},
		},
		Changed: true,
	})
	out := buf.String()
	for _, want := range []string{"fetch", "ok", "skipped", "failed: ", "changed=true pushed=false"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
