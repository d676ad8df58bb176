package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/dormant/internal/daemon"
	"github.com/yairfalse/dormant/reconciler"
	"github.com/yairfalse/dormant/types"
)

func writeConfig(t *testing.T, driver string) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`
storage:
  driver: %s
  path: %s
wal:
  dir: %s
reconciler:
  timezone: UTC
log:
  level: error
`, driver, filepath.Join(dir, "dormant.db"), filepath.Join(dir, "wal"))
	path := filepath.Join(dir, "dormant.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestTargetFlags(t *testing.T) {
	tests := []struct {
		name    string
		flags   targetFlags
		want    types.Target
		wantErr string
	}{
		{
			name:  "aws inferred",
			flags: targetFlags{instances: []string{"i-1", " i-2 "}},
			want:  types.AWSTarget{InstanceIDs: []string{"i-1", "i-2"}},
		},
		{
			name:  "azure inferred",
			flags: targetFlags{azureVMs: []string{"vm-1@sub-1"}},
			want:  types.AzureTarget{Instances: []types.AzureRef{{VMID: "vm-1", SubscriptionID: "sub-1"}}},
		},
		{
			name:  "both inferred",
			flags: targetFlags{instances: []string{"i-1"}, azureVMs: []string{"vm-1@sub-1"}},
			want: types.BothTarget{
				AWS:   types.AWSTarget{InstanceIDs: []string{"i-1"}},
				Azure: types.AzureTarget{Instances: []types.AzureRef{{VMID: "vm-1", SubscriptionID: "sub-1"}}},
			},
		},
		{
			name:  "explicit both with empty leg",
			flags: targetFlags{provider: "both", instances: []string{"i-1"}},
			want:  types.BothTarget{AWS: types.AWSTarget{InstanceIDs: []string{"i-1"}}},
		},
		{
			name:    "nothing given",
			flags:   targetFlags{},
			wantErr: "is required",
		},
		{
			name:    "bad azure ref",
			flags:   targetFlags{azureVMs: []string{"vm-1"}},
			wantErr: "vmId@subscriptionId",
		},
		{
			name:    "aws with azure vms",
			flags:   targetFlags{provider: "aws", azureVMs: []string{"vm-1@sub-1"}},
			wantErr: "cannot be used",
		},
		{
			name:    "unknown provider",
			flags:   targetFlags{provider: "gcp", instances: []string{"i-1"}},
			wantErr: "unknown provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.flags.target()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGroupAndDowntimeCommands(t *testing.T) {
	for _, driver := range []string{"bolt", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			cfg := writeConfig(t, driver)
			account := "--aws-account=111111111111"

			out, err := execute(t, "group", "create", "web", "--config", cfg, account, "--instances", "i-1,i-2")
			require.NoError(t, err)
			assert.Contains(t, out, "created group web")

			_, err = execute(t, "group", "create", "web", "--config", cfg, account, "--instances", "i-3")
			require.Error(t, err, "group names are unique")

			out, err = execute(t, "downtime", "set", "web", "22:00", "06:00", "--config", cfg, account)
			require.NoError(t, err)
			assert.Contains(t, out, "downtime of web set")

			_, err = execute(t, "downtime", "set", "web", "soon", "later", "--config", cfg, account)
			require.Error(t, err)

			out, err = execute(t, "downtime", "get", "web", "--config", cfg)
			require.NoError(t, err)
			assert.Equal(t, "22:00 06:00\n", out)

			out, err = execute(t, "downtime", "list", "--config", cfg)
			require.NoError(t, err)
			assert.Contains(t, out, "web")

			out, err = execute(t, "group", "show", "web", "--config", cfg)
			require.NoError(t, err)
			assert.Contains(t, out, "i-1")
			assert.Contains(t, out, "111111111111")

			out, err = execute(t, "group", "list", "--config", cfg, account)
			require.NoError(t, err)
			assert.Contains(t, out, "web")

			out, err = execute(t, "audit", "--type", "membership", "--config", cfg)
			require.NoError(t, err)
			assert.Contains(t, out, "membership")
			assert.Contains(t, out, "user:aws:111111111111")

			out, err = execute(t, "group", "remove", "--config", cfg, account, "--instances", "i-1,i-2")
			require.NoError(t, err)
			assert.Contains(t, out, "removed")

			out, err = execute(t, "downtime", "get", "web", "--config", cfg)
			require.NoError(t, err)
			assert.Equal(t, "N/A N/A\n", out, "emptied group loses its window")
		})
	}
}

func TestGroupCommandRequiresAccount(t *testing.T) {
	cfg := writeConfig(t, "bolt")
	_, err := execute(t, "group", "create", "web", "--config", cfg, "--instances", "i-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--aws-account")
}

func TestInstanceTerminateRequiresConfirmation(t *testing.T) {
	cfg := writeConfig(t, "bolt")
	_, err := execute(t, "instance", "terminate", "--config", cfg, "--aws-account=1", "--instances", "i-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")
}

func TestReconcileCommand_NoWindows(t *testing.T) {
	cfg := writeConfig(t, "bolt")
	out, err := execute(t, "reconcile", "--config", cfg, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "0 groups")
}

func TestAuditStats(t *testing.T) {
	cfg := writeConfig(t, "bolt")
	_, err := execute(t, "group", "create", "web", "--config", cfg, "--aws-account=1", "--instances", "i-1")
	require.NoError(t, err)

	out, err := execute(t, "audit", "--stats", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "files:     1")
	assert.Contains(t, out, "membership:")
}

func TestPrintTick(t *testing.T) {
	var buf bytes.Buffer
	printTick(&buf, reconciler.TickResult{
		Tick:     3,
		Duration: time.Second,
		Groups: []reconciler.GroupResult{
			{
				Group:  "web",
				Window: "daily 22:00:00-06:00:00",
				Phase:  reconciler.PhaseInside,
				Decisions: []types.Decision{{
					Action:      types.ActionStop,
					Provider:    types.ProviderAWS,
					InstanceIDs: []string{"i-1", "i-2"},
					Status:      types.StatusIssued,
				}},
			},
			{Group: "broken", Skipped: true},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "tick 3: 2 groups")
	assert.Contains(t, out, "stop aws:2(issued)")
	assert.Contains(t, out, "skipped")
}

func TestFetchStatus(t *testing.T) {
	occurrence := time.Date(2026, 4, 10, 22, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		_ = json.NewEncoder(w).Encode(daemon.StatusReport{
			Groups: []reconciler.GroupStatus{{Group: "web", Transition: types.TransitionStopped, Occurrence: occurrence}},
		})
	}))
	defer srv.Close()

	report, err := fetchStatus(t.Context(), strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	require.Len(t, report.Groups, 1)
	assert.Equal(t, types.TransitionStopped, report.Groups[0].Transition)

	var buf bytes.Buffer
	printStatus(&buf, report.Groups)
	assert.Contains(t, buf.String(), "stopped")
}

func TestDaemonCommand_Once(t *testing.T) {
	cfg := writeConfig(t, "bolt")
	_, err := execute(t, "group", "create", "web", "--config", cfg, "--aws-account=1", "--instances", "i-1")
	require.NoError(t, err)
	_, err = execute(t, "downtime", "set", "web", "2020-01-01T00:00:00Z", "2020-01-02T00:00:00Z", "--config", cfg, "--aws-account=1")
	require.NoError(t, err)

	// No aws provider is configured, so the group fails without stopping the loop
	_, err = execute(t, "daemon", "--once", "--dry-run", "--config", cfg)
	require.NoError(t, err)

	out, err := execute(t, "audit", "--type", "tick", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "tick")

	_, err = execute(t, "daemon", "--once", "--interval", "never", "--config", cfg)
	assert.Error(t, err)
}
