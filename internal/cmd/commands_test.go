package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/goforward/internal/config"
	"github.com/3leaps/goforward/pkg/chain"
	"github.com/3leaps/goforward/pkg/jobspec"
	"github.com/3leaps/goforward/pkg/license"
	"github.com/3leaps/goforward/pkg/manifest"
	"github.com/3leaps/goforward/pkg/registry"
)

// writeManifest writes a two-realization manifest whose single job runs
// script with /bin/sh inside the run directory.
func writeManifest(t *testing.T, dir, script string) string {
	t.Helper()
	return writeManifestJob(t, dir, script, "")
}

// writeManifestJob is writeManifest with extra YAML lines appended to the
// SHELL job definition.
func writeManifestJob(t *testing.T, dir, script, extra string) string {
	t.Helper()
	body := fmt.Sprintf(`version: "1.0"
name: smoke
realizations: 2
run_path: %s/runs/realization-<IENS>
jobs:
  SHELL:
    executable: /bin/sh
    args: ["-c", %q]
%sforward_model:
  - job: SHELL
`, dir, script, extra)
	path := filepath.Join(dir, "smoke.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestPrepareCommand(t *testing.T) {
	dir := isolateCLI(t)
	path := writeManifest(t, dir, "true")

	out, err := executeCommand(t, "prepare", path)
	require.NoError(t, err)

	for _, iens := range []int{0, 1} {
		runDir := filepath.Join(dir, "runs", fmt.Sprintf("realization-%d", iens))
		assert.Contains(t, out, runDir)
		c, err := jobspec.Load(runDir)
		require.NoError(t, err)
		assert.Equal(t, iens, c.IENS)
		assert.Equal(t, "smoke", c.Name)
	}

	out, err = executeCommand(t, "prepare", path, "--realization", "1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "runs", "realization-1")+"\n", out)

	_, err = executeCommand(t, "prepare", path, "--realization", "7")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, exitCode(t, err))
}

func TestValidateCommand(t *testing.T) {
	dir := isolateCLI(t)
	path := writeManifest(t, dir, "true")

	out, err := executeCommand(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "valid manifest (2 realizations)")

	_, err = executeCommand(t, "prepare", path, "--realization", "0")
	require.NoError(t, err)
	runDir := filepath.Join(dir, "runs", "realization-0")

	out, err = executeCommand(t, "validate", runDir, "--json")
	require.NoError(t, err)
	var res validateResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Valid)
	assert.Equal(t, "chain", res.Kind)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("version: \"1.0\"\nname: bad\nrealizations: 1\nrun_path: /tmp/no-iens\n"), 0644))
	out, err = executeCommand(t, "validate", bad)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, exitCode(t, err))
	assert.Contains(t, out, "invalid manifest")

	_, err = executeCommand(t, "validate", filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, foundry.ExitFileNotFound, exitCode(t, err))
}

func TestIsChainPath(t *testing.T) {
	dir := t.TempDir()
	chainFile := filepath.Join(dir, "chain.json")
	require.NoError(t, os.WriteFile(chainFile, []byte(`{"run_dir": "/x", "jobs": []}`), 0644))
	manifestFile := filepath.Join(dir, "ensemble.json")
	require.NoError(t, os.WriteFile(manifestFile, []byte(`{"run_path": "/x/<IENS>", "jobs": {}}`), 0644))

	assert.True(t, isChainPath(dir))
	assert.True(t, isChainPath(filepath.Join(dir, jobspec.ChainFileName)))
	assert.True(t, isChainPath(chainFile))
	assert.False(t, isChainPath(manifestFile))
}

func TestRunCommandHelpNamesChainFile(t *testing.T) {
	assert.Contains(t, runCmd.Long, "<run_dir>/"+jobspec.ChainFileName)
}

func TestRunAndStatusCommands(t *testing.T) {
	dir := isolateCLI(t)
	t.Setenv("GOFORWARD_RUNNER_OK_SETTLE", "1ms")

	t.Run("success", func(t *testing.T) {
		path := writeManifest(t, dir, "touch produced.txt")
		_, err := executeCommand(t, "prepare", path, "--realization", "0")
		require.NoError(t, err)
		runDir := filepath.Join(dir, "runs", "realization-0")

		_, err = executeCommand(t, "run", runDir)
		require.NoError(t, err)
		assert.FileExists(t, filepath.Join(runDir, "produced.txt"))
		assert.FileExists(t, filepath.Join(runDir, chain.OKFile))

		out, err := executeCommand(t, "status", runDir)
		require.NoError(t, err)
		assert.Contains(t, out, "outcome=succeeded")
		assert.Contains(t, out, "start SHELL")
	})

	t.Run("failure", func(t *testing.T) {
		path := writeManifestJob(t, dir, "exit 3", "    target_file: never.txt\n")
		_, err := executeCommand(t, "prepare", path, "--realization", "1")
		require.NoError(t, err)
		runDir := filepath.Join(dir, "runs", "realization-1")

		_, err = executeCommand(t, "run", runDir)
		require.Error(t, err)
		assert.Equal(t, 3, exitCode(t, err))
		assert.FileExists(t, filepath.Join(runDir, chain.ExitFile))
		assert.NoFileExists(t, filepath.Join(runDir, chain.OKFile))

		out, err := executeCommand(t, "status", runDir, "--json")
		require.NoError(t, err)
		var rep statusReport
		require.NoError(t, json.Unmarshal([]byte(out), &rep))
		assert.Equal(t, "failed", rep.Outcome)
		require.NotNil(t, rep.Exit)
		assert.Equal(t, "SHELL", rep.Exit.Job)
	})

	t.Run("error file fails a clean exit", func(t *testing.T) {
		sub := filepath.Join(dir, "errfile")
		require.NoError(t, os.MkdirAll(sub, 0755))
		path := writeManifestJob(t, sub, "echo boom > failed.txt", "    error_file: failed.txt\n")
		_, err := executeCommand(t, "prepare", path, "--realization", "0")
		require.NoError(t, err)
		runDir := filepath.Join(sub, "runs", "realization-0")

		_, err = executeCommand(t, "run", runDir)
		require.Error(t, err)
		assert.Equal(t, 1, exitCode(t, err))
		exit, err := chain.ReadExit(runDir)
		require.NoError(t, err)
		assert.Equal(t, "SHELL", exit.Job)
	})

	t.Run("exit status alone does not fail", func(t *testing.T) {
		sub := filepath.Join(dir, "lenient")
		require.NoError(t, os.MkdirAll(sub, 0755))
		path := writeManifest(t, sub, "exit 3")
		_, err := executeCommand(t, "prepare", path, "--realization", "0")
		require.NoError(t, err)
		runDir := filepath.Join(sub, "runs", "realization-0")

		_, err = executeCommand(t, "run", runDir)
		require.NoError(t, err)
		assert.FileExists(t, filepath.Join(runDir, chain.OKFile))
		assert.NoFileExists(t, filepath.Join(runDir, chain.ExitFile))
	})

	t.Run("missing run directory", func(t *testing.T) {
		runDir := filepath.Join(dir, "runs", "gone")
		_, err := executeCommand(t, "run", runDir)
		require.Error(t, err)
		assert.Equal(t, chain.ExitRunDirMissing, exitCode(t, err))
		assert.FileExists(t, filepath.Join(runDir, chain.ExitFile))
	})

	t.Run("status of unknown directory", func(t *testing.T) {
		_, err := executeCommand(t, "status", filepath.Join(dir, "nowhere"))
		require.Error(t, err)
		assert.Equal(t, foundry.ExitFileNotFound, exitCode(t, err))
	})
}

func TestStatusCommand_Remote(t *testing.T) {
	dir := isolateCLI(t)
	mirror := filepath.Join(dir, "mirror")
	key := filepath.Join(mirror, "smoke", "4")
	require.NoError(t, os.MkdirAll(key, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(key, chain.StatusFile), []byte("host=n1 pid=1\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(key, chain.OKFile), []byte("time=now\n"), 0644))

	out, err := executeCommand(t, "status", "--remote", "file://"+mirror, "--chain", "smoke", "--iens", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "outcome=succeeded")
	assert.Contains(t, out, "host=n1 pid=1")

	_, err = executeCommand(t, "status", "--remote", "file://"+mirror, "--chain", "smoke", "--iens", "5")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitFileNotFound, exitCode(t, err))

	_, err = executeCommand(t, "status", "--remote", "file://"+mirror)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, exitCode(t, err))
}

func TestLicenseCommands(t *testing.T) {
	dir := isolateCLI(t)
	root := filepath.Join(dir, "licenses")

	gate := license.NewFileGate(nil)
	for i := 0; i < 2; i++ {
		_, err := gate.Acquire(context.Background(), "ECLIPSE100", root, 5)
		require.NoError(t, err)
	}
	_, err := gate.Acquire(context.Background(), "RMS", root, 5)
	require.NoError(t, err)

	out, err := executeCommand(t, "license", "list", "--root", root, "--json")
	require.NoError(t, err)
	var entries []licenseEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 2)
	byJob := map[string]int{}
	for _, e := range entries {
		byJob[e.Job] = e.Holders
	}
	assert.Equal(t, map[string]int{"ECLIPSE100": 2, "RMS": 1}, byJob)

	out, err = executeCommand(t, "license", "clean", "--root", root, "--job", "ECL*", "--older-than", "0", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "would_remove=2")
	n, err := license.Running(root, "ECLIPSE100")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	out, err = executeCommand(t, "license", "clean", "--root", root, "--job", "ECL*", "--older-than", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "removed=2")
	n, err = license.Running(root, "ECLIPSE100")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = license.Running(root, "RMS")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = executeCommand(t, "license", "list")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, exitCode(t, err))

	_, err = executeCommand(t, "license", "list", "--root", root, "--job", "[")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, exitCode(t, err))
}

func TestJobsCommands(t *testing.T) {
	dir := isolateCLI(t)
	store := registry.NewStore(filepath.Join(dir, "jobs"))

	old := time.Now().Add(-30 * 24 * time.Hour).UTC()
	recent := time.Now().Add(-time.Hour).UTC()
	zero := 0
	require.NoError(t, store.Write(&registry.Record{
		ID: "aaaaaaaa-0000-0000-0000-000000000001", Chain: "smoke", IENS: 0,
		RunDir: "/runs/0", State: registry.StateSuccess, ExitCode: &zero,
		CreatedAt: old, StartedAt: &old, EndedAt: &old,
	}))
	require.NoError(t, store.Write(&registry.Record{
		ID: "bbbbbbbb-0000-0000-0000-000000000002", Chain: "smoke", IENS: 1,
		RunDir: "/runs/1", State: registry.StateFailed, ExitCode: &zero,
		CreatedAt: recent, StartedAt: &recent, EndedAt: &recent,
	}))

	out, err := executeCommand(t, "jobs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "aaaaaaaa-000")
	assert.Contains(t, out, "bbbbbbbb-000")

	out, err = executeCommand(t, "jobs", "list", "--state", "failed", "--json")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"iens":1`)

	out, err = executeCommand(t, "jobs", "list", "--match", "/runs/0", "--json")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(strings.TrimSpace(out), "\n")+1)
	assert.Contains(t, out, `"run_dir":"/runs/0"`)

	_, err = executeCommand(t, "jobs", "list", "--match", "[")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, exitCode(t, err))

	out, err = executeCommand(t, "jobs", "status", "aaaaaaaa-0000-0000-0000-000000000001")
	require.NoError(t, err)
	assert.Contains(t, out, "state=success")
	assert.Contains(t, out, "run_dir=/runs/0")

	out, err = executeCommand(t, "jobs", "gc", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "would_delete=1")

	out, err = executeCommand(t, "jobs", "gc")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted=1")

	records, err := store.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].IENS)

	_, err = executeCommand(t, "jobs", "stop", "bbbbbbbb-0000-0000-0000-000000000002")
	assert.Error(t, err, "finished executions cannot be stopped")
}

func TestTailLines(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want []string
	}{
		{name: "zero", in: "a\nb\nc\n", n: 0, want: nil},
		{name: "last two", in: "a\nb\nc\n", n: 2, want: []string{"b", "c"}},
		{name: "more than available", in: "a\n", n: 5, want: []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tailLines(strings.NewReader(tt.in), tt.n)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveQueueSettings(t *testing.T) {
	cfg := &config.Config{}
	cfg.Driver.Type = config.DriverLocal
	cfg.Queue.MaxRunning = 4
	cfg.Queue.MaxSubmit = 2

	two, three := 2, 3
	m := &manifest.Manifest{}
	m.Queue.MaxRunning = &two
	m.Queue.MaxSubmit = &three
	m.Queue.MaxDuration = "90m"

	t.Run("manifest over config", func(t *testing.T) {
		resetFlags(queueRunCmd)
		s, err := resolveQueueSettings(queueRunCmd, cfg, m)
		require.NoError(t, err)
		assert.Equal(t, queueSettings{driver: "local", maxRunning: 2, maxSubmit: 3, maxDuration: 90 * time.Minute}, s)
	})

	t.Run("flags over manifest", func(t *testing.T) {
		resetFlags(queueRunCmd)
		require.NoError(t, queueRunCmd.Flags().Set("driver", "LSF"))
		require.NoError(t, queueRunCmd.Flags().Set("max-running", "0"))
		require.NoError(t, queueRunCmd.Flags().Set("max-submit", "5"))
		s, err := resolveQueueSettings(queueRunCmd, cfg, m)
		require.NoError(t, err)
		assert.Equal(t, "lsf", s.driver)
		assert.Equal(t, 0, s.maxRunning)
		assert.Equal(t, 5, s.maxSubmit)
	})

	t.Run("unknown driver", func(t *testing.T) {
		resetFlags(queueRunCmd)
		require.NoError(t, queueRunCmd.Flags().Set("driver", "slurm"))
		_, err := resolveQueueSettings(queueRunCmd, cfg, m)
		assert.Error(t, err)
	})
	resetFlags(queueRunCmd)
}

func TestOpenEventWriter(t *testing.T) {
	w, closeFn, err := openEventWriter("", "run-1", "local")
	require.NoError(t, err)
	assert.Nil(t, w)
	closeFn()

	path := filepath.Join(t.TempDir(), "events.jsonl")
	w, closeFn, err = openEventWriter(path, "run-1", "local")
	require.NoError(t, err)
	require.NotNil(t, w)
	closeFn()
	assert.FileExists(t, path)

	_, _, err = openEventWriter(filepath.Join(t.TempDir(), "missing", "events.jsonl"), "run-1", "local")
	assert.Error(t, err)
}

// writeQueueConfig points the local driver at a shell one-liner that stands
// in for `goforward run`; the run directory is passed as $0.
func writeQueueConfig(t *testing.T, dir, script string) {
	t.Helper()
	body := fmt.Sprintf(`queue:
  poll_interval: 20ms
  max_ok_wait: 5s
  kill_wait: 1s
driver:
  type: local
  local:
    command: ["/bin/sh", "-c", %q]
    kill_grace: 1s
`, script)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "goforward.yaml"), []byte(body), 0644))
}

func TestQueueRunCommand(t *testing.T) {
	t.Run("all realizations succeed", func(t *testing.T) {
		dir := isolateCLI(t)
		writeQueueConfig(t, dir, `touch "$0/OK"`)
		path := writeManifest(t, dir, "true")
		events := filepath.Join(dir, "events.jsonl")

		out, err := executeCommand(t, "queue", "run", path, "--output", events, "--progress-interval", "50ms")
		require.NoError(t, err)
		assert.Contains(t, out, "Complete:   2")
		assert.FileExists(t, events)

		for _, iens := range []int{0, 1} {
			runDir := filepath.Join(dir, "runs", fmt.Sprintf("realization-%d", iens))
			assert.FileExists(t, filepath.Join(runDir, jobspec.ChainFileName))
			assert.FileExists(t, filepath.Join(runDir, chain.OKFile))
		}

		records, err := registry.NewStore(filepath.Join(dir, "jobs")).List()
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})

	t.Run("failed realizations set the exit code", func(t *testing.T) {
		dir := isolateCLI(t)
		writeQueueConfig(t, dir, "exit 3")
		path := writeManifest(t, dir, "true")

		out, err := executeCommand(t, "queue", "run", path, "--max-submit", "1", "--realization", "0")
		require.Error(t, err)
		assert.Equal(t, exitRealizationsFailed, exitCode(t, err))
		assert.Contains(t, out, "Failed:   1")
	})

	t.Run("bad driver flag", func(t *testing.T) {
		dir := isolateCLI(t)
		path := writeManifest(t, dir, "true")
		_, err := executeCommand(t, "queue", "run", path, "--driver", "slurm")
		require.Error(t, err)
		assert.Equal(t, foundry.ExitInvalidArgument, exitCode(t, err))
	})
}
