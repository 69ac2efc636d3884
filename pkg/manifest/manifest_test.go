package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/goforward/pkg/jobspec"
)

// validManifestYAML returns a small but complete manifest in YAML format.
func validManifestYAML() string {
	return `version: "1.0"
name: norne
realizations: 3
run_path: /scratch/norne/realization-<IENS>/iter-0
license_root: /project/licenses
defines:
  ECLBASE: NORNE_ATW2013
jobs:
  COPY_FILE:
    executable: /bin/cp
    args: ["<SRC_FILE>", "<TARGET_FILE>"]
    defaults:
      SRC_FILE: default.txt
  ECLIPSE100:
    executable: /prog/ecl/bin/eclipse
    args: ["<ECLBASE>", "--threads", "<NCPU>"]
    defaults: {NCPU: "1"}
    target_file: <ECLBASE>.UNSMRY
    env:
      ECL_REALIZATION: "<IENS>"
    max_running: 10
    max_running_minutes: 120
forward_model:
  - job: COPY_FILE
    name: COPY_INPUT
    args: {SRC_FILE: /project/input/<IENS>.data, TARGET_FILE: <RUNPATH>/input.data}
  - job: ECLIPSE100
    args: {NCPU: "4"}
`
}

// validManifestJSON returns a minimal valid manifest in JSON format.
func validManifestJSON() string {
	return `{
  "version": "1.0",
  "name": "mini",
  "realizations": [4, 9],
  "run_path": "runs/r<IENS>",
  "jobs": {"TRUE": {"executable": "/bin/true"}},
  "forward_model": [{"job": "TRUE"}],
  "queue": {"max_running": 2, "max_submit": 3, "max_duration": "90m"}
}`
}

func TestLoadFromBytes(t *testing.T) {
	t.Run("YAML", func(t *testing.T) {
		m, err := LoadFromBytes([]byte(validManifestYAML()), "ensemble.yaml")
		require.NoError(t, err)
		assert.Equal(t, "norne", m.Name)
		assert.Equal(t, []int{0, 1, 2}, m.Realizations.List())
		assert.Len(t, m.ForwardModel, 2)
		assert.Equal(t, "COPY_INPUT", m.ForwardModel[0].JobName())
		assert.Equal(t, "ECLIPSE100", m.ForwardModel[1].JobName())
	})

	t.Run("JSON", func(t *testing.T) {
		m, err := LoadFromBytes([]byte(validManifestJSON()), "ensemble.json")
		require.NoError(t, err)
		assert.Equal(t, []int{4, 9}, m.Realizations.List())
		require.NotNil(t, m.Queue.MaxRunning)
		assert.Equal(t, 2, *m.Queue.MaxRunning)
		d, err := m.Queue.MaxDurationValue()
		require.NoError(t, err)
		assert.Equal(t, "1h30m0s", d.String())
	})

	t.Run("unknown extension falls back", func(t *testing.T) {
		_, err := LoadFromBytes([]byte(validManifestJSON()), "ensemble.conf")
		require.NoError(t, err)
	})
}

func TestLoadFromBytesErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		path    string
		wantErr string
	}{
		{"empty", "", "m.yaml", "manifest file is empty"},
		{"bad yaml", "version: [", "m.yaml", "invalid YAML"},
		{"bad json", "{", "m.json", "invalid JSON"},
		{"unknown field", strings.Replace(validManifestYAML(), "name: norne", "name: norne\nbogus: 1", 1), "m.yaml", ""},
		{"missing IENS", strings.Replace(validManifestYAML(), "realization-<IENS>", "realization", 1), "m.yaml", ""},
		{"unknown job", strings.Replace(validManifestYAML(), "- job: ECLIPSE100", "- job: RMS", 1), "m.yaml", ""},
		{"duplicate step names", strings.Replace(validManifestYAML(), "    name: COPY_INPUT\n", "    name: ECLIPSE100\n", 1), "m.yaml", "already used"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.data), tt.path)
			require.Error(t, err)
			if tt.wantErr != "" {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidateLicenseRoot(t *testing.T) {
	data := strings.Replace(validManifestYAML(), "license_root: /project/licenses\n", "", 1)
	_, err := LoadFromBytes([]byte(data), "m.yaml")
	require.Error(t, err)
	assert.ErrorIs(t, err, jobspec.ErrValidationFailed)
	assert.Contains(t, err.Error(), "max_running requires license_path")
}

func TestChains(t *testing.T) {
	m, err := LoadFromBytes([]byte(validManifestYAML()), "ensemble.yaml")
	require.NoError(t, err)

	chains, err := m.Chains()
	require.NoError(t, err)
	require.Len(t, chains, 3)

	c := chains[1]
	assert.Equal(t, "norne", c.Name)
	assert.Equal(t, 1, c.IENS)
	assert.Equal(t, "/scratch/norne/realization-1/iter-0", c.RunDir)
	require.Len(t, c.Jobs, 2)

	cp := c.Jobs[0]
	assert.Equal(t, "COPY_INPUT", cp.Name)
	assert.Equal(t, []string{"/project/input/1.data", "/scratch/norne/realization-1/iter-0/input.data"}, cp.Args)

	ecl := c.Jobs[1]
	assert.Equal(t, "ECLIPSE100", ecl.Name)
	assert.Equal(t, []string{"NORNE_ATW2013", "--threads", "4"}, ecl.Args)
	assert.Equal(t, "NORNE_ATW2013.UNSMRY", ecl.TargetFile)
	assert.Equal(t, "1", ecl.Env["ECL_REALIZATION"])
	assert.Equal(t, "/project/licenses", ecl.LicensePath)
	assert.Equal(t, 10, ecl.MaxRunning)
	assert.True(t, ecl.Licensed())

	// templates are shared; substitution must not leak between realizations
	assert.Equal(t, "0", chains[0].Jobs[1].Env["ECL_REALIZATION"])
	assert.Equal(t, "<ECLBASE>", m.Jobs["ECLIPSE100"].Args[0])
}

func TestChain_RejectsUnknownRealization(t *testing.T) {
	m, err := LoadFromBytes([]byte(validManifestJSON()), "ensemble.json")
	require.NoError(t, err)

	for _, iens := range []int{-1, 0, 5, 10} {
		_, err := m.Chain(iens)
		assert.Error(t, err, "iens %d", iens)
	}

	m, err = LoadFromBytes([]byte(validManifestYAML()), "ensemble.yaml")
	require.NoError(t, err)
	_, err = m.Chain(3)
	assert.Error(t, err)
	_, err = m.Chain(2)
	assert.NoError(t, err)
}

func TestChain_DefaultsHoldGlobalTokens(t *testing.T) {
	doc := `version: "1.0"
name: tokens
realizations: 2
run_path: /scratch/tokens/r<IENS>
defines:
  CASE: BASE
jobs:
  COPY:
    executable: /bin/cp
    args: ["<SRC>", "<DST>"]
    defaults:
      SRC: /input/<CASE>-<IENS>.data
      DST: <RUNPATH>/<NAME>.data
forward_model:
  - job: COPY
  - job: COPY
    name: COPY_OVERRIDE
    args: {DST: <RUNPATH>/override-<IENS>.data}
`
	m, err := LoadFromBytes([]byte(doc), "tokens.yaml")
	require.NoError(t, err)

	c, err := m.Chain(1)
	require.NoError(t, err)
	require.Len(t, c.Jobs, 2)
	assert.Equal(t, []string{"/input/BASE-1.data", "/scratch/tokens/r1/tokens.data"}, c.Jobs[0].Args)
	assert.Equal(t, []string{"/input/BASE-1.data", "/scratch/tokens/r1/override-1.data"}, c.Jobs[1].Args)
	assert.Equal(t, "/input/<CASE>-<IENS>.data", m.Jobs["COPY"].Defaults["SRC"])
}

func TestLoadResolvesRelativeRunPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ensemble.json")
	require.NoError(t, os.WriteFile(path, []byte(validManifestJSON()), 0644))

	m, err := Load(path)
	require.NoError(t, err)

	c, err := m.Chain(9)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "runs", "r9"), c.RunDir)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifest file not found")
}

func TestLoadFromReader(t *testing.T) {
	m, err := LoadFromReader(strings.NewReader(validManifestYAML()), "")
	require.NoError(t, err)
	assert.Equal(t, "norne", m.Name)
}
