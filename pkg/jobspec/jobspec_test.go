package jobspec

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChain(runDir string) *Chain {
	return &Chain{
		Version: Version,
		Name:    "norne",
		IENS:    3,
		RunDir:  runDir,
		Jobs: []Job{
			{Name: "MAKE_DIR", Executable: "/bin/mkdir", Args: []string{"-p", "out"}},
			{Name: "ECLIPSE100", Executable: "/opt/ecl/bin/eclipse", TargetFile: "NORNE.UNSMRY", MaxRunningMinutes: 90, LicensePath: "/shared/lic", MaxRunning: 2},
			{Name: "ECL_EXPORT", Executable: "bin/export.sh"},
		},
	}
}

func TestJobHelpers(t *testing.T) {
	runDir := "/scratch/norne/realization-3"
	c := testChain(runDir)

	assert.Equal(t, "norne/3", c.ID())
	assert.Equal(t, filepath.Join(runDir, ChainFileName), c.FilePath())

	ecl, ok := c.Job("ECLIPSE100")
	require.True(t, ok)
	assert.True(t, ecl.Licensed())
	assert.Equal(t, 90*time.Minute, ecl.Timeout())
	assert.Equal(t, filepath.Join(runDir, "ECLIPSE100.stdout"), ecl.StdoutPath(runDir))
	assert.Equal(t, filepath.Join(runDir, "ECLIPSE100.stderr"), ecl.StderrPath(runDir))

	mk := c.Jobs[0]
	assert.False(t, mk.Licensed())
	assert.Zero(t, mk.Timeout())
	assert.Equal(t, "/bin/mkdir", mk.ExecutablePath(runDir))

	assert.Equal(t, filepath.Join(runDir, "bin/export.sh"), c.Jobs[2].ExecutablePath(runDir))
	assert.Equal(t, "sh", Job{Executable: "sh"}.ExecutablePath(runDir))

	_, ok = c.Job("missing")
	assert.False(t, ok)
}

func TestChainValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Chain)
		wantErr string
	}{
		{"valid", func(c *Chain) {}, ""},
		{"relative run dir", func(c *Chain) { c.RunDir = "rel" }, "run_dir must be absolute"},
		{"duplicate names", func(c *Chain) { c.Jobs[2].Name = "MAKE_DIR" }, "duplicate job name"},
		{"missing executable", func(c *Chain) { c.Jobs[0].Executable = "" }, "executable is required"},
		{"license without path", func(c *Chain) { c.Jobs[1].LicensePath = "" }, "license_path is required"},
		{"negative timeout", func(c *Chain) { c.Jobs[0].MaxRunningMinutes = -1 }, "must be >= 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testChain("/scratch/run")
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidationFailed)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPrepareAndLoad(t *testing.T) {
	runDir := filepath.Join(t.TempDir(), "realization-3")
	c := testChain(runDir)
	c.Jobs[1].Env = map[string]string{"OMP_NUM_THREADS": "4"}

	require.NoError(t, Prepare(c))

	info, err := os.Stat(runDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Load accepts both the run directory and the file path.
	fromDir, err := Load(runDir)
	require.NoError(t, err)
	fromFile, err := Load(c.FilePath())
	require.NoError(t, err)

	assert.Equal(t, c, fromDir)
	assert.Equal(t, fromDir, fromFile)

	entries, err := os.ReadDir(runDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestLoadRejectsInvalidFiles(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "nope.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain file not found")

	_, err = LoadFromBytes(nil)
	require.Error(t, err)

	_, err = LoadFromBytes([]byte(`{"version":"1.0","name":"x","iens":0,"run_dir":"/r","jobs":[],"extra":true}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)

	_, err = LoadFromBytes([]byte(`{"version":"1.0","name":"x","iens":0,"run_dir":"/r","jobs":[{"name":"A","executable":"/bin/true"},{"name":"A","executable":"/bin/true"}]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate job name")
}

func TestSelect(t *testing.T) {
	c := testChain("/scratch/run")

	all, err := c.Select(nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	ecl, err := c.Select([]string{"ECL*"})
	require.NoError(t, err)
	require.Len(t, ecl, 2)
	assert.Equal(t, "ECLIPSE100", ecl[0].Name)
	assert.Equal(t, "ECL_EXPORT", ecl[1].Name)

	// chain order is kept regardless of pattern order
	mixed, err := c.Select([]string{"ECL_EXPORT", "MAKE_DIR"})
	require.NoError(t, err)
	require.Len(t, mixed, 2)
	assert.Equal(t, "MAKE_DIR", mixed[0].Name)

	_, err = c.Select([]string{"RMS"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `matches "RMS"`)

	_, err = c.Select([]string{"[bad"})
	require.Error(t, err)
}

func TestSubstitute(t *testing.T) {
	private := map[string]string{"SRC_FILE": "file1"}
	defaults := map[string]string{"SRC_FILE": "default", "NCPU": "1"}
	global := map[string]string{"IENS": "7", "RUNPATH": "/scratch/r7", "NCPU": "8"}

	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"<SRC_FILE>", "file1"},
		{"--cpus=<NCPU>", "--cpus=1"},
		{"<RUNPATH>/realization-<IENS>", "/scratch/r7/realization-7"},
		{"<UNKNOWN> stays", "<UNKNOWN> stays"},
		{"a < b", "a < b"},
		{"<a <IENS>>", "<a 7>"},
		{"unterminated <IENS", "unterminated <IENS"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Substitute(tt.in, private, defaults, global))
		})
	}
}

func TestSubstituteJob(t *testing.T) {
	j := Job{
		Name:       "COPY_FILE",
		Executable: "/bin/cp",
		Args:       []string{"<SRC_FILE>", "<TARGET_FILE>"},
		TargetFile: "<TARGET_FILE>",
		Env:        map[string]string{"CASE": "<CASE>"},
	}
	out := SubstituteJob(j, map[string]string{"SRC_FILE": "a", "TARGET_FILE": "/tmp/b"}, map[string]string{"CASE": "NORNE"})

	assert.Equal(t, []string{"a", "/tmp/b"}, out.Args)
	assert.Equal(t, "/tmp/b", out.TargetFile)
	assert.Equal(t, "NORNE", out.Env["CASE"])
	// original is untouched
	assert.Equal(t, "<SRC_FILE>", j.Args[0])
	assert.Equal(t, "<CASE>", j.Env["CASE"])
}
