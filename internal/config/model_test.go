package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadModel(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "poly.yaml", `
name: poly_case
num_realizations: 8
queue:
  driver: local
  max_running: 2
forward_model:
  - name: poly_eval
    duration: 250ms
  - name: copy_result
    command: /bin/cp
    args: [out.txt, result.txt]
env:
  OMP_NUM_THREADS: "1"
`)

	m, err := LoadModel(path)
	require.NoError(t, err)

	assert.Equal(t, "poly_case", m.Name)
	assert.Equal(t, 8, m.NumRealizations)
	assert.Equal(t, 2, m.Queue.MaxRunning)
	assert.Equal(t, DefaultMaxSubmit, m.Queue.MaxSubmit)
	require.Len(t, m.ForwardModel, 2)
	assert.Equal(t, 250*time.Millisecond, m.ForwardModel[0].ParsedDuration())
	assert.Equal(t, []string{"out.txt", "result.txt"}, m.ForwardModel[1].Args)
	assert.Equal(t, "1", m.Env["OMP_NUM_THREADS"])
	assert.Equal(t, path, m.Path)
	assert.Equal(t, filepath.Join(dir, DefaultStorageFile), m.StoragePath())
}

func TestLoadModel_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "minimal.yaml", "forward_model: []\n")

	m, err := LoadModel(path)
	require.NoError(t, err)

	assert.Equal(t, "minimal", m.Name)
	assert.Equal(t, DefaultNumRealizations, m.NumRealizations)
}

func TestLoadModel_AbsoluteStorage(t *testing.T) {
	dir := t.TempDir()
	store := filepath.Join(dir, "elsewhere", "runs.db")
	path := writeFile(t, dir, "m.yaml", "storage: "+store+"\n")

	m, err := LoadModel(path)
	require.NoError(t, err)
	assert.Equal(t, store, m.StoragePath())
}

func TestLoadModel_UnknownField(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.yaml", "name: x\nrealisations: 3\n")

	_, err := LoadModel(path)
	assert.Error(t, err)
}

func TestLoadModel_Missing(t *testing.T) {
	_, err := LoadModel(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidateModel(t *testing.T) {
	site := DefaultSite()
	site.InstallJobs["eclipse"] = "/opt/sim/eclipse"

	tests := []struct {
		name    string
		model   Model
		wantErr string
	}{
		{
			name: "valid",
			model: Model{NumRealizations: 2, ForwardModel: []ForwardStep{
				{Name: "sleep", Duration: "1s"},
				{Name: "eclipse"},
			}},
		},
		{
			name:    "missing step name",
			model:   Model{ForwardModel: []ForwardStep{{Duration: "1s"}}},
			wantErr: "forward_model[0].name",
		},
		{
			name: "duplicate step",
			model: Model{ForwardModel: []ForwardStep{
				{Name: "a", Duration: "1s"},
				{Name: "a", Duration: "1s"},
			}},
			wantErr: "duplicate step name",
		},
		{
			name:    "bad duration",
			model:   Model{ForwardModel: []ForwardStep{{Name: "a", Duration: "forever"}}},
			wantErr: "invalid duration",
		},
		{
			name:    "unknown installed job",
			model:   Model{ForwardModel: []ForwardStep{{Name: "flow"}}},
			wantErr: "installed job",
		},
		{
			name:    "unsupported driver",
			model:   Model{Queue: QueueConfig{Driver: "lsf"}},
			wantErr: "queue.driver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateModel(&tt.model, site)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
