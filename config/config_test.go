package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/notargets/halogrid/multigrid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, args ...string) (*Run, error) {
	t.Helper()
	v := New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(v, fs))
	require.NoError(t, fs.Parse(args))
	return Load(v)
}

func TestLoad_Defaults(t *testing.T) {
	r, err := load(t)
	require.NoError(t, err)
	assert.Equal(t, []int{16, 16}, r.Size)
	assert.Equal(t, []float64{1, 1}, r.Length)
	assert.Equal(t, []bool{true, true}, r.Periodic)
	assert.Equal(t, 1, r.Overlap)
	assert.Equal(t, 4, r.Procs())
	assert.False(t, r.Networked())
	assert.Equal(t, multigrid.KeepOverlapInCells, r.Policy)
	assert.Equal(t, logrus.InfoLevel, r.LogLevel)
	assert.InDelta(t, 0.1, r.Nu, 1e-15)
}

func TestLoad_Flags(t *testing.T) {
	r, err := load(t,
		"--size=32,8,4", "--length=2,1,0.5", "--periodic=true,false,false",
		"--overlap=2", "--policy=absolute", "--nu=0.25", "--log-level=debug",
		"--addrs=127.0.0.1:7000,127.0.0.1:7001", "--rank=1", "--compress")
	require.NoError(t, err)
	assert.Equal(t, []int{32, 8, 4}, r.Size)
	assert.Equal(t, []float64{2, 1, 0.5}, r.Length)
	assert.Equal(t, []bool{true, false, false}, r.Periodic)
	assert.Equal(t, 2, r.Overlap)
	assert.Equal(t, multigrid.KeepAbsoluteOverlap, r.Policy)
	assert.Equal(t, 0.25, r.Nu)
	assert.Equal(t, logrus.DebugLevel, r.LogLevel)
	assert.True(t, r.Networked())
	assert.True(t, r.Compress)
	assert.Equal(t, 2, r.Procs())
	assert.Equal(t, 1, r.Rank)

	opts := r.Options(logrus.StandardLogger())
	assert.Equal(t, r.Size, opts.Size)
	assert.Equal(t, 2, opts.Overlap)
}

func TestLoad_EnvAndFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "run.toml")
	require.NoError(t, os.WriteFile(file, []byte(`
size = [24, 12]
length = [2.0, 1.0]
periodic = [false, true]
overlap = 3
steps = 7
`), 0o644))

	t.Setenv("HALOGRID_OVERLAP", "2")
	t.Setenv("HALOGRID_LOG_LEVEL", "warn")
	r, err := load(t, "--config="+file, "--steps=5")
	require.NoError(t, err)
	assert.Equal(t, []int{24, 12}, r.Size)
	assert.Equal(t, []float64{2, 1}, r.Length)
	assert.Equal(t, []bool{false, true}, r.Periodic)
	// environment beats the file, flags beat both
	assert.Equal(t, 2, r.Overlap)
	assert.Equal(t, 5, r.Steps)
	assert.Equal(t, logrus.WarnLevel, r.LogLevel)

	t.Setenv("HALOGRID_SIZE", "10 10")
	r, err = load(t, "--config="+file)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 10}, r.Size)
	assert.Equal(t, 7, r.Steps)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"dimension mismatch", []string{"--size=8,8,8"}},
		{"bad policy", []string{"--policy=sideways"}},
		{"bad level", []string{"--log-level=loud"}},
		{"rank outside addrs", []string{"--addrs=a:1,b:2", "--rank=2"}},
		{"no ranks", []string{"--ranks=-1"}},
		{"negative refine", []string{"--refine=-1"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := load(t, tc.args...)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}

	_, err := load(t, "--config="+filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
