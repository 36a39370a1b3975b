package relayconf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleEnv = `# Conduit settings
DATA_DIR=/var/lib/conduit
MAX_CLIENTS=75
# bandwidth in Mbps, -1 = unlimited
BANDWIDTH=-1
EXTRA_FLAG=yes
`

func writeEnv(t *testing.T, body string) *File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conduit.env")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return Open(path)
}

func TestRead(t *testing.T) {
	cfg, err := writeEnv(t, sampleEnv).Read()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/conduit", cfg.DataDir)
	assert.Equal(t, 75, cfg.MaxClients)
	assert.Equal(t, Unlimited, cfg.Bandwidth)
	assert.True(t, cfg.BandwidthUnlimited())
}

func TestReadDefaults(t *testing.T) {
	cfg, err := Open(filepath.Join(t.TempDir(), "absent.env")).Read()
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxClients, cfg.MaxClients)
	assert.Equal(t, DefaultBandwidth, cfg.Bandwidth)

	cfg, err = writeEnv(t, "DATA_DIR=/d\n").Read()
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxClients, cfg.MaxClients)
}

func TestReadInvalid(t *testing.T) {
	_, err := writeEnv(t, "MAX_CLIENTS=lots\n").Read()
	assert.Error(t, err)
}

func TestSetPreservesOtherLines(t *testing.T) {
	f := writeEnv(t, sampleEnv)
	require.NoError(t, f.SetLimits(76, 20))

	data, err := os.ReadFile(f.Path())
	require.NoError(t, err)
	assert.Equal(t, `# Conduit settings
DATA_DIR=/var/lib/conduit
MAX_CLIENTS=76
# bandwidth in Mbps, -1 = unlimited
BANDWIDTH=20
EXTRA_FLAG=yes
`, string(data))

	info, err := os.Stat(f.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestSetAppendsMissingKeys(t *testing.T) {
	f := writeEnv(t, "DATA_DIR=/d\n")
	require.NoError(t, f.SetLimits(10, 5))

	cfg, err := f.Read()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.MaxClients)
	assert.Equal(t, 5, cfg.Bandwidth)
	assert.Equal(t, "/d", cfg.DataDir)
}

func TestSetCreatesFile(t *testing.T) {
	f := Open(filepath.Join(t.TempDir(), "new.env"))
	require.NoError(t, f.SetLimits(1, 1))
	cfg, err := f.Read()
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.MaxClients)
}

func TestSetRejectsNewline(t *testing.T) {
	f := writeEnv(t, sampleEnv)
	assert.Error(t, f.Set(map[string]string{"DATA_DIR": "a\nMAX_CLIENTS=1"}))

	cfg, err := f.Read()
	require.NoError(t, err)
	assert.Equal(t, 75, cfg.MaxClients)
}
