package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
eth_rpc_url: http://localhost:8545
db_path: /tmp/uopool
entry_points:
  - 0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789
`

func TestParseDefaults(t *testing.T) {
	c, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, sdklogging.Production, c.Environment)
	assert.NotNil(t, c.Logger)
	assert.Equal(t, []common.Address{common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")}, c.EntryPoints)
	assert.Equal(t, 10*time.Minute, c.CodeCacheTTL)
	assert.Equal(t, time.Duration(0), c.BackupInterval)

	assert.Equal(t, "0.1", c.Pool.MinReplacementRatio.String())
	assert.Equal(t, uint64(5), c.Pool.ThrottlingSlack)
	assert.Equal(t, time.Hour, c.Pool.DecayInterval)
}

func TestParsePoolOverrides(t *testing.T) {
	c, err := Parse([]byte(minimal + `
environment: development
backup_dir: /tmp/backup
backup_interval: 30m
pool:
  min_replacement_ratio: "0.25"
  ban_slack: 50
  whitelist:
    - 0x0000000000000000000000000000000000001001
  min_stake: "5000"
  bundle_gas_limit: 1000000
  simulation_timeout: 2s
  decay_interval: 10m
`))
	require.NoError(t, err)

	assert.Equal(t, sdklogging.Development, c.Environment)
	assert.Equal(t, 30*time.Minute, c.BackupInterval)
	assert.Equal(t, "0.25", c.Pool.MinReplacementRatio.String())
	assert.Equal(t, uint64(50), c.Pool.BanSlack)
	assert.Equal(t, uint64(5), c.Pool.ThrottlingSlack)
	assert.Len(t, c.Pool.Whitelist, 1)
	assert.Equal(t, int64(5000), c.Pool.MinStake.Int64())
	assert.Equal(t, int64(1_000_000), c.Pool.BundleGasLimit.Int64())
	assert.Equal(t, 2*time.Second, c.Pool.SimulationTimeout)
	assert.Equal(t, 10*time.Minute, c.Pool.DecayInterval)
	assert.Equal(t, time.Minute, c.Pool.MaintenanceInterval)
}

func TestParseRejectsInvalid(t *testing.T) {
	testCases := []struct {
		name string
		yaml string
	}{
		{"missing rpc", "db_path: /tmp/x\nentry_points: [0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789]\n"},
		{"missing entry points", "eth_rpc_url: http://localhost:8545\ndb_path: /tmp/x\n"},
		{"bad entry point", "eth_rpc_url: http://localhost:8545\ndb_path: /tmp/x\nentry_points: [nope]\n"},
		{"bad environment", minimal + "environment: staging\n"},
		{"bad bind address", minimal + "http_bind_address: localhost\n"},
		{"backup interval without dir", minimal + "backup_interval: 1h\n"},
		{"bad duration", minimal + "pool:\n  simulation_timeout: soon\n"},
		{"bad ratio", minimal + "pool:\n  min_replacement_ratio: lots\n"},
		{"negative ratio", minimal + "pool:\n  min_replacement_ratio: \"-1\"\n"},
		{"bad stake", minimal + "pool:\n  min_stake: 1e18\n"},
		{"bad blacklist", minimal + "pool:\n  blacklist: [0x12]\n"},
		{"not yaml", "{{{"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestNewConfigReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uopool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o644))

	c, err := NewConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/uopool", c.DbPath)

	_, err = NewConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSampleConfig(t *testing.T) {
	c, err := NewConfig("../../config/uopool.yaml")
	require.NoError(t, err)
	assert.Equal(t, "localhost:4337", c.HttpBindAddress)
	assert.Equal(t, 6*time.Hour, c.BackupInterval)
	assert.Equal(t, 8, c.Pool.ResimulationWorker)
}
