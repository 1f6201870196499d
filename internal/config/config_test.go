package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"PoolLedger/internal/config"
	"PoolLedger/internal/core"
	fpmath "PoolLedger/internal/math"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := config.Load("", newFlags(t))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.GRPCAddr)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 50, cfg.PersistBatchSize)
	assert.Equal(t, 10*time.Millisecond, cfg.PersistFlushTimeout)
	assert.Equal(t, 5*time.Minute, cfg.SnapshotInterval)
	assert.Equal(t, "0 */5 * * * *", cfg.KeeperExpirations)
	assert.Empty(t, cfg.NATSURL)
	assert.Empty(t, cfg.JWTSecret)
	assert.False(t, cfg.InsecureNoAuth)
	assert.Equal(t, 30*time.Second, cfg.MaxClockSkew)
	assert.True(t, cfg.KeeperEnabled)
}

func TestLoad_Precedence(t *testing.T) {
	file := writeFile(t, "poolledger.yaml", `
grpc-addr: ":7000"
http-addr: ":7001"
persist-batch-size: 10
`)
	t.Setenv("POOL_HTTP_ADDR", ":7101")
	t.Setenv("POOL_PERSIST_BATCH_SIZE", "20")

	cfg, err := config.Load(file, newFlags(t, "--persist-batch-size=30"))
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.GRPCAddr, "file over default")
	assert.Equal(t, ":7101", cfg.HTTPAddr, "env over file")
	assert.Equal(t, 30, cfg.PersistBatchSize, "flag over env")
}

func TestLoad_EnvOnly(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("POOL_JWT_SECRET", "s3cret")
	t.Setenv("POOL_SNAPSHOT_INTERVAL", "30s")

	cfg, err := config.Load("", newFlags(t))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, 30*time.Second, cfg.SnapshotInterval)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"), newFlags(t))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	chdir(t, t.TempDir())

	_, err := config.Load("", newFlags(t, "--nats-storage=disk"))
	assert.ErrorContains(t, err, "nats-storage")

	_, err = config.Load("", newFlags(t, "--persist-batch-size=0"))
	assert.ErrorContains(t, err, "persist-batch-size")

	_, err = config.Load("", newFlags(t, "--max-clock-skew=-1s"))
	assert.ErrorContains(t, err, "max-clock-skew")
}

func TestValidateServe_RequiresAuthUnlessInsecure(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := config.Load("", newFlags(t))
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.ValidateServe(), "jwt-secret is required")

	cfg, err = config.Load("", newFlags(t, "--jwt-secret=s3cret"))
	require.NoError(t, err)
	assert.NoError(t, cfg.ValidateServe())

	cfg, err = config.Load("", newFlags(t, "--insecure-no-auth"))
	require.NoError(t, err)
	assert.NoError(t, cfg.ValidateServe())
}

const genesisYAML = `
pool_id: 7
manager: 6f1c1d4e-3c1c-4b43-9a25-0a7f7f8b9c01
cover_module: 0d3a4c55-8d64-4f7e-8f40-1e9b2a6c7d02
is_private: true
pool_fee_ratio: 5
time: 1700000000
global_capacity_ratio: 20000
global_min_price: "100"
products:
  - product_id: 0
    target_weight: 60
    target_price: "200"
  - product_id: 3
    target_weight: 40
    target_price: "500"
    capacity_reduction_ratio: 1000
    min_price: "150"
    use_fixed_price: true
`

func TestLoadGenesis(t *testing.T) {
	g, err := config.LoadGenesis(writeFile(t, "genesis.yaml", genesisYAML))
	require.NoError(t, err)

	assert.Equal(t, uint64(7), g.PoolID)
	assert.Equal(t, "6f1c1d4e-3c1c-4b43-9a25-0a7f7f8b9c01", g.Manager.String())
	assert.True(t, g.IsPrivate)
	assert.Equal(t, uint64(1_700_000_000), g.Time)
	assert.Equal(t, fpmath.U64(100), g.GlobalMinPrice)
	require.Len(t, g.Products, 2)
	assert.Equal(t, fpmath.U64(200), g.Products[0].TargetPrice)
	assert.True(t, g.Products[0].MinPrice.IsZero())
	assert.Equal(t, uint64(1000), g.Products[1].CapacityReductionRatio)
	assert.Equal(t, fpmath.U64(150), g.Products[1].MinPrice)
	assert.True(t, g.Products[1].UseFixedPrice)

	require.NoError(t, core.DefaultConfig(g).Validate())
}

func TestParseGenesis_Rejects(t *testing.T) {
	cases := map[string]string{
		"bad uuid":      "manager: nope\ncover_module: 0d3a4c55-8d64-4f7e-8f40-1e9b2a6c7d02\n",
		"bad amount":    "manager: 6f1c1d4e-3c1c-4b43-9a25-0a7f7f8b9c01\ncover_module: 0d3a4c55-8d64-4f7e-8f40-1e9b2a6c7d02\nglobal_min_price: \"1.5\"\n",
		"unknown field": "pool_idd: 1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.ParseGenesis([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestLoadGenesis_MissingFile(t *testing.T) {
	_, err := config.LoadGenesis(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

// chdir switches the working directory for the rest of the test and
// restores it on cleanup.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { require.NoError(t, os.Chdir(wd)) })
}
