package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitConfigReadsExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "soldprice.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  dir: /srv/cards\n"), 0o600))

	v := viper.New()
	require.NoError(t, InitConfig(v, path, nil))
	assert.Equal(t, "/srv/cards", v.GetString("store.dir"))
	assert.Equal(t, 5, v.GetInt("scheduler.entity_workers"))
}

func TestInitConfigMissingExplicitFile(t *testing.T) {
	v := viper.New()
	err := InitConfig(v, filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.Error(t, err)
}

func TestInitConfigEnvironmentOverride(t *testing.T) {
	t.Setenv("SOLDPRICE_SCHEDULER_MAX_PAGES", "9")
	t.Chdir(t.TempDir())

	v := viper.New()
	require.NoError(t, InitConfig(v, "", nil))
	assert.Equal(t, 9, v.GetInt("scheduler.max_pages"))
}
