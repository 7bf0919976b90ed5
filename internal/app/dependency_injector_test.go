package app

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you-humble/fileflow/internal/infra/config"
	"github.com/you-humble/fileflow/internal/plugin/builtin"
	"github.com/you-humble/fileflow/internal/plugin/remote"
)

func testDI(t *testing.T, remotes ...config.RemotePlugin) *dependencyInjector {
	t.Helper()
	cfg := &config.Config{
		BaseDir: t.TempDir(),
		Storage: config.Storage{Driver: "local", LocalRoot: "objects"},
		Plugins: config.Plugins{Remote: remotes},
	}
	di := &dependencyInjector{cfg: cfg, logger: slog.Default()}
	t.Cleanup(di.Close)
	return di
}

func TestRegistryBuiltins(t *testing.T) {
	di := testDI(t)

	names := di.Registry(context.Background()).Names()
	assert.ElementsMatch(t, []string{"hash", "rename", "copy", "presign"}, names)
}

func TestRegistryRemoteReplacesBuiltin(t *testing.T) {
	di := testDI(t,
		config.RemotePlugin{Name: "presign", Target: "localhost:1", Timeout: time.Second},
		config.RemotePlugin{Name: "thumbnail", Target: "localhost:1", Timeout: time.Second},
	)

	reg := di.Registry(context.Background())
	assert.ElementsMatch(t, []string{"hash", "rename", "copy", "presign", "thumbnail"}, reg.Names())

	p, err := reg.Lookup("presign")
	require.NoError(t, err)
	assert.IsType(t, &remote.Client{}, p)

	p, err = reg.Lookup("hash")
	require.NoError(t, err)
	assert.IsType(t, &builtin.Hash{}, p)

	assert.Len(t, di.pluginConns, 2)
}

func TestBuiltinsIgnoreRemotes(t *testing.T) {
	di := testDI(t, config.RemotePlugin{Name: "thumbnail", Target: "localhost:1"})

	assert.ElementsMatch(t, []string{"hash", "rename", "copy", "presign"}, di.Builtins(context.Background()).Names())
	assert.Empty(t, di.pluginConns)
}
