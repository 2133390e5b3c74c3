package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/dbloadbalancer/internal/config"
)

func threeServers() []config.ServerConfig {
	return []config.ServerConfig{
		{Name: "writer", Type: config.ServerTypeWriter, Load: 0, Address: "writer:5432"},
		{Name: "replica-a", Type: config.ServerTypeReplica, Load: 10, Address: "replica-a:5432"},
		{Name: "replica-b", Type: config.ServerTypeReplica, Load: 10, MaxLag: 6, Address: "replica-b:5432"},
	}
}

func TestNew_RequiresWriterAtIndexZero(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New([]config.ServerConfig{{Name: "replica-a", Type: config.ServerTypeReplica}})
	assert.Error(t, err)
}

func TestNew_IndexesAndTypes(t *testing.T) {
	reg, err := New(threeServers())
	require.NoError(t, err)

	assert.Equal(t, 0, reg.WriterIndex())
	assert.Equal(t, 3, reg.Len())

	w := reg.Writer()
	assert.Equal(t, Writer, w.Type)

	r, ok := reg.Server(1)
	require.True(t, ok)
	assert.Equal(t, Replica, r.Type)
	assert.Equal(t, []int{1, 2}, reg.ReplicaIndices())
}

func TestNew_NegativeMaxLagBecomesInfinite(t *testing.T) {
	servers := threeServers()
	servers[2].MaxLag = -1
	reg, err := New(servers)
	require.NoError(t, err)

	srv, ok := reg.Server(2)
	require.True(t, ok)
	assert.Equal(t, InfiniteMaxLag, srv.MaxLag)
}

func TestServer_LoadForGroup(t *testing.T) {
	srv := Server{Load: 5, GroupLoads: map[string]int{"analytics": 20}}
	assert.Equal(t, 20, srv.LoadForGroup("analytics"))
	assert.Equal(t, 5, srv.LoadForGroup("DEFAULT"))
}

func TestServer_EffectiveMaxLag(t *testing.T) {
	withOverride := Server{MaxLag: 3}
	assert.Equal(t, 3.0, withOverride.EffectiveMaxLag(6))

	withoutOverride := Server{MaxLag: 0}
	assert.Equal(t, 6.0, withoutOverride.EffectiveMaxLag(6))
}

func TestIsSingleServer(t *testing.T) {
	reg, err := New([]config.ServerConfig{{Name: "writer", Type: config.ServerTypeWriter}})
	require.NoError(t, err)
	assert.True(t, reg.IsSingleServer())

	reg, err = New(threeServers())
	require.NoError(t, err)
	assert.False(t, reg.IsSingleServer())
}

func TestDiff_RemovalDetection(t *testing.T) {
	reg, err := New(threeServers())
	require.NoError(t, err)

	t.Run("no removal when same names", func(t *testing.T) {
		same := threeServers()
		same[1].Address = "replica-a-new-host:5432"
		assert.False(t, reg.Diff(same))
	})

	t.Run("removal detected when a name disappears", func(t *testing.T) {
		without := threeServers()[:2]
		assert.True(t, reg.Diff(without))
	})

	t.Run("swapping in a differently-addressed server under the same name is not a removal", func(t *testing.T) {
		renamed := threeServers()
		renamed[2].Address = "totally-different-host:5432"
		renamed[2].Load = 999
		assert.False(t, reg.Diff(renamed))
	})
}

func TestByName(t *testing.T) {
	reg, err := New(threeServers())
	require.NoError(t, err)

	idx, ok := reg.ByName("replica-b")
	require.True(t, ok)
	assert.Equal(t, 2, idx)

	_, ok = reg.ByName("no-such-server")
	assert.False(t, ok)
}
