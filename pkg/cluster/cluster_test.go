package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ctrlplane/meta/pkg/balancer"
	"github.com/ctrlplane/meta/pkg/types"
)

func newTestCluster(t *testing.T) *Cluster {
	t.Helper()
	c, err := New(Config{NodeID: "node-1", BindAddr: "127.0.0.1:0", DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, c.Bootstrap())
	require.Eventually(t, c.IsLeader, 5*time.Second, 20*time.Millisecond, "node never became leader")
	t.Cleanup(func() {
		c.Stop()
		c.Close()
	})
	return c
}

func TestNewClusterBootstrapsAsLeaderWithDefaultRoom(t *testing.T) {
	c := newTestCluster(t)
	require.Equal(t, 1, c.LogicalRoomCount())
	require.Equal(t, 1, c.PeerCount())
}

func TestClusterStoreHeartbeatFlowsThroughPipeline(t *testing.T) {
	c := newTestCluster(t)

	_, err := c.Pipeline.StoreHeartbeat(balancer.StoreHeartbeatRequest{
		Address:     "10.0.0.1:9000",
		Capacity:    1000,
		UsedSize:    10,
		ResourceTag: "ssd",
	})
	require.NoError(t, err)

	counts := c.InstanceCountsByTagAndState()
	require.Equal(t, 1, counts["ssd"][string(types.InstanceNormal)])
}
