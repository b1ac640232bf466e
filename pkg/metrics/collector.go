package metrics

import (
	"time"
)

// Source is the read-only view of one meta-service node the collector
// samples; *cluster.Cluster provides it.
type Source interface {
	LogicalRoomCount() int
	PhysicalRoomCount() int
	InstanceCountsByTagAndState() map[string]map[string]int
	IsLeader() bool
	PeerCount() int
}

// Collector periodically samples cluster-facing gauges (topology size,
// raft state) that are cheaper to poll than to update inline on every
// mutation.
type Collector struct {
	cluster Source
	stopCh  chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(c Source) *Collector {
	return &Collector{
		cluster: c,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectTopologyMetrics()
	c.collectRaftMetrics()
}

func (c *Collector) collectTopologyMetrics() {
	LogicalRoomsTotal.Set(float64(c.cluster.LogicalRoomCount()))
	PhysicalRoomsTotal.Set(float64(c.cluster.PhysicalRoomCount()))

	counts := c.cluster.InstanceCountsByTagAndState()
	for tag, byState := range counts {
		for state, count := range byState {
			InstancesTotal.WithLabelValues(tag, state).Set(float64(count))
		}
	}
}

func (c *Collector) collectRaftMetrics() {
	if c.cluster.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}
	RaftPeers.Set(float64(c.cluster.PeerCount()))
}
