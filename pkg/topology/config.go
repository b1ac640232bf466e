package topology

// Config carries the tunables the topology store and network-segmentation
// engine read on every mutation. Defaults mirror the reference
// implementation's compiled-in constants.
type Config struct {
	// DefaultLogicalRoom is the logical room implicitly created on first
	// boot and used when add_instance omits a physical room that itself
	// omits a logical room.
	DefaultLogicalRoom string

	// DefaultPhysicalRoom seeds the default logical room's physical-room
	// index. The reference implementation keys this slot by the default
	// logical room's own name, which collides with the logical index's
	// own keying; this implementation seeds it with the physical room's
	// own name instead so the index stays internally consistent (see
	// the grounding ledger for the full rationale).
	DefaultPhysicalRoom string

	// DiskUsedPercentLimit is the disk-usage ceiling every selector's
	// legality check applies: an instance whose usage percentage is above
	// this value is never eligible for new peer placement; usage equal to
	// it is still eligible.
	DiskUsedPercentLimit int64

	// PeerBalanceByIP changes how the selectors' exclusion-set check
	// matches: when true, a candidate is illegal if it shares an IP with
	// any exclusion-set member; when false, only an exact address match
	// excludes it. It does not gate segment-diversity preference -- that
	// is the state machine's per-tag GetNetworkSegmentBalance.
	PeerBalanceByIP bool

	// MinNetworkSegmentsPerResourceTag is the number of distinct segments
	// a prefix length must produce for a resource tag before the
	// segmentation engine accepts it; the shortest prefix that reaches it
	// while also meeting the per-segment store-count ceiling is chosen, and
	// /32 is used when none does.
	MinNetworkSegmentsPerResourceTag int

	// NetworkSegmentMaxStoresPercent bounds how much of a resource tag's
	// instance population may share one network segment, expressed as a
	// percentage of the tag's total instance count.
	NetworkSegmentMaxStoresPercent int
}

// DefaultConfig returns the reference implementation's compiled-in values.
func DefaultConfig() Config {
	return Config{
		DefaultLogicalRoom:                "default",
		DefaultPhysicalRoom:               "default",
		DiskUsedPercentLimit:              80,
		PeerBalanceByIP:                   false,
		MinNetworkSegmentsPerResourceTag:  10,
		NetworkSegmentMaxStoresPercent:    20,
	}
}

// Config returns the tunables this Topology was constructed with.
func (t *Topology) Config() Config {
	return t.cfg
}
