package topology

// Key scheme: CLUSTER_IDENTIFY + {LOGICAL|PHYSICAL|INSTANCE|INSTANCE_PARAM}_CLUSTER_IDENTIFY + suffix.
// Suffix is empty for the logical aggregate (one key holds every logical
// room name), the logical room's name for a physical-room list, the
// instance address for an instance record, and the resource-tag-or-address
// scope key for an instance-param record.
const (
	clusterIdentify      = "meta/"
	logicalIdentify      = "logical/"
	physicalIdentify     = "physical/"
	instanceIdentify     = "instance/"
	instanceParamIdentify = "instance_param/"
)

var logicalPrefix = []byte(clusterIdentify + logicalIdentify)
var physicalPrefix = []byte(clusterIdentify + physicalIdentify)
var instancePrefix = []byte(clusterIdentify + instanceIdentify)
var instanceParamPrefix = []byte(clusterIdentify + instanceParamIdentify)

// logicalKey is the single aggregate key holding every logical room name.
func logicalKey() []byte {
	return logicalPrefix
}

// physicalKey is the per-logical-room key holding that room's physical
// room list.
func physicalKey(logical string) []byte {
	return append(append([]byte(nil), physicalPrefix...), []byte(logical)...)
}

// instanceKey is the per-address key holding one instance record.
func instanceKey(address string) []byte {
	return append(append([]byte(nil), instancePrefix...), []byte(address)...)
}

// instanceParamKey is the per-scope key (resource tag or instance address)
// holding that scope's param entries.
func instanceParamKey(scopeKey string) []byte {
	return append(append([]byte(nil), instanceParamPrefix...), []byte(scopeKey)...)
}
