package badger

import (
	"encoding/binary"

	"github.com/poiesic/codex/core"
)

// Key prefixes for different data types
const (
	fragmentPrefix       = "frag:"
	fragmentTenantPrefix = "fragt:"
	fragmentGlobalPrefix = "fragg:"
	fragmentIDSeq        = "fragseq"
	nodePrefix           = "kgnode:"
	nodeNamePrefix       = "kgname:"
	edgePrefix           = "kgedge:"
	edgeIncomingPrefix   = "kgin:"
	provenancePrefix     = "kgprov:"
	dimensionPrefix      = "meta:dim:"
	checkpointPrefix     = "chkpt:"
)

// Embedding kinds with separately tracked vector widths
const (
	fragmentDimension = "fragment"
	nodeDimension     = "node"
)

const idSize = 8

// appendTenant writes a length-prefixed tenant so no tenant's partition can be a
// byte prefix of another's.
func appendTenant(buf []byte, tenant core.TenantID) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(tenant)))
	return append(buf, tenant...)
}

// appendID writes an ID in BigEndian order so lexicographic sort matches numeric order.
func appendID(buf []byte, id core.ID) []byte {
	return binary.BigEndian.AppendUint64(buf, uint64(id))
}

// readID decodes the ID stored at offset in key.
func readID(key []byte, offset int) core.ID {
	return core.ID(binary.BigEndian.Uint64(key[offset : offset+idSize]))
}

// lastID decodes the trailing ID of a key.
func lastID(key []byte) core.ID {
	return readID(key, len(key)-idSize)
}

// makeFragmentKey generates a key for a fragment by ID.
func makeFragmentKey(id core.ID) []byte {
	return appendID([]byte(fragmentPrefix), id)
}

// makeFragmentTenantKey generates a scope index key.
// Format: prefix tenant id
func makeFragmentTenantKey(tenant core.TenantID, id core.ID) []byte {
	return appendID(makePartialFragmentTenantKey(tenant), id)
}

// makePartialFragmentTenantKey generates the prefix of one tenant's fragments.
func makePartialFragmentTenantKey(tenant core.TenantID) []byte {
	return appendTenant([]byte(fragmentTenantPrefix), tenant)
}

// makeFragmentGlobalKey generates a global scope index key.
func makeFragmentGlobalKey(id core.ID) []byte {
	return appendID([]byte(fragmentGlobalPrefix), id)
}

// makeFragmentScopeKey picks the scope index key matching a fragment.
func makeFragmentScopeKey(f *core.ContentFragment) []byte {
	if f.IsGlobal {
		return makeFragmentGlobalKey(f.Id)
	}
	return makeFragmentTenantKey(f.TenantID, f.Id)
}

// makeNodeKey generates a key for a node.
// Format: prefix tenant id
func makeNodeKey(tenant core.TenantID, id core.ID) []byte {
	return appendID(makePartialNodeKey(tenant), id)
}

// makePartialNodeKey generates the prefix of one tenant's nodes.
// An empty tenant yields the prefix of all nodes.
func makePartialNodeKey(tenant core.TenantID) []byte {
	if tenant == "" {
		return []byte(nodePrefix)
	}
	return appendTenant([]byte(nodePrefix), tenant)
}

// makeNodeNameKey generates the unique (tenant, lower(name)) key.
func makeNodeNameKey(tenant core.TenantID, name string) []byte {
	buf := appendTenant([]byte(nodeNamePrefix), tenant)
	return append(buf, core.NormalizeName(name)...)
}

// makeEdgeKey generates the unique (tenant, source, target, type) key.
// Format: prefix tenant source target type
func makeEdgeKey(tenant core.TenantID, source, target core.ID, edgeType core.EdgeType) []byte {
	buf := appendID(makePartialEdgeKey(tenant, source), target)
	return append(buf, edgeType...)
}

// makePartialEdgeKey generates the prefix of the edges leaving source.
func makePartialEdgeKey(tenant core.TenantID, source core.ID) []byte {
	return appendID(makeTenantEdgePrefix(tenant), source)
}

// makeTenantEdgePrefix generates the prefix of every edge of a tenant.
func makeTenantEdgePrefix(tenant core.TenantID) []byte {
	return appendTenant([]byte(edgePrefix), tenant)
}

// makeIncomingEdgeKey generates the reverse index key.
// Format: prefix tenant target source type
func makeIncomingEdgeKey(tenant core.TenantID, target, source core.ID, edgeType core.EdgeType) []byte {
	buf := appendID(makePartialIncomingEdgeKey(tenant, target), source)
	return append(buf, edgeType...)
}

// makePartialIncomingEdgeKey generates the prefix of the edges arriving at target.
func makePartialIncomingEdgeKey(tenant core.TenantID, target core.ID) []byte {
	buf := appendTenant([]byte(edgeIncomingPrefix), tenant)
	return appendID(buf, target)
}

// parseIncomingEdgeKey extracts source and type from a reverse index key.
func parseIncomingEdgeKey(key []byte, prefixLen int) (core.ID, core.EdgeType) {
	source := readID(key, prefixLen)
	return source, core.EdgeType(key[prefixLen+idSize:])
}

// parseEdgeKey extracts target and type from an edge key given its source prefix length.
func parseEdgeKey(key []byte, prefixLen int) (core.ID, core.EdgeType) {
	target := readID(key, prefixLen)
	return target, core.EdgeType(key[prefixLen+idSize:])
}

// makeProvenanceKey generates a (tenant, node, fragment) link key.
func makeProvenanceKey(tenant core.TenantID, nodeID, fragmentID core.ID) []byte {
	return appendID(makePartialProvenanceKey(tenant, nodeID), fragmentID)
}

// makePartialProvenanceKey generates the prefix of a node's provenance links.
func makePartialProvenanceKey(tenant core.TenantID, nodeID core.ID) []byte {
	buf := appendTenant([]byte(provenancePrefix), tenant)
	return appendID(buf, nodeID)
}

// makeDimensionKey generates the key holding an embedding kind's vector width.
func makeDimensionKey(kind string) []byte {
	return []byte(dimensionPrefix + kind)
}

// makeCheckpointKey generates a key for processor checkpoints.
func makeCheckpointKey(processorType string) []byte {
	return []byte(checkpointPrefix + processorType)
}
