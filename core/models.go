package core

import (
	"encoding/binary"
	"strconv"
	"strings"
	"time"

	"github.com/go-crypt/x/blake2b"
)

// ID is a unique identifier for domain entities.
// It is generated using content-based hashing or database sequences.
type ID uint64

// String returns the decimal form of the ID.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseID parses the decimal form produced by String.
func ParseID(s string) (ID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return ID(v), nil
}

// IDFromContent generates a deterministic ID from text content using BLAKE2b hashing.
// This ensures that identical content produces identical IDs.
func IDFromContent(text string) ID {
	h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
	h.Write([]byte(text))
	sum := h.Sum(nil)
	return ID(binary.LittleEndian.Uint64(sum))
}

// TenantID identifies the sole owner of tenant-scoped data.
// The empty TenantID is only valid on global fragments.
type TenantID string

// NodeID returns the deterministic ID of the node named name within tenant.
func NodeID(tenant TenantID, name string) ID {
	return IDFromContent(string(tenant) + "\x00" + NormalizeName(name))
}

// EdgeID returns the deterministic ID of an edge.
func EdgeID(tenant TenantID, source, target ID, edgeType EdgeType) ID {
	return IDFromContent(string(tenant) + "|" + source.String() + "|" + target.String() + "|" + string(edgeType))
}

// NormalizeName produces the case-insensitive resolution key for entity names.
// Runs of whitespace are collapsed so "Attendance  Rule" and "attendance rule" resolve together.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// Term is one entry of a derived token representation.
type Term struct {
	Text string
	Freq int
}

// ContentFragment is an indexed piece of knowledge content.
// Global fragments have an empty TenantID and IsGlobal set.
type ContentFragment struct {
	Id           ID
	TenantID     TenantID
	IsGlobal     bool
	CollectionID string
	SourceID     string
	Content      string
	Vector       []float32         // Embedding vector (may be empty until embedded)
	Terms        []Term            // Derived token representation, sorted by Text
	TokenCount   int               // Number of indexed tokens, used for length normalization
	Metadata     map[string]string // Optional metadata (e.g., "title", "page")
	InsertedAt   time.Time
	UpdatedAt    time.Time
}

// NodeType classifies a knowledge node. The set is open-ended.
type NodeType string

const (
	NodeTypeRule       NodeType = "rule"
	NodeTypeClause     NodeType = "clause"
	NodeTypeException  NodeType = "exception"
	NodeTypeConcept    NodeType = "concept"
	NodeTypeDefinition NodeType = "definition"
	NodeTypeProcedure  NodeType = "procedure"
)

// NormalizeNodeType lower-cases and snake-cases a node type.
// An empty input returns an empty type so callers can tell "not provided" apart.
func NormalizeNodeType(s string) NodeType {
	s = strings.ToLower(strings.Join(strings.Fields(s), "_"))
	return NodeType(strings.ReplaceAll(s, "-", "_"))
}

// KnowledgeNode is a tenant-owned unit of knowledge.
type KnowledgeNode struct {
	Id         ID
	TenantID   TenantID
	Type       NodeType
	Name       string
	Content    string
	Vector     []float32
	Terms      []Term
	TokenCount int
	Properties map[string]string
	InsertedAt time.Time
	UpdatedAt  time.Time
}

// EdgeType is the relationship carried by a KnowledgeEdge.
type EdgeType string

const (
	EdgeRequires    EdgeType = "REQUIRES"
	EdgeOverrides   EdgeType = "OVERRIDES"
	EdgeContradicts EdgeType = "CONTRADICTS"
	EdgeExtends     EdgeType = "EXTENDS"
)

// EdgeTypes lists every supported edge type.
var EdgeTypes = []EdgeType{EdgeRequires, EdgeOverrides, EdgeContradicts, EdgeExtends}

// IsValid reports whether t is a supported edge type.
func (t EdgeType) IsValid() bool {
	switch t {
	case EdgeRequires, EdgeOverrides, EdgeContradicts, EdgeExtends:
		return true
	}
	return false
}

// ParseEdgeType normalizes free-form relation labels ("overrides", "requires ", "Extends")
// into an EdgeType.
func ParseEdgeType(s string) (EdgeType, error) {
	norm := strings.ToUpper(strings.Join(strings.Fields(s), "_"))
	norm = strings.ReplaceAll(norm, "-", "_")
	t := EdgeType(norm)
	if !t.IsValid() {
		return "", &invalidEdgeTypeError{value: s}
	}
	return t, nil
}

type invalidEdgeTypeError struct {
	value string
}

func (e *invalidEdgeTypeError) Error() string {
	return ErrInvalidEdgeType.Error() + ": " + strconv.Quote(e.value)
}

func (e *invalidEdgeTypeError) Unwrap() error {
	return ErrInvalidEdgeType
}

// KnowledgeEdge is a directed, typed, weighted relationship between two nodes of one tenant.
type KnowledgeEdge struct {
	Id          ID
	TenantID    TenantID
	SourceID    ID
	TargetID    ID
	Type        EdgeType
	Weight      float64 // Traversal weight in [0,1]
	Description string
	UsageCount  int // Number of times the relation was extracted
	Metadata    map[string]string
	InsertedAt  time.Time
	UpdatedAt   time.Time
}

// ClampWeight bounds an edge weight to [0,1].
func ClampWeight(w float64) float64 {
	if w != w || w < 0 { // NaN or negative
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}

// Method names how a retrieval result was found.
type Method string

const (
	MethodVector          Method = "vector"
	MethodKeyword         Method = "keyword"
	MethodHybrid          Method = "hybrid"
	MethodGraphOverride   Method = "graph-override"
	MethodGraphDependency Method = "graph-dependency"
	MethodGraphRelated    Method = "graph-related"
)

// MethodForEdge returns the graph method for a node reached through an edge of type t.
func MethodForEdge(t EdgeType) Method {
	switch t {
	case EdgeOverrides:
		return MethodGraphOverride
	case EdgeRequires:
		return MethodGraphDependency
	default:
		return MethodGraphRelated
	}
}

// RetrievalResult is a single ranked item returned by a query. It is never persisted.
type RetrievalResult struct {
	Id       ID
	Title    string
	Content  string
	Score    float64
	Method   Method
	Depth    int
	Path     []ID // Node path from the anchor (graph results only)
	Metadata map[string]string
}

// NodeMatch is a node returned by similarity search.
type NodeMatch struct {
	Node       *KnowledgeNode
	Similarity float64
}

// Checkpoint records the progress of a resumable maintenance processor.
type Checkpoint struct {
	ProcessorType string
	LastID        ID
	UpdatedAt     time.Time
}
