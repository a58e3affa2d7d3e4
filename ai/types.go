package ai

// NodeTypes lists the node categories extractors are asked to use.
// Stores accept other types too.
var NodeTypes = []string{
	"rule",
	"clause",
	"exception",
	"concept",
	"definition",
	"procedure",
	"role",
	"deadline",
}

// RelationTypes lists the relation labels extractors are asked to use.
var RelationTypes = []string{
	"REQUIRES",
	"OVERRIDES",
	"CONTRADICTS",
	"EXTENDS",
}

// ExtractedEntity is a knowledge unit identified in text.
type ExtractedEntity struct {
	// Name is the title of the unit, e.g. "Attendance Rule".
	Name string

	// Type categorizes the unit, ideally one of NodeTypes.
	Type string

	// Description summarizes what the text says about the unit.
	Description string
}

// ExtractedRelation is a directed relation between two extracted entities.
type ExtractedRelation struct {
	Source      string
	Target      string
	Type        string
	Description string

	// Weight is the extractor's confidence in [0,1]; nil when not reported.
	Weight *float64
}

// ExtractedGraph is the subgraph extracted from one piece of text.
type ExtractedGraph struct {
	Entities  []ExtractedEntity
	Relations []ExtractedRelation
}
