// Package ingestion builds the knowledge graph from extracted entities and relations.
//
// The Upserter type is the graph upsert engine. UpsertSubgraph merges one
// fragment's entities and relations into a tenant's graph without creating
// duplicates, even when several ingestions touch the same names concurrently:
//   - Entities resolve by case-insensitive name and merge into existing nodes
//   - Provenance links record which fragment each node came from
//   - Relations resolve their endpoints by name and merge by (source, target, type)
//
// Every item commits on its own. Items that cannot be stored are reported as
// ItemErrors in the UpsertReport while the rest of the batch proceeds.
//
// The Pipeline type drives whole documents through storage, embedding,
// extraction and upsert on a worker pool.
package ingestion
