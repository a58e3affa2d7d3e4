// Package reembed holds resumable maintenance jobs over a codex store.
//
//   - FragmentReembedder recomputes every fragment vector, e.g. after a model change
//   - NodeReembedder recomputes the node vectors of one tenant
//   - GraphRebuilder re-runs graph extraction over stored fragments
//
// Jobs walk records in ID order in batches and save a checkpoint after each
// batch, so an interrupted run resumes where it stopped.
package reembed
