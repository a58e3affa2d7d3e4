package badger

import (
	"errors"

	"github.com/poiesic/codex/storage"
)

// NewMemoryRepositories opens an in-memory backend with a fragment and a graph
// repository on top of it. Closing the backend releases everything.
func NewMemoryRepositories(opts ...BackendOption) (storage.FragmentRepository, storage.GraphRepository, *Backend, error) {
	backend, err := OpenBackend("", true, opts...)
	if err != nil {
		return nil, nil, nil, err
	}

	fragments, err := NewFragmentRepository(backend)
	if err != nil {
		return nil, nil, nil, errors.Join(err, backend.Close())
	}
	graph, err := NewGraphRepository(backend)
	if err != nil {
		return nil, nil, nil, errors.Join(err, fragments.Close(), backend.Close())
	}
	return fragments, graph, backend, nil
}
