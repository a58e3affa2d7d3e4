package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/codex/core"
	"github.com/poiesic/codex/storage"
)

// scanCheckInterval is how many records a scan reads between context checks.
const scanCheckInterval = 128

// FragmentRepository implements storage.FragmentRepository for BadgerDB.
type FragmentRepository struct {
	backend *Backend
	idSeq   *badger.Sequence
}

var _ storage.FragmentRepository = (*FragmentRepository)(nil)

// NewFragmentRepository creates a new FragmentRepository.
func NewFragmentRepository(backend *Backend) (*FragmentRepository, error) {
	idSeq, err := backend.GetSequence(fragmentIDSeq)
	if err != nil {
		return nil, err
	}

	return &FragmentRepository{
		backend: backend,
		idSeq:   idSeq,
	}, nil
}

// Close releases the ID sequence.
func (r *FragmentRepository) Close() error {
	return r.idSeq.Release()
}

func (r *FragmentRepository) nextID() (core.ID, error) {
	nextID, err := r.idSeq.Next()
	if err != nil {
		return 0, err
	}
	// BadgerDB sequences can return 0 on first call, so we skip it
	if nextID == 0 {
		nextID, err = r.idSeq.Next()
		if err != nil {
			return 0, err
		}
	}
	return core.ID(nextID), nil
}

// AddFragments adds fragments to storage. A fragment whose ID already exists replaces it.
func (r *FragmentRepository) AddFragments(ctx context.Context, fragments ...*core.ContentFragment) ([]*core.ContentFragment, error) {
	for _, f := range fragments {
		if err := core.ValidateFragment(f); err != nil {
			return nil, err
		}
	}

	err := r.backend.Update(ctx, func(tx *badger.Txn) error {
		guard := newDimensionGuard(fragmentDimension)
		now := time.Now().UTC()
		for _, f := range fragments {
			if f.Id == 0 {
				id, err := r.nextID()
				if err != nil {
					return err
				}
				f.Id = id
			}
			if err := guard.check(tx, len(f.Vector)); err != nil {
				return fmt.Errorf("fragment %v: %w", f.Id, err)
			}

			f.Terms, f.TokenCount = core.Analyze(f.Content)
			if f.InsertedAt.IsZero() {
				f.InsertedAt = now
			}
			f.UpdatedAt = now

			if err := writeFragment(tx, f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fragments, nil
}

// UpdateFragments replaces existing fragments.
// Vector widths are not checked so re-embedding with a new model can proceed batch by batch.
func (r *FragmentRepository) UpdateFragments(ctx context.Context, fragments ...*core.ContentFragment) ([]*core.ContentFragment, error) {
	for _, f := range fragments {
		if err := core.ValidateFragment(f); err != nil {
			return nil, err
		}
	}

	err := r.backend.Update(ctx, func(tx *badger.Txn) error {
		now := time.Now().UTC()
		for _, f := range fragments {
			old, err := readFragment(tx, makeFragmentKey(f.Id))
			if err != nil {
				return err
			}
			if old == nil {
				return fmt.Errorf("fragment %v: %w", f.Id, storage.ErrNotFound)
			}

			f.Terms, f.TokenCount = core.Analyze(f.Content)
			f.InsertedAt = old.InsertedAt
			f.UpdatedAt = now
			if err := writeFragment(tx, f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fragments, nil
}

// DeleteFragments removes fragments by their IDs.
func (r *FragmentRepository) DeleteFragments(ctx context.Context, ids ...core.ID) error {
	return r.backend.Update(ctx, func(tx *badger.Txn) error {
		for _, id := range ids {
			key := makeFragmentKey(id)
			old, err := readFragment(tx, key)
			if err != nil {
				return err
			}
			if old == nil {
				return fmt.Errorf("fragment %v: %w", id, storage.ErrNotFound)
			}
			if err := tx.Delete(key); err != nil {
				return err
			}
			if err := tx.Delete(makeFragmentScopeKey(old)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetFragment retrieves a single fragment by ID.
func (r *FragmentRepository) GetFragment(ctx context.Context, id core.ID) (*core.ContentFragment, error) {
	var fragment *core.ContentFragment
	err := r.backend.View(ctx, func(tx *badger.Txn) error {
		var err error
		fragment, err = readFragment(tx, makeFragmentKey(id))
		return err
	})
	if err != nil {
		return nil, err
	}
	if fragment == nil {
		return nil, storage.ErrNotFound
	}
	return fragment, nil
}

// GetFragments retrieves the fragments that exist among ids.
func (r *FragmentRepository) GetFragments(ctx context.Context, ids ...core.ID) ([]*core.ContentFragment, error) {
	fragments := make([]*core.ContentFragment, 0, len(ids))
	err := r.backend.View(ctx, func(tx *badger.Txn) error {
		for _, id := range ids {
			fragment, err := readFragment(tx, makeFragmentKey(id))
			if err != nil {
				return err
			}
			if fragment != nil {
				fragments = append(fragments, fragment)
			}
		}
		return nil
	})
	return fragments, err
}

// ScanFragments reads the scope's tenant partition, then the global partition when
// the scope includes it. Every record is re-checked against the scope predicate.
func (r *FragmentRepository) ScanFragments(ctx context.Context, scope core.Scope, fn func(*core.ContentFragment) error) error {
	if err := scope.Validate(); err != nil {
		return err
	}

	prefixes := [][]byte{makePartialFragmentTenantKey(scope.Tenant())}
	if scope.IncludesGlobal() {
		prefixes = append(prefixes, []byte(fragmentGlobalPrefix))
	}

	err := r.backend.View(ctx, func(tx *badger.Txn) error {
		seen := 0
		for _, prefix := range prefixes {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			opts.PrefetchValues = false
			iter := tx.NewIterator(opts)

			for iter.Rewind(); iter.Valid(); iter.Next() {
				seen++
				if seen%scanCheckInterval == 0 {
					if err := ctx.Err(); err != nil {
						iter.Close()
						return err
					}
				}

				fragment, err := readFragment(tx, makeFragmentKey(lastID(iter.Item().Key())))
				if err != nil {
					iter.Close()
					return err
				}
				if fragment == nil || !scope.Matches(fragment) {
					continue
				}
				if err := fn(fragment); err != nil {
					iter.Close()
					return err
				}
			}
			iter.Close()
		}
		return nil
	})
	if errors.Is(err, storage.ErrStopScan) {
		return nil
	}
	return err
}

// ListFragments returns up to limit fragments with ID > afterID, ordered by ID.
func (r *FragmentRepository) ListFragments(ctx context.Context, afterID core.ID, limit int) ([]*core.ContentFragment, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidQuery
	}

	fragments := make([]*core.ContentFragment, 0, limit)
	err := r.backend.View(ctx, func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(fragmentPrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Seek(makeFragmentKey(afterID)); iter.Valid() && len(fragments) < limit; iter.Next() {
			item := iter.Item()
			if lastID(item.Key()) <= afterID {
				continue
			}
			err := item.Value(func(val []byte) error {
				fragment, err := storage.UnmarshalFragment(val)
				if err != nil {
					return err
				}
				fragments = append(fragments, fragment)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return fragments, err
}

// CountFragments returns the total number of stored fragments.
func (r *FragmentRepository) CountFragments(ctx context.Context) (int, error) {
	return r.backend.countPrefix(ctx, []byte(fragmentPrefix))
}

// EmbeddingDimension returns the recorded fragment vector width.
func (r *FragmentRepository) EmbeddingDimension(ctx context.Context) (int, error) {
	return r.backend.embeddingDimension(ctx, fragmentDimension)
}

// SetEmbeddingDimension overrides the recorded fragment vector width.
func (r *FragmentRepository) SetEmbeddingDimension(ctx context.Context, dim int) error {
	return r.backend.setEmbeddingDimension(ctx, fragmentDimension, dim)
}

// readFragment reads a fragment, returning nil, nil when the key is absent.
func readFragment(tx *badger.Txn, key []byte) (*core.ContentFragment, error) {
	item, err := tx.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var fragment *core.ContentFragment
	err = item.Value(func(val []byte) error {
		var uerr error
		fragment, uerr = storage.UnmarshalFragment(val)
		return uerr
	})
	return fragment, err
}

// writeFragment stores a fragment and moves its scope index entry if the scope changed.
func writeFragment(tx *badger.Txn, f *core.ContentFragment) error {
	key := makeFragmentKey(f.Id)
	old, err := readFragment(tx, key)
	if err != nil {
		return err
	}
	if old != nil {
		if err := tx.Delete(makeFragmentScopeKey(old)); err != nil {
			return err
		}
	}
	if err := tx.Set(key, storage.MarshalFragment(f)); err != nil {
		return err
	}
	return tx.Set(makeFragmentScopeKey(f), nil)
}

// countPrefix counts keys under prefix without reading values.
func (b *Backend) countPrefix(ctx context.Context, prefix []byte) (int, error) {
	count := 0
	err := b.View(ctx, func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		iter := tx.NewIterator(opts)
		defer iter.Close()
		for iter.Rewind(); iter.Valid(); iter.Next() {
			count++
		}
		return nil
	})
	return count, err
}
