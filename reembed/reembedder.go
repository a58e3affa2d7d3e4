// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reembed

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/poiesic/codex/ai"
	"github.com/poiesic/codex/core"
	"github.com/poiesic/codex/storage"
)

// Checkpoint names used by the maintenance jobs.
const (
	FragmentCheckpoint     = "reembed-fragments"
	nodeCheckpointPrefix   = "reembed-nodes:"
	rebuildCheckpointBase  = "rebuild-graph"
	rebuildCheckpointScope = "rebuild-graph:"
)

// NodeCheckpoint returns the checkpoint name of a tenant's node re-embedding.
func NodeCheckpoint(tenant core.TenantID) string {
	return nodeCheckpointPrefix + string(tenant)
}

// Config holds configuration for maintenance jobs.
type Config struct {
	// BatchSize is the number of records to process in each batch
	BatchSize int

	// ReportInterval is how often to report progress (number of records)
	ReportInterval int

	// MaxRetries is the maximum number of attempts for a failing embedder or extractor call
	MaxRetries int

	// RetryDelay is the base delay for exponential backoff
	RetryDelay time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      100,
		ReportInterval: 100,
		MaxRetries:     3,
		RetryDelay:     1 * time.Second,
	}
}

// Validate checks that every count is positive.
func (c *Config) Validate() error {
	switch {
	case c.BatchSize < 1:
		return fmt.Errorf("%w: batch size must be at least 1, got %d", ErrInvalidConfig, c.BatchSize)
	case c.ReportInterval < 1:
		return fmt.Errorf("%w: report interval must be at least 1, got %d", ErrInvalidConfig, c.ReportInterval)
	case c.MaxRetries < 1:
		return fmt.Errorf("%w: max retries must be at least 1, got %d", ErrInvalidConfig, c.MaxRetries)
	case c.RetryDelay < 0:
		return fmt.Errorf("%w: retry delay must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Summary describes a finished job run.
type Summary struct {
	Processed  int
	Failed     int
	ItemErrors int
	Dimension  int
	Resumed    bool
	ResumeID   core.ID
	Elapsed    time.Duration
}

// job is one resumable batch walk.
type job[T any] struct {
	checkpoint string
	unit       string
	count      func(ctx context.Context) (int, error)
	forEach    func(ctx context.Context, afterID core.ID, fn func([]T) error) error
	idOf       func(T) core.ID
	process    func(ctx context.Context, batch []T, summary *Summary) (int, error)
	finish     func(ctx context.Context, dim int) error
}

// runJob loads the job's checkpoint, processes every remaining batch while
// saving progress, and deletes the checkpoint once the walk completes.
func runJob[T any](ctx context.Context, j job[T], checkpoints storage.CheckpointRepository, config *Config, progress io.Writer) (*Summary, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if progress == nil {
		progress = io.Discard
	}

	summary := &Summary{}
	if checkpoints != nil {
		cp, err := checkpoints.LoadCheckpoint(ctx, j.checkpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to load checkpoint %q: %w", j.checkpoint, err)
		}
		if cp != nil {
			summary.Resumed = true
			summary.ResumeID = cp.LastID
		}
	}

	total, err := j.count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count %s: %w", j.unit, err)
	}
	if total == 0 {
		fmt.Fprintf(progress, "No %s found in database (0 %s)\n", j.unit, j.unit)
		return summary, nil
	}

	if summary.Resumed {
		fmt.Fprintf(progress, "Resuming %s after ID %v (%d %s in store, batch size: %d)\n",
			j.checkpoint, summary.ResumeID, total, j.unit, config.BatchSize)
	} else {
		fmt.Fprintf(progress, "Starting %s of %d %s (batch size: %d)\n",
			j.checkpoint, total, j.unit, config.BatchSize)
	}

	tracker := NewProgressTracker(progress, total, config.ReportInterval).WithUnit(j.unit)
	tracker.Start()

	err = j.forEach(ctx, summary.ResumeID, func(batch []T) error {
		dim, err := j.process(ctx, batch, summary)
		if err != nil {
			return fmt.Errorf("failed to process batch: %w", err)
		}
		if dim > 0 {
			if summary.Dimension > 0 && summary.Dimension != dim {
				return fmt.Errorf("%w: %d and %d", ErrMixedDimensions, summary.Dimension, dim)
			}
			summary.Dimension = dim
		}

		summary.Processed += len(batch)
		tracker.Update(summary.Processed)

		if checkpoints == nil {
			return nil
		}
		return checkpoints.SaveCheckpoint(ctx, &core.Checkpoint{
			ProcessorType: j.checkpoint,
			LastID:        j.idOf(batch[len(batch)-1]),
			UpdatedAt:     time.Now().UTC(),
		})
	})
	if err != nil {
		return summary, err
	}

	tracker.Finish()

	if j.finish != nil && summary.Dimension > 0 {
		if err := j.finish(ctx, summary.Dimension); err != nil {
			return summary, fmt.Errorf("failed to record embedding dimension: %w", err)
		}
	}
	if checkpoints != nil {
		if err := checkpoints.DeleteCheckpoint(ctx, j.checkpoint); err != nil {
			return summary, fmt.Errorf("failed to clear checkpoint %q: %w", j.checkpoint, err)
		}
	}

	summary.Elapsed = tracker.Elapsed()
	rate := 0.0
	if secs := summary.Elapsed.Seconds(); secs > 0 {
		rate = float64(summary.Processed) / secs
	}
	fmt.Fprintf(progress, "%s complete. Processed %d %s in %v (%.1f %s/sec)\n",
		j.checkpoint, summary.Processed, j.unit, summary.Elapsed.Round(time.Second), rate, j.unit)

	return summary, nil
}

// FragmentReembedder recomputes every fragment vector with the configured embedder.
type FragmentReembedder struct {
	repo        storage.FragmentRepository
	checkpoints storage.CheckpointRepository
	config      *Config
	progress    io.Writer
	processor   *FragmentBatchProcessor
	iterator    *FragmentIterator
}

// NewFragmentReembedder creates a fragment reembedder.
// checkpoints may be nil, in which case every run starts from the first fragment.
// progress: where to write progress output (typically os.Stderr)
func NewFragmentReembedder(repo storage.FragmentRepository, embedder ai.Embedder, checkpoints storage.CheckpointRepository, config *Config, progress io.Writer) *FragmentReembedder {
	if config == nil {
		config = DefaultConfig()
	}

	return &FragmentReembedder{
		repo:        repo,
		checkpoints: checkpoints,
		config:      config,
		progress:    progress,
		processor:   NewFragmentBatchProcessor(repo, embedder, config.MaxRetries, config.RetryDelay),
		iterator:    NewFragmentIterator(repo, config.BatchSize),
	}
}

// Run re-embeds all fragments, resuming from a saved checkpoint when there is one.
// After a complete walk the store's fragment dimension is set to the new width.
func (r *FragmentReembedder) Run(ctx context.Context) (*Summary, error) {
	return runJob(ctx, job[*core.ContentFragment]{
		checkpoint: FragmentCheckpoint,
		unit:       "fragments",
		count:      r.repo.CountFragments,
		forEach:    r.iterator.ForEach,
		idOf:       func(f *core.ContentFragment) core.ID { return f.Id },
		process: func(ctx context.Context, batch []*core.ContentFragment, _ *Summary) (int, error) {
			return r.processor.Process(ctx, batch)
		},
		finish: r.repo.SetEmbeddingDimension,
	}, r.checkpoints, r.config, r.progress)
}

// NodeReembedder recomputes the node vectors of one tenant.
type NodeReembedder struct {
	repo        storage.GraphRepository
	tenant      core.TenantID
	checkpoints storage.CheckpointRepository
	config      *Config
	progress    io.Writer
	processor   *NodeBatchProcessor
	iterator    *NodeIterator
}

// NewNodeReembedder creates a node reembedder for tenant.
func NewNodeReembedder(repo storage.GraphRepository, tenant core.TenantID, embedder ai.Embedder, checkpoints storage.CheckpointRepository, config *Config, progress io.Writer) (*NodeReembedder, error) {
	if err := core.ValidateTenant(string(tenant)); err != nil {
		return nil, err
	}
	if config == nil {
		config = DefaultConfig()
	}

	return &NodeReembedder{
		repo:        repo,
		tenant:      tenant,
		checkpoints: checkpoints,
		config:      config,
		progress:    progress,
		processor:   NewNodeBatchProcessor(repo, embedder, config.MaxRetries, config.RetryDelay),
		iterator:    NewNodeIterator(repo, tenant, config.BatchSize),
	}, nil
}

// Run re-embeds the tenant's nodes. The node dimension is shared by all tenants
// and is updated after the walk completes.
func (r *NodeReembedder) Run(ctx context.Context) (*Summary, error) {
	return runJob(ctx, job[*core.KnowledgeNode]{
		checkpoint: NodeCheckpoint(r.tenant),
		unit:       "nodes",
		count: func(ctx context.Context) (int, error) {
			return r.repo.CountNodes(ctx, r.tenant)
		},
		forEach: r.iterator.ForEach,
		idOf:    func(n *core.KnowledgeNode) core.ID { return n.Id },
		process: func(ctx context.Context, batch []*core.KnowledgeNode, _ *Summary) (int, error) {
			return r.processor.Process(ctx, batch)
		},
		finish: r.repo.SetEmbeddingDimension,
	}, r.checkpoints, r.config, r.progress)
}
