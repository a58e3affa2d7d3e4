package search

import (
	"github.com/poiesic/codex/core"
)

// Channel names a ranking channel.
type Channel string

const (
	ChannelVector  Channel = "vector"
	ChannelKeyword Channel = "keyword"
)

// RankMonitor provides hooks to observe fused retrieval.
// Implement this interface to track intermediate rankings during a query.
type RankMonitor interface {
	Start(query *FusedQuery)
	AfterVectorChannel(ranked []core.ID)
	AfterKeywordChannel(ranked []core.ID)
	BudgetExhausted(channel Channel)
	Finish(results []*core.RetrievalResult)
}

// noopMonitor is a no-op implementation of RankMonitor
type noopMonitor struct{}

var _ RankMonitor = (*noopMonitor)(nil)

func (n *noopMonitor) Start(_ *FusedQuery)              {}
func (n *noopMonitor) AfterVectorChannel(_ []core.ID)   {}
func (n *noopMonitor) AfterKeywordChannel(_ []core.ID)  {}
func (n *noopMonitor) BudgetExhausted(_ Channel)        {}
func (n *noopMonitor) Finish(_ []*core.RetrievalResult) {}
