package stream

import (
	"sync"

	"github.com/zenflow/copilot-stream/internal/copilot/types"
)

// maxPooledBlocks bounds the free list so a burst of long turns does not
// pin memory forever.
const maxPooledBlocks = 20

// BlockPool is a bounded free list of content blocks used to reduce
// allocation churn while a turn is streaming. Pool membership is never
// observable: committed blocks are always clones, and working blocks are
// only recycled once no message references them.
type BlockPool struct {
	mu   sync.Mutex
	free []*types.ContentBlock
}

// NewBlockPool creates an empty pool
func NewBlockPool() *BlockPool {
	return &BlockPool{}
}

// Get returns a zeroed block, reusing a pooled one when available
func (p *BlockPool) Get() *types.ContentBlock {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		b := p.free[n-1]
		p.free = p.free[:n-1]
		return b
	}
	return &types.ContentBlock{}
}

// Put recycles a single block
func (p *BlockPool) Put(b *types.ContentBlock) {
	if b == nil {
		return
	}
	b.Reset()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) < maxPooledBlocks {
		p.free = append(p.free, b)
	}
}

// Release recycles a whole working block list
func (p *BlockPool) Release(blocks []*types.ContentBlock) {
	for _, b := range blocks {
		p.Put(b)
	}
}

// Size returns the current free-list length
func (p *BlockPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
