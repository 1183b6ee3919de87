package blockcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PISAresearch/pisa-sub003/chain"
)

func block(height uint64, hash, parent byte) chain.Block {
	b := chain.Block{Height: height}
	b.Hash[0] = hash
	b.ParentHash[0] = parent
	return b
}

func TestAddBlockAttachesGenesisAndChild(t *testing.T) {
	c := New(10)
	var seen []chain.Block
	c.OnNewBlock(func(b chain.Block) { seen = append(seen, b) })

	g := block(1, 1, 0)
	res, err := c.AddBlock(g)
	require.NoError(t, err)
	require.Equal(t, Added, res)

	child := block(2, 2, 1)
	res, err = c.AddBlock(child)
	require.NoError(t, err)
	require.Equal(t, Added, res)

	require.Len(t, seen, 2)
	require.Equal(t, uint64(2), c.MaxHeight())
}

func TestAddBlockDetachedThenAttachedPromotion(t *testing.T) {
	c := New(10)
	var seen []chain.Block
	c.OnNewBlock(func(b chain.Block) { seen = append(seen, b) })

	g := block(1, 1, 0)
	_, err := c.AddBlock(g)
	require.NoError(t, err)

	// child of a not-yet-seen parent arrives first: detached.
	grandchild := block(3, 3, 2)
	res, err := c.AddBlock(grandchild)
	require.NoError(t, err)
	require.Equal(t, AddedDetached, res)
	require.False(t, c.HasBlock(grandchild.Hash, false))
	require.True(t, c.HasBlock(grandchild.Hash, true))

	// its parent now arrives, attached to genesis: both promote.
	child := block(2, 2, 1)
	res, err = c.AddBlock(child)
	require.NoError(t, err)
	require.Equal(t, Added, res)

	require.True(t, c.HasBlock(grandchild.Hash, false))
	_, ok := c.GetBlock(grandchild.Hash)
	require.True(t, ok)

	// the grandchild's "new block" fires only once it is promoted, after
	// its parent's.
	require.Len(t, seen, 3)
	require.Equal(t, child.Hash, seen[1].Hash)
	require.Equal(t, grandchild.Hash, seen[2].Hash)
}

func TestAddBlockAlreadyExisted(t *testing.T) {
	c := New(10)
	g := block(1, 1, 0)
	_, err := c.AddBlock(g)
	require.NoError(t, err)

	res, err := c.AddBlock(g)
	require.NoError(t, err)
	require.Equal(t, NotAddedAlreadyExisted, res)

	detached := block(5, 5, 4)
	_, err = c.AddBlock(detached)
	require.NoError(t, err)
	res, err = c.AddBlock(detached)
	require.NoError(t, err)
	require.Equal(t, NotAddedAlreadyExistedDetached, res)
}

func TestAddBlockBelowMinHeightRejected(t *testing.T) {
	c := New(10)
	_, err := c.AddBlock(block(5, 5, 4))
	require.NoError(t, err)

	res, err := c.AddBlock(block(2, 2, 1))
	require.NoError(t, err)
	require.Equal(t, NotAddedBlockNumberTooLow, res)
}

func TestPruneFloorRetainsOnlyMaxDepth(t *testing.T) {
	c := New(3)
	for h := uint64(1); h <= 10; h++ {
		_, err := c.AddBlock(block(h, byte(h), byte(h-1)))
		require.NoError(t, err)
	}
	require.Equal(t, uint64(10), c.MaxHeight())
	require.Equal(t, uint64(7), c.MinHeight())

	_, ok := c.GetBlock(chain.Hash{6})
	require.False(t, ok)
	_, ok = c.GetBlock(chain.Hash{7})
	require.True(t, ok)
}

func TestSetHeadAndHead(t *testing.T) {
	c := New(10)
	g := block(1, 1, 0)
	_, err := c.AddBlock(g)
	require.NoError(t, err)

	require.NoError(t, c.SetHead(g.Hash))
	require.Equal(t, g.Hash, c.Head().Hash)

	err = c.SetHead(chain.Hash{99})
	require.Error(t, err)
	require.True(t, ErrUnknownHead.Is(err))
}

func TestHeadBeforeSetPanics(t *testing.T) {
	c := New(10)
	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(error)
		require.True(t, ok)
		require.True(t, ErrHeadNotSet.Is(err))
	}()
	c.Head()
}

func TestFindAncestor(t *testing.T) {
	c := New(10)
	for h := uint64(1); h <= 5; h++ {
		_, err := c.AddBlock(block(h, byte(h), byte(h-1)))
		require.NoError(t, err)
	}
	found, ok := c.FindAncestor(chain.Hash{5}, 0, func(b chain.Block) bool { return b.Height == 3 })
	require.True(t, ok)
	require.Equal(t, uint64(3), found.Height)

	_, ok = c.FindAncestor(chain.Hash{5}, 4, func(b chain.Block) bool { return b.Height == 2 })
	require.False(t, ok)
}
