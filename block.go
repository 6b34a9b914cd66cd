package stage

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
)

type blockState uint32

const (
	// blockStateMapped means the block's memory is CPU-writable and the block is
	// checked out to a writer.
	blockStateMapped blockState = iota
	// blockStateInFlight means a copy reading this block has been enqueued and the
	// block must not be written.
	blockStateInFlight
	// blockStateRemapping means an asynchronous remap has been requested but has not
	// completed yet.
	blockStateRemapping
	// blockStateReady means the block sits in the pool's ready collection. A ready
	// block's memory is already mapped, so checkout is just removal from that
	// collection.
	blockStateReady
)

var blockStateMapping = make(map[blockState]string)

func (s blockState) String() string {
	return blockStateMapping[s]
}

func init() {
	blockStateMapping[blockStateMapped] = "blockStateMapped"
	blockStateMapping[blockStateInFlight] = "blockStateInFlight"
	blockStateMapping[blockStateRemapping] = "blockStateRemapping"
	blockStateMapping[blockStateReady] = "blockStateReady"
}

var transferBlockPool = sync.Pool{
	New: func() any {
		return &transferBlock{}
	},
}

// transferBlock is one reusable staging block. It is exclusively owned by exactly one
// of the pool's ready collection, the writer that checked it out, the in-flight copy,
// or the pending remap at any time.
type transferBlock struct {
	id         int
	size       int
	state      blockState
	memory     TransferMemory
	parentPool *blockPool
}

func (b *transferBlock) Init(pool *blockPool, id int, size int, memory TransferMemory) {
	if b.memory != nil {
		panic("attempting to initialize a transfer block that is already in use")
	}

	b.parentPool = pool
	b.id = id
	b.size = size
	b.memory = memory
	b.state = blockStateMapped
}

// transitionState asserts the block's current state before moving it. Call sites
// define the legal state machine, so a mismatch is an internal invariant violation.
func (b *transferBlock) transitionState(from, to blockState) {
	if b.state != from {
		panic(fmt.Sprintf("transfer block %d attempted an illegal state transition to %s: expected state %s but block was in state %s", b.id, to.String(), from.String(), b.state.String()))
	}
	b.state = to
}

func (b *transferBlock) Destroy() {
	if b.memory == nil {
		panic("attempting to destroy a transfer block that has no backing device memory")
	}

	b.memory.Destroy()
	b.memory = nil
	b.parentPool = nil
	b.state = blockStateMapped
}

func (b *transferBlock) Validate() error {
	if b.memory == nil {
		return errors.Newf("transfer block %d has no backing device memory", b.id)
	}
	if b.size < 1 {
		return errors.Newf("transfer block %d has an invalid size %d", b.id, b.size)
	}

	return nil
}
