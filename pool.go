package stage

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/stage/internal/utils"
	"golang.org/x/exp/slog"
)

// blockPool owns every transfer block created for one upload stream. All blocks in a
// pool share the stream's fixed byte length. The pool hands out ready blocks with a
// LIFO discipline: reusing the most recently remapped block keeps a pool that briefly
// grew under burst load working from a small warm set once load subsides, without any
// explicit shrink logic.
type blockPool struct {
	logger       *slog.Logger
	device       TransferDevice
	parentStream *UploadStream

	blockSize     int
	maxBlockCount int

	mutex       utils.OptionalRWMutex
	blocks      *swiss.Map[int, *transferBlock]
	ready       []*transferBlock
	nextBlockId int

	checkedOutCount int
	inFlightCount   int
	reservedCount   int
	destroyed       bool

	createdCount   int
	lostCount      int
	peakBlockCount int
}

func (p *blockPool) BlockSize() int     { return p.blockSize }
func (p *blockPool) MaxBlockCount() int { return p.maxBlockCount }

func (p *blockPool) Init(
	useMutex bool,
	logger *slog.Logger,
	device TransferDevice,
	stream *UploadStream,
	blockSize int,
	maxBlockCount int,
) {
	p.logger = logger
	p.device = device
	p.parentStream = stream
	p.blockSize = blockSize
	p.maxBlockCount = maxBlockCount
	p.blocks = swiss.NewMap[int, *transferBlock](8)
	p.mutex = utils.OptionalRWMutex{
		UseMutex: useMutex,
	}
}

// createMinBlocks pre-warms the pool so the first updates do not pay the device
// allocation latency spike.
func (p *blockPool) createMinBlocks(minBlockCount int) error {
	for i := 0; i < minBlockCount; i++ {
		block, err := p.createBlock()
		if err != nil {
			return err
		}

		p.mutex.Lock()
		block.transitionState(blockStateMapped, blockStateReady)
		p.ready = append(p.ready, block)
		p.mutex.Unlock()
	}

	return nil
}

// acquire returns a CPU-writable block checked out to the caller. It pops the
// most-recently-returned ready block when one exists and otherwise creates a new
// block, which is immediately writable. acquire never blocks.
func (p *blockPool) acquire() (*transferBlock, error) {
	p.mutex.Lock()

	if p.destroyed {
		p.mutex.Unlock()
		panic("attempted to acquire a transfer block from a destroyed pool")
	}

	if readyCount := len(p.ready); readyCount > 0 {
		block := p.ready[readyCount-1]
		p.ready = p.ready[:readyCount-1]
		block.transitionState(blockStateReady, blockStateMapped)
		p.checkedOutCount++
		p.mutex.Unlock()

		p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Reusing ready block",
			slog.Int("block.id", block.id))
		return block, nil
	}

	// Reserving the slot under the same lock as the cap check keeps concurrent
	// acquires from both passing the check and both creating.
	if p.maxBlockCount > 0 && p.blocks.Count()+p.reservedCount >= p.maxBlockCount {
		blockCount := p.blocks.Count()
		p.mutex.Unlock()
		return nil, errors.Wrapf(ErrResourceExhausted,
			"the pool holds %d blocks, its cap is %d, and none are ready for reuse", blockCount, p.maxBlockCount)
	}
	p.reservedCount++
	p.mutex.Unlock()

	block, err := p.createBlock()

	p.mutex.Lock()
	p.reservedCount--
	if err != nil {
		p.mutex.Unlock()
		return nil, err
	}
	p.checkedOutCount++
	p.mutex.Unlock()

	return block, nil
}

func (p *blockPool) createBlock() (*transferBlock, error) {
	memory, err := p.device.CreateTransferBlock(p.blockSize)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create a %d-byte transfer block", p.blockSize)
	}

	debugFillBlock(memory, p.blockSize)

	block := transferBlockPool.Get().(*transferBlock)

	p.mutex.Lock()
	block.Init(p, p.nextBlockId, p.blockSize, memory)
	p.nextBlockId++
	p.blocks.Put(block.id, block)
	p.createdCount++
	if p.blocks.Count() > p.peakBlockCount {
		p.peakBlockCount = p.blocks.Count()
	}
	p.mutex.Unlock()

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new block",
		slog.Int("block.id", block.id),
		slog.Int("block.size", p.blockSize))

	return block, nil
}

// release is called after the copy reading this block has been enqueued. The remap is
// requested unconditionally and immediately, never deferred, so the block re-enters
// circulation at the earliest point the device permits. release never blocks waiting
// for the remap to complete.
func (p *blockPool) release(block *transferBlock) {
	p.mutex.Lock()
	block.transitionState(blockStateMapped, blockStateInFlight)
	block.transitionState(blockStateInFlight, blockStateRemapping)
	p.checkedOutCount--
	p.inFlightCount++
	p.mutex.Unlock()

	err := block.memory.RequestRemap(func() {
		p.onRemapComplete(block)
	})
	if err == nil {
		return
	}

	// The device could not schedule the remap. The block is permanently lost; the
	// pool self-heals by creating a replacement on the next acquire.
	p.mutex.Lock()
	p.blocks.Delete(block.id)
	p.inFlightCount--
	p.lostCount++
	p.mutex.Unlock()

	p.logger.LogAttrs(context.Background(), slog.LevelWarn, "abandoning transfer block that could not be remapped",
		slog.Int("block.id", block.id),
		slog.Any("error", err))

	block.Destroy()
	transferBlockPool.Put(block)
}

// onRemapComplete runs from the device's completion context, which may be decoupled
// from the caller's control flow. Pool mutations are synchronized unless the consumer
// promised external synchronization at creation.
func (p *blockPool) onRemapComplete(block *transferBlock) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.destroyed {
		return
	}

	block.transitionState(blockStateRemapping, blockStateReady)
	p.inFlightCount--
	p.ready = append(p.ready, block)
}

// restore returns a checked-out block that was never attached to a copy straight to
// the ready collection.
func (p *blockPool) restore(block *transferBlock) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	block.transitionState(blockStateMapped, blockStateReady)
	p.checkedOutCount--
	p.ready = append(p.ready, block)
}

func (p *blockPool) Destroy() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.inFlightCount > 0 || p.checkedOutCount > 0 {
		return errors.Newf("%d transfer blocks are still attached to outstanding writes or device transfers: flush and poll the device before destroying this stream", p.inFlightCount+p.checkedOutCount)
	}

	p.blocks.Iter(func(id int, block *transferBlock) bool {
		block.Destroy()
		transferBlockPool.Put(block)
		return false
	})
	p.blocks = swiss.NewMap[int, *transferBlock](0)
	p.ready = nil
	p.destroyed = true

	return nil
}

func (p *blockPool) Validate() error {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if len(p.ready)+p.checkedOutCount+p.inFlightCount != p.blocks.Count() {
		return errors.Newf("the pool owns %d blocks but accounts for %d ready, %d checked out, and %d in flight",
			p.blocks.Count(), len(p.ready), p.checkedOutCount, p.inFlightCount)
	}

	for readyIndex := 0; readyIndex < len(p.ready); readyIndex++ {
		block := p.ready[readyIndex]
		if block.state != blockStateReady {
			return errors.Newf("block %d sits in the ready collection but is in state %s", block.id, block.state.String())
		}

		err := block.Validate()
		if err != nil {
			return err
		}
	}

	return nil
}

func (p *blockPool) AddStatistics(stats *Statistics) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	stats.BlockCount += p.blocks.Count()
	stats.ReadyBlockCount += len(p.ready)
	stats.BlockBytes += p.blocks.Count() * p.blockSize
	stats.LostBlockCount += p.lostCount
}

func (p *blockPool) AddDetailedStatistics(stats *DetailedStatistics) {
	p.AddStatistics(&stats.Statistics)

	p.mutex.RLock()
	defer p.mutex.RUnlock()

	stats.CreatedBlockCount += p.createdCount
	if p.peakBlockCount > stats.PeakBlockCount {
		stats.PeakBlockCount = p.peakBlockCount
	}
}
