package stage

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/stage/internal/utils"
	"golang.org/x/exp/slog"
)

// CopySubmitter accumulates the copy commands recorded within one tick and dispatches
// them to the device queue as a single batch, amortizing submission overhead across
// every update issued that tick. Submission is decoupled from block reclamation, so
// reclaiming blocks never delays a submit. Flush is driven explicitly by the consumer
// once per tick; the submitter never flushes on a timer.
type CopySubmitter struct {
	logger *slog.Logger
	device TransferDevice

	mutex         utils.OptionalMutex
	pendingCopies int
	pendingBytes  int
	submitCount   int
}

func (s *CopySubmitter) Init(useMutex bool, logger *slog.Logger, device TransferDevice) {
	s.logger = logger
	s.device = device
	s.mutex = utils.OptionalMutex{
		UseMutex: useMutex,
	}
}

// EnqueueCopy records a copy from src into dst within the current batch. Nothing
// reaches the device queue until Flush.
func (s *CopySubmitter) EnqueueCopy(src TransferMemory, dst DestinationResource, dstOffset, byteLength int) error {
	err := s.device.EnqueueCopy(src, dst, dstOffset, byteLength)
	if err != nil {
		return errors.Wrapf(err, "failed to record a %d-byte copy at destination offset %d", byteLength, dstOffset)
	}

	s.mutex.Lock()
	s.pendingCopies++
	s.pendingBytes += byteLength
	s.mutex.Unlock()

	return nil
}

// Flush submits the current batch to the device queue. A tick with no recorded copies
// makes no submission at all.
func (s *CopySubmitter) Flush() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.pendingCopies == 0 {
		return nil
	}

	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "CopySubmitter::Flush",
		slog.Int("copies", s.pendingCopies),
		slog.Int("bytes", s.pendingBytes))

	err := s.device.SubmitBatch()
	if err != nil {
		return errors.Wrap(err, "failed to submit the pending copy batch")
	}

	s.submitCount++
	s.pendingCopies = 0
	s.pendingBytes = 0

	return nil
}

func (s *CopySubmitter) PendingCopyCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.pendingCopies
}

func (s *CopySubmitter) SubmitCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.submitCount
}
