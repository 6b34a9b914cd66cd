package stage

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func readySubmitter(device *fakeDevice) *CopySubmitter {
	submitter := &CopySubmitter{}
	submitter.Init(true, testLogger(), device)
	return submitter
}

func TestCopySubmitterBatchesUntilFlush(t *testing.T) {
	device := &fakeDevice{}
	submitter := readySubmitter(device)
	resource := &fakeResource{data: make([]byte, 256), transferDst: true}

	for i := 0; i < 3; i++ {
		memory, err := device.CreateTransferBlock(64)
		require.NoError(t, err)
		require.NoError(t, submitter.EnqueueCopy(memory, resource, i*64, 64))
	}

	// Recorded, not submitted.
	require.Equal(t, 3, submitter.PendingCopyCount())
	require.Equal(t, 0, device.submitted)

	require.NoError(t, submitter.Flush())
	require.Equal(t, 1, device.submitted)
	require.Equal(t, 0, submitter.PendingCopyCount())
	require.Equal(t, 1, submitter.SubmitCount())
}

func TestCopySubmitterEmptyFlushIsNoOp(t *testing.T) {
	device := &fakeDevice{}
	submitter := readySubmitter(device)

	require.NoError(t, submitter.Flush())
	require.NoError(t, submitter.Flush())
	require.Equal(t, 0, device.submitted)
	require.Equal(t, 0, submitter.SubmitCount())
}

func TestCopySubmitterKeepsBatchOnSubmitFailure(t *testing.T) {
	device := &fakeDevice{}
	submitter := readySubmitter(device)
	resource := &fakeResource{data: make([]byte, 64), transferDst: true}

	memory, err := device.CreateTransferBlock(64)
	require.NoError(t, err)
	require.NoError(t, submitter.EnqueueCopy(memory, resource, 0, 64))

	device.submitErr = errors.New("queue submit failed")
	require.Error(t, submitter.Flush())
	require.Equal(t, 1, submitter.PendingCopyCount())
	require.Equal(t, 0, submitter.SubmitCount())

	device.submitErr = nil
	require.NoError(t, submitter.Flush())
	require.Equal(t, 0, submitter.PendingCopyCount())
	require.Equal(t, 1, submitter.SubmitCount())
}

func TestCopySubmitterRejectedCopyIsNotCounted(t *testing.T) {
	device := &fakeDevice{}
	submitter := readySubmitter(device)
	resource := &fakeResource{data: make([]byte, 64), transferDst: false}

	memory, err := device.CreateTransferBlock(64)
	require.NoError(t, err)

	err = submitter.EnqueueCopy(memory, resource, 0, 64)
	require.ErrorIs(t, err, ErrIncompatibleResource)
	require.Equal(t, 0, submitter.PendingCopyCount())
}
