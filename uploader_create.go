package stage

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific uploader behaviors to activate or deactivate
type CreateFlags int32

var uploaderCreateFlagsMapping = make(map[CreateFlags]string)

func (f CreateFlags) String() string {
	return uploaderCreateFlagsMapping[f]
}

const (
	// UploaderCreateExternallySynchronized ensures that this uploader and all objects
	// created from it will not be synchronized internally. The consumer must guarantee
	// they are used from only one thread at a time, remap completion notifications
	// included, or are synchronized by some other mechanism, but performance may
	// improve because internal mutexes are not used.
	UploaderCreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	uploaderCreateFlagsMapping[UploaderCreateExternallySynchronized] = "UploaderCreateExternallySynchronized"
}

// CreateOptions contains optional settings when creating an uploader
type CreateOptions struct {
	// Flags indicates specific uploader behaviors to activate or deactivate
	Flags CreateFlags
}

// New creates a new Uploader that stages updates through the provided device layer.
//
// logger - Receives debug and degradation output from the uploader and everything it
// creates
//
// device - The device layer transfer blocks are created on and copies are submitted to
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, device TransferDevice, options CreateOptions) (*Uploader, error) {
	if logger == nil {
		return nil, errors.New("attempted to create an uploader with a nil logger")
	}
	if device == nil {
		return nil, errors.New("attempted to create an uploader with a nil transfer device")
	}

	useMutex := options.Flags&UploaderCreateExternallySynchronized == 0

	uploader := &Uploader{
		useMutex:    useMutex,
		logger:      logger,
		device:      device,
		createFlags: options.Flags,
	}
	uploader.submitter.Init(useMutex, logger, device)
	uploader.streamsMutex.UseMutex = useMutex

	return uploader, nil
}
