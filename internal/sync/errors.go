package syncstate

import (
	"errors"

	"github.com/example/inksync/internal/oplog"
	"github.com/example/inksync/internal/presence"
	"github.com/example/inksync/internal/transport"
	"github.com/example/inksync/internal/types"
)

var (
	// ErrDuplicateOperation is returned when an operation was already applied.
	ErrDuplicateOperation = oplog.ErrDuplicateOperation

	// ErrNeedsFullSnapshot means a peer's clock predates log compaction.
	ErrNeedsFullSnapshot = oplog.ErrNeedsFullSnapshot

	// ErrTransportFailure wraps send and connection failures.
	ErrTransportFailure = transport.ErrTransportFailure

	// ErrMalformedOperation marks frames and operations that fail validation.
	ErrMalformedOperation = types.ErrMalformedOperation

	// ErrClockRegression is returned when an origin's clock moves backwards.
	ErrClockRegression = presence.ErrClockRegression

	// ErrVersionSkew is fatal for a link: the peer needs a full snapshot and
	// none can be served.
	ErrVersionSkew = errors.New("version skew: peer needs a snapshot that is not available")

	// ErrEngineStopped is returned by calls made after Run has returned.
	ErrEngineStopped = errors.New("sync engine stopped")
)
