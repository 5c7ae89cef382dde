package registry

import (
	"errors"
	"fmt"
)

// ErrAdmissionRejected is matched by every error Enqueue returns for a
// connection that was not admitted. The caller still owns the raw channel
// and must close it.
var ErrAdmissionRejected = errors.New("admission rejected")

var (
	// ErrCapacity reports that the global connection limit is reached.
	ErrCapacity = fmt.Errorf("%w: server at capacity", ErrAdmissionRejected)
	// ErrRoomFull reports that the room already holds MaxPerRoom connections.
	ErrRoomFull = fmt.Errorf("%w: room is full", ErrAdmissionRejected)
	// ErrRateLimited reports that admissions arrive faster than AdmissionRate.
	ErrRateLimited = fmt.Errorf("%w: admission rate exceeded", ErrAdmissionRejected)
	// ErrHandshake reports a failed or timed out Initialize.
	ErrHandshake = fmt.Errorf("%w: handshake failed", ErrAdmissionRejected)
)

// ErrLockTimeout reports that a guard could not be acquired within
// LockTimeout. It is never retried internally.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// ErrTransportClosed is returned (or wrapped) by a Channel whose peer is
// gone. Connection.Send stops retrying as soon as it sees it.
var ErrTransportClosed = errors.New("transport closed")
