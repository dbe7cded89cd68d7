package session

import (
	"encoding/binary"
	"errors"
	"sync"
)

var (
	// ErrEmptyUpdate indicates an update frame with no payload.
	ErrEmptyUpdate = errors.New("session: empty update")
	// ErrCorruptState indicates persisted bytes that do not decode as frames.
	ErrCorruptState = errors.New("session: corrupt persisted state")
)

// State is the in-memory document handle. The merge algorithm itself is the
// client library's concern; the server only needs to fold opaque update
// bytes into a handle and encode the full state back out for persistence.
type State interface {
	// ApplyUpdate folds one update into the handle. Must not block on I/O.
	ApplyUpdate(update []byte) error
	// EncodeState returns an immutable full-state snapshot.
	EncodeState() []byte
}

// StateFactory materializes a handle from persisted bytes. Nil or empty
// input starts a fresh document.
type StateFactory func(persisted []byte) (State, error)

// updateLog is the default State: an ordered log of update frames. Encoding
// is uvarint length-prefixed concatenation, which late joiners replay in
// order; the updates themselves merge order-independently client-side.
type updateLog struct {
	mu     sync.Mutex
	frames [][]byte
	size   int
}

// NewUpdateLogState decodes persisted frames into a fresh handle.
func NewUpdateLogState(persisted []byte) (State, error) {
	log := &updateLog{}
	rest := persisted
	for len(rest) > 0 {
		frameLen, read := binary.Uvarint(rest)
		if read <= 0 || frameLen == 0 || uint64(len(rest)-read) < frameLen {
			return nil, ErrCorruptState
		}
		frame := make([]byte, frameLen)
		copy(frame, rest[read:read+int(frameLen)])
		log.frames = append(log.frames, frame)
		log.size += read + int(frameLen)
		rest = rest[read+int(frameLen):]
	}
	return log, nil
}

func (l *updateLog) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return ErrEmptyUpdate
	}
	frame := make([]byte, len(update))
	copy(frame, update)

	var header [binary.MaxVarintLen64]byte
	headerLen := binary.PutUvarint(header[:], uint64(len(frame)))

	l.mu.Lock()
	l.frames = append(l.frames, frame)
	l.size += headerLen + len(frame)
	l.mu.Unlock()
	return nil
}

func (l *updateLog) EncodeState() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	encoded := make([]byte, 0, l.size)
	var header [binary.MaxVarintLen64]byte
	for _, frame := range l.frames {
		headerLen := binary.PutUvarint(header[:], uint64(len(frame)))
		encoded = append(encoded, header[:headerLen]...)
		encoded = append(encoded, frame...)
	}
	return encoded
}
