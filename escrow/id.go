package escrow

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// ID is the canonical 32-byte escrow identifier.
type ID [32]byte

// IDGenerator produces an identifier for a new escrow.
type IDGenerator func(buyer, seller string, amount uint64, createdAt time.Time) ID

func (id ID) String() string { return hex.EncodeToString(id[:]) }

// Short is a display alias for logs. It is not unique and never used for lookup.
func (id ID) Short() string { return hex.EncodeToString(id[:4]) }

// IsZero reports whether id was never assigned.
func (id ID) IsZero() bool { return id == ID{} }

// ParseID decodes a 64-character hex identifier.
func ParseID(s string) (ID, error) {
	var id ID
	if len(s) != hex.EncodedLen(len(id)) {
		return ID{}, fmt.Errorf("%w: id must be %d hex characters", ErrInvalidInput, hex.EncodedLen(len(id)))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return ID{}, fmt.Errorf("%w: id: %v", ErrInvalidInput, err)
	}
	return id, nil
}

// DeriveID hashes the creation context together with a random nonce so that
// two escrows with identical terms never collide.
func DeriveID(buyer, seller string, amount uint64, createdAt time.Time) ID {
	return deriveID(buyer, seller, amount, createdAt, uuid.New())
}

func deriveID(buyer, seller string, amount uint64, createdAt time.Time, nonce uuid.UUID) ID {
	h, _ := blake2b.New256(nil)
	var buf [8]byte
	writeField := func(b []byte) {
		binary.BigEndian.PutUint64(buf[:], uint64(len(b)))
		h.Write(buf[:])
		h.Write(b)
	}
	writeField([]byte(buyer))
	writeField([]byte(seller))
	binary.BigEndian.PutUint64(buf[:], amount)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(createdAt.UnixNano()))
	h.Write(buf[:])
	h.Write(nonce[:])

	var id ID
	copy(id[:], h.Sum(nil))
	return id
}
