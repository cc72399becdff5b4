package collab

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// IDProvider issues opaque unique identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

type ksuidProvider struct{}

// NewKSUIDProvider constructs an IDProvider whose identifiers sort by creation time.
func NewKSUIDProvider() IDProvider {
	return &ksuidProvider{}
}

func (p *ksuidProvider) NewID() (string, error) {
	value, err := ksuid.NewRandom()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// byteRejectionBound is the largest multiple of the alphabet size that fits in a byte.
const byteRejectionBound = 256 - (256 % len(roomIDAlphabet))

// GenerateRoomID draws a uniformly distributed room code from source.
func GenerateRoomID(source io.Reader) (RoomID, error) {
	if source == nil {
		source = rand.Reader
	}
	code := make([]byte, 0, roomIDLength)
	buffer := make([]byte, roomIDLength*2)
	for len(code) < roomIDLength {
		if _, err := io.ReadFull(source, buffer); err != nil {
			return "", fmt.Errorf("collab: read room id entropy: %w", err)
		}
		for _, b := range buffer {
			if int(b) >= byteRejectionBound {
				continue
			}
			code = append(code, roomIDAlphabet[int(b)%len(roomIDAlphabet)])
			if len(code) == roomIDLength {
				break
			}
		}
	}
	return RoomID(code), nil
}
