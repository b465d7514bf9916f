package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const sessionFormatVersionCurrent = 1

// tombstoneMarker is the whole stored value of an invalidated session.
// Version byte zero can never collide with a live record.
const tombstoneMarker = "\x00"

// ErrCorrupt is returned when a stored session blob cannot be decoded.
var ErrCorrupt = errors.New("session record corrupt")

func Encode(s *Session) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(sessionFormatVersionCurrent)

	if len(s.UserID) == 0 || len(s.UserID) > 255 {
		return nil, errors.New("invalid userID length")
	}
	buf.WriteByte(byte(len(s.UserID)))
	buf.WriteString(s.UserID)

	if err := binary.Write(&buf, binary.BigEndian, s.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, s.ExpiresAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, s.LastActivityAt); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decode parses a stored blob. Tombstoned records decode to (nil, nil):
// logically absent, not an error.
func Decode(data []byte) (*Session, error) {
	if len(data) == 0 {
		return nil, ErrCorrupt
	}
	if data[0] == 0 {
		return nil, nil
	}
	if data[0] != sessionFormatVersionCurrent {
		return nil, ErrCorrupt
	}

	reader := bytes.NewReader(data[1:])

	userLen, err := reader.ReadByte()
	if err != nil || userLen == 0 {
		return nil, ErrCorrupt
	}
	userID := make([]byte, int(userLen))
	if _, err := io.ReadFull(reader, userID); err != nil {
		return nil, ErrCorrupt
	}

	var createdAt, expiresAt, lastActivityAt int64
	if err := binary.Read(reader, binary.BigEndian, &createdAt); err != nil {
		return nil, ErrCorrupt
	}
	if err := binary.Read(reader, binary.BigEndian, &expiresAt); err != nil {
		return nil, ErrCorrupt
	}
	if err := binary.Read(reader, binary.BigEndian, &lastActivityAt); err != nil {
		return nil, ErrCorrupt
	}
	if reader.Len() != 0 {
		return nil, ErrCorrupt
	}

	return &Session{
		UserID:         string(userID),
		CreatedAt:      createdAt,
		ExpiresAt:      expiresAt,
		LastActivityAt: lastActivityAt,
	}, nil
}
