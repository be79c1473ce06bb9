package textcrdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrUnknownFormat indicates that a payload does not carry the update header.
	ErrUnknownFormat = errors.New("textcrdt: unknown payload format")
	// ErrMalformedUpdate indicates that a payload carries the header but cannot be decoded.
	ErrMalformedUpdate = errors.New("textcrdt: malformed update")
	// ErrOutOfRange indicates that a local edit addressed a position outside the text.
	ErrOutOfRange = errors.New("textcrdt: position out of range")
)

const (
	formatVersion   byte = 1
	flagDeleted     byte = 1 << 0
	maxElementCount      = 1 << 26
)

var formatMagic = []byte("SCRB")

// Wire layout:
//
//	"SCRB" | version | uvarint count | count × element
//	element = uvarint client | uvarint clock | uvarint origin client | uvarint origin clock | uvarint rune | flags
func encodeElements(elements []*element) []byte {
	buffer := make([]byte, 0, len(formatMagic)+1+binary.MaxVarintLen64+len(elements)*12)
	buffer = append(buffer, formatMagic...)
	buffer = append(buffer, formatVersion)
	buffer = binary.AppendUvarint(buffer, uint64(len(elements)))
	for _, current := range elements {
		buffer = binary.AppendUvarint(buffer, current.id.Client)
		buffer = binary.AppendUvarint(buffer, current.id.Clock)
		buffer = binary.AppendUvarint(buffer, current.origin.Client)
		buffer = binary.AppendUvarint(buffer, current.origin.Clock)
		buffer = binary.AppendUvarint(buffer, uint64(current.value))
		var flags byte
		if current.deleted {
			flags |= flagDeleted
		}
		buffer = append(buffer, flags)
	}
	return buffer
}

// HasHeader reports whether payload starts with the update header.
func HasHeader(payload []byte) bool {
	return len(payload) > len(formatMagic) && bytes.HasPrefix(payload, formatMagic)
}

func decodeElements(payload []byte) ([]*element, error) {
	if !HasHeader(payload) {
		return nil, ErrUnknownFormat
	}
	reader := bytes.NewReader(payload[len(formatMagic):])
	version, err := reader.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: missing version", ErrMalformedUpdate)
	}
	if version != formatVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnknownFormat, version)
	}
	count, err := binary.ReadUvarint(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: element count: %v", ErrMalformedUpdate, err)
	}
	if count > maxElementCount || count > uint64(reader.Len()) {
		return nil, fmt.Errorf("%w: element count %d exceeds payload", ErrMalformedUpdate, count)
	}

	elements := make([]*element, 0, count)
	for index := uint64(0); index < count; index++ {
		var fields [5]uint64
		for field := range fields {
			value, readErr := binary.ReadUvarint(reader)
			if readErr != nil {
				return nil, fmt.Errorf("%w: element %d: %v", ErrMalformedUpdate, index, readErr)
			}
			fields[field] = value
		}
		flags, readErr := reader.ReadByte()
		if readErr != nil {
			return nil, fmt.Errorf("%w: element %d: missing flags", ErrMalformedUpdate, index)
		}
		decoded := &element{
			id:      ID{Client: fields[0], Clock: fields[1]},
			origin:  ID{Client: fields[2], Clock: fields[3]},
			deleted: flags&flagDeleted != 0,
		}
		if decoded.id.Clock == 0 {
			return nil, fmt.Errorf("%w: element %d has zero clock", ErrMalformedUpdate, index)
		}
		if fields[4] > utf8.MaxRune || !utf8.ValidRune(rune(fields[4])) {
			return nil, fmt.Errorf("%w: element %d carries invalid rune", ErrMalformedUpdate, index)
		}
		decoded.value = rune(fields[4])
		elements = append(elements, decoded)
	}
	if reader.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, reader.Len())
	}
	return elements, nil
}
