// Package tlv8 implements HAP's Type-Length-Value wire framing: a 1-byte
// tag, a 1-byte length, and up to 255 bytes of payload per record, with
// values longer than 255 bytes split into consecutive same-tag fragments
// and a zero-length Separator record used to mark a true repetition
// boundary between two values that happen to share a tag.
package tlv8

import (
	"encoding/binary"
	"fmt"
)

// Tag identifies the semantic meaning of a TLV8 record's payload.
type Tag byte

const (
	Method        Tag = 0x00
	Identifier    Tag = 0x01
	Salt          Tag = 0x02
	PublicKey     Tag = 0x03
	Proof         Tag = 0x04
	EncryptedData Tag = 0x05
	State         Tag = 0x06
	Error         Tag = 0x07
	RetryDelay    Tag = 0x08
	Certificate   Tag = 0x09
	Signature     Tag = 0x0A
	Permissions   Tag = 0x0B
	FragmentData  Tag = 0x0C
	FragmentLast  Tag = 0x0D
	Flags         Tag = 0x13
	Separator     Tag = 0xFF
)

var knownTags = map[Tag]bool{
	Method: true, Identifier: true, Salt: true, PublicKey: true,
	Proof: true, EncryptedData: true, State: true, Error: true,
	RetryDelay: true, Certificate: true, Signature: true,
	Permissions: true, FragmentData: true, FragmentLast: true,
	Flags: true, Separator: true,
}

// Item is one decoded TLV8 value: a tag paired with its (already
// coalesced) payload.
type Item struct {
	Tag   Tag
	Value []byte
}

const maxFragment = 255

// ErrMalformed reports a TLV8 buffer that is truncated or otherwise does
// not parse as a sequence of (tag, length, value) records.
type ErrMalformed struct {
	Reason string
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("tlv8: malformed input: %s", e.Reason)
}

// Decode parses a TLV8 byte stream into a sequence of Items.
//
// Adjacent records that share a tag are coalesced into a single Item
// (HAP's fragmentation of values over 255 bytes); a zero-length Separator
// record between two same-tag records prevents coalescing, expressing a
// true repetition instead. Records bearing an unrecognized tag are
// skipped, per the HAP spec.
func Decode(data []byte) ([]Item, error) {
	var items []Item

	for len(data) > 0 {
		if len(data) < 2 {
			return nil, &ErrMalformed{Reason: "trailing byte with no length"}
		}
		tag := Tag(data[0])
		length := int(data[1])
		if len(data) < 2+length {
			return nil, &ErrMalformed{Reason: fmt.Sprintf("need %d bytes, have %d", 2+length, len(data))}
		}
		if tag == Separator && length != 0 {
			return nil, &ErrMalformed{Reason: "separator with non-zero length"}
		}

		value := append([]byte(nil), data[2:2+length]...)
		data = data[2+length:]

		if tag == Separator {
			continue
		}

		for len(data) >= 2 && Tag(data[0]) == tag {
			fragLen := int(data[1])
			if len(data) < 2+fragLen {
				return nil, &ErrMalformed{Reason: fmt.Sprintf("need %d bytes, have %d", 2+fragLen, len(data))}
			}
			value = append(value, data[2:2+fragLen]...)
			data = data[2+fragLen:]
		}

		if !knownTags[tag] {
			continue
		}
		items = append(items, Item{Tag: tag, Value: value})
	}

	return items, nil
}

// Encode serializes a sequence of Items into a TLV8 byte stream,
// fragmenting any payload longer than 255 bytes and inserting a
// zero-length Separator between adjacent records that share a tag.
func Encode(items []Item) []byte {
	var out []byte

	for i, item := range items {
		if len(item.Value) == 0 {
			out = append(out, byte(item.Tag), 0)
		}
		for off := 0; off < len(item.Value); off += maxFragment {
			end := off + maxFragment
			if end > len(item.Value) {
				end = len(item.Value)
			}
			frag := item.Value[off:end]
			out = append(out, byte(item.Tag), byte(len(frag)))
			out = append(out, frag...)
		}

		if i+1 < len(items) && items[i+1].Tag == item.Tag {
			out = append(out, byte(Separator), 0)
		}
	}

	return out
}

// Uint encodes a little-endian unsigned integer using the minimal number
// of bytes (zero maps to an empty payload), as required for Method,
// State, Error, RetryDelay, Permissions and Flags fields.
func Uint(v uint64) []byte {
	if v == 0 {
		return nil
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	n := 8
	for n > 1 && buf[n-1] == 0 {
		n--
	}
	return buf[:n]
}

// ParseUint decodes a little-endian unsigned integer TLV8 payload,
// matching the encoding produced by Uint.
func ParseUint(b []byte) (uint64, error) {
	if len(b) > 8 {
		return 0, fmt.Errorf("tlv8: integer payload too long: %d bytes", len(b))
	}
	var buf [8]byte
	copy(buf[:], b)
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Find returns the value of the first Item with the given tag, if present.
func Find(items []Item, tag Tag) ([]byte, bool) {
	for _, it := range items {
		if it.Tag == tag {
			return it.Value, true
		}
	}
	return nil, false
}
