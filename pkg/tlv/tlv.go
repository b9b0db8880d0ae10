// Package tlv provides utilities for working with BER-TLV (Basic Encoding
// Rules - Tag-Length-Value) data read from smart cards: tag lookup, struct
// mapping, and heuristic correction of known-malformed encodings produced by
// buggy card firmware.
package tlv

import (
	"fmt"
	"strings"

	"github.com/moov-io/bertlv"
)

// Valid reports whether buf parses as a BER-TLV sequence.
func Valid(buf []byte) bool {
	tlvs, err := bertlv.Decode(buf)
	return err == nil && len(tlvs) > 0
}

// Find scans buf for a specific tag, depth-first, and returns its raw
// payload. Constructed values are re-encoded so the caller always gets the
// full content of the data object.
func Find(buf []byte, tag uint) ([]byte, error) {
	packets, err := bertlv.Decode(buf)
	if err != nil {
		return nil, fmt.Errorf("bertlv decode failed: %w", err)
	}

	targetTag := strings.ToUpper(fmt.Sprintf("%X", tag))
	if v, ok := findInPackets(packets, targetTag); ok {
		return v, nil
	}
	return nil, fmt.Errorf("tag %s not found", targetTag)
}

func findInPackets(packets []bertlv.TLV, tag string) ([]byte, bool) {
	for _, p := range packets {
		if strings.ToUpper(p.Tag) == tag {
			return packetRawData(p), true
		}
		if len(p.TLVs) > 0 {
			if v, ok := findInPackets(p.TLVs, tag); ok {
				return v, true
			}
		}
	}
	return nil, false
}

func packetRawData(p bertlv.TLV) []byte {
	if len(p.TLVs) > 0 {
		if enc, err := bertlv.Encode(p.TLVs); err == nil {
			return enc
		}
	}
	return p.Value
}

// Fixup repairs the BER-TLV encodings that specific card firmware revisions
// are known to emit malformed. The heuristics are applied in order and the
// first one producing a valid parse wins:
//
//  1. A buffer that becomes valid after dropping a single trailing 0x00 byte
//     loses that byte (some cards pad the FCI with one zero).
//  2. A 16-byte buffer of the fixed shape tag 0x42 length 0x03 with an inner
//     tag 0x43 carrying the wrong length byte 0x06 gets that one byte
//     rewritten to 0x05.
//
// Anything else is passed through unchanged and downstream parsing is
// allowed to fail: the patterns encode knowledge of concrete firmware bugs,
// and a general repair could mask genuinely corrupt data. Fixup is
// idempotent and never alters an already-valid buffer.
func Fixup(buf []byte) []byte {
	if Valid(buf) {
		return buf
	}

	// trailing 0x00; remove
	if len(buf) > 0 && buf[len(buf)-1] == 0x00 {
		trimmed := buf[:len(buf)-1]
		if Valid(trimmed) {
			return trimmed
		}
	}

	// incorrect inner payload length; fix the length byte
	if len(buf) == 16 && buf[0] == 0x42 && buf[1] == 0x03 && buf[5] == 0x43 && buf[6] == 0x06 {
		fixed := make([]byte, len(buf))
		copy(fixed, buf)
		fixed[6] = 0x05
		if Valid(fixed) {
			return fixed
		}
	}

	return buf
}
