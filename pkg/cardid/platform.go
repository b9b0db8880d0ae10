package cardid

import (
	"bytes"

	"github.com/gregLibert/card-provisioning/pkg/tlv"
)

// CHIP PLATFORM DETECTION:
// The CPLC (Chip Production Life Cycle) data object opens with a fixed
// sequence of manufacturing fields: IC fabricator, IC type, operating system
// identifier, OS release date and OS release level, two bytes each. Chips of
// the same product line share this prefix, so a known card platform can be
// recognized by comparing the first bytes of the CPLC against a table of
// fingerprints. The result is advisory metadata only; it never gates
// protocol correctness.

// ChipPlatform identifies the secure element product a card is built on.
type ChipPlatform int

const (
	PlatformUnknown ChipPlatform = iota
	PlatformJCOP242R1
	PlatformJCOP242R2
	PlatformJCOP3EMV
	PlatformJCOP3SECID
	PlatformST31
	PlatformOptelio
	PlatformJCOP4
)

// String returns the product name of the platform.
func (p ChipPlatform) String() string {
	switch p {
	case PlatformJCOP242R1:
		return "JCOP242R1"
	case PlatformJCOP242R2:
		return "JCOP242R2"
	case PlatformJCOP3EMV:
		return "JCOP3EMV"
	case PlatformJCOP3SECID:
		return "JCOP3SECID"
	case PlatformST31:
		return "ST31"
	case PlatformOptelio:
		return "OPTELIO"
	case PlatformJCOP4:
		return "JCOP4"
	default:
		return "UNKNOWN"
	}
}

type platformFingerprint struct {
	prefix   []byte
	platform ChipPlatform
}

// Ordered: the first fingerprint matching the CPLC prefix wins.
var platformFingerprints = []platformFingerprint{
	// ICFabricator=4790
	// ICType=5168
	// OperatingSystemID=4791
	// OperatingSystemReleaseDate=1210 (2011-07-29)
	// OperatingSystemReleaseLevel=3800
	{tlv.Hex("47905168479112103800"), PlatformJCOP242R1},

	// ICFabricator=4790
	// ICType=5075
	// OperatingSystemID=4791
	// OperatingSystemReleaseDate=2081 (2012-03-21)
	// OperatingSystemReleaseLevel=3B00
	{tlv.Hex("47905075479120813B00"), PlatformJCOP242R2},

	// ICFabricator=4790
	// ICType=6B64
	// OperatingSystemID=4700
	// OperatingSystemReleaseDate=E4D8 (invalid date format)
	// OperatingSystemReleaseLevel=0300
	{tlv.Hex("47906B644700E4D80300"), PlatformJCOP3EMV},

	// ICFabricator=4790
	// ICType=0503
	// OperatingSystemID=8211
	// OperatingSystemReleaseDate=6351 (2016-12-16)
	// OperatingSystemReleaseLevel=0302
	{tlv.Hex("47900503821163510302"), PlatformJCOP3SECID},

	// ICFabricator=4750
	// ICType=00B8
	// OperatingSystemID=4750
	// OperatingSystemReleaseDate=7248 (2017-09-05)
	// OperatingSystemReleaseLevel=5431
	{tlv.Hex("475000B8475072485431"), PlatformST31},

	// ICFabricator=4180
	// ICType=0106
	// OperatingSystemID=1291
	// OperatingSystemReleaseDate=8102 (2018-04-12)
	// OperatingSystemReleaseLevel=0100
	{tlv.Hex("41800106129181020100"), PlatformOptelio},

	// ICFabricator=4790
	// ICType=D321
	// OperatingSystemID=4700
	// OperatingSystemReleaseDate=7902 (2017-04-02)
	// OperatingSystemReleaseLevel=0500
	{tlv.Hex("4790D321470079020500"), PlatformJCOP4},
}

// Platform detects the chip platform from CPLC data by fingerprint prefix
// match. A CPLC not matching any table entry yields PlatformUnknown, never
// an error.
func Platform(cplc []byte) ChipPlatform {
	for _, f := range platformFingerprints {
		if len(cplc) >= len(f.prefix) && bytes.Equal(cplc[:len(f.prefix)], f.prefix) {
			return f.platform
		}
	}
	return PlatformUnknown
}
