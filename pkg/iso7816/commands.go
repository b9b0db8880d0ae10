package iso7816

// Builders for the small command vocabulary the provisioning flow needs.
//
// SELECT (INS 'A4'):
// P1=0x04 selects by DF name (AID). P2=0x00 asks for the first or only
// occurrence with the FCI template in the response; P2=0x02 moves to the
// next occurrence, which is how a card is walked for every application
// sharing an AID prefix.
//
// GET DATA (INS 'CA'):
// Retrieves a single data object addressed by the P1-P2 tag. The
// interindustry form (CLA 0x00) serves card data objects such as the CIN
// (tag 0x0045); the GlobalPlatform form (CLA 0x80) serves the CPLC
// (tag 0x9F7F).
//
// GET UID (CLA 'FF', INS 'CA'):
// A reader-level pseudo-APDU understood by ACS-compatible contactless
// readers, returning the anticollision UID of the card in the field.

const (
	insSelect  byte = 0xA4
	insGetData byte = 0xCA
)

// SelectISD selects the Issuer Security Domain (SELECT by name with an
// empty AID).
func SelectISD() *CommandAPDU {
	return NewCommandAPDU(0x00, insSelect, 0x04, 0x00, nil, MaxShortLe)
}

// SelectByAID selects the first or only occurrence of an application by its AID.
func SelectByAID(aid []byte) *CommandAPDU {
	return NewCommandAPDU(0x00, insSelect, 0x04, 0x00, aid, MaxShortLe)
}

// SelectNextByAID selects the next occurrence of an application matching the
// AID (or AID prefix) of a preceding SelectByAID.
func SelectNextByAID(aid []byte) *CommandAPDU {
	return NewCommandAPDU(0x00, insSelect, 0x04, 0x02, aid, MaxShortLe)
}

// GetDataCIN reads the Card Identification Number data object (tag 0x0045).
func GetDataCIN() *CommandAPDU {
	return NewCommandAPDU(0x00, insGetData, 0x00, 0x45, nil, MaxShortLe)
}

// GetDataCPLC reads the Chip Production Life Cycle data object (tag 0x9F7F,
// GlobalPlatform class).
func GetDataCPLC() *CommandAPDU {
	return NewCommandAPDU(0x80, insGetData, 0x9F, 0x7F, nil, MaxShortLe)
}

// GetUID asks an ACS-compatible contactless reader for the anticollision UID.
// The ISD must be selected first so that readers which do not implement the
// pseudo-APDU produce a sane error instead of garbage.
func GetUID() *CommandAPDU {
	return NewCommandAPDU(0xFF, insGetData, 0x00, 0x00, nil, MaxShortLe)
}
