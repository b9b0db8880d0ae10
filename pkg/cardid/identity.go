// Package cardid identifies a provisionable secure-element card from raw
// diagnostic APDU responses: it extracts the card identification number,
// batch id, optional CPLC and contactless UID, and infers the chip platform
// from fixed CPLC fingerprints.
package cardid

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/gregLibert/card-provisioning/pkg/tlv"
)

// TLV tags carried by the platform and legacy batch applet FCIs.
const (
	tagBatchID uint = 0x42
	tagCIN     uint = 0x45
)

// A contactless anticollision UID is at most 7 bytes; longer responses come
// from readers answering the pseudo-APDU without understanding it.
const maxUIDLength = 7

// Identity is the resolved identity of a physical card. It is constructed
// exactly once per physical session and never modified afterwards.
type Identity struct {
	// CIN is the card identification number. Always present.
	CIN []byte

	// CPLC is the chip production life cycle data. Nil if the card declined
	// the diagnostic command.
	CPLC []byte

	// UID is the contactless anticollision id. Nil over contact interfaces
	// or readers without UID support.
	UID []byte

	// BatchID is the production batch the card belongs to.
	BatchID uint32

	// Batched is false when the identity was resolved only through a server
	// lookup and the card itself has not yet completed on-card batching.
	Batched bool
}

// Platform infers the chip platform from the CPLC fingerprint table.
func (id *Identity) Platform() ChipPlatform {
	return Platform(id.CPLC)
}

// DeviceIdentity is the result of a remote identify-device lookup.
type DeviceIdentity struct {
	CIN     []byte
	BatchID uint32
}

// IdentityLookup resolves a card identity remotely, keyed by the chip
// production data. Implementations return (nil, nil) when the service does
// not know the card.
type IdentityLookup interface {
	IdentifyDevice(ctx context.Context, cplc, uid []byte) (*DeviceIdentity, error)
}

// Detect interprets probe results into a card identity.
//
// CIN and batch id are preferred from the platform applet FCI (tags 0x45 and
// 0x42, after Fixup); cards predating the platform applet fall back to the
// direct GET DATA response for the CIN and the legacy batch applet FCI for
// the batch id. When either value stays unresolved locally and a lookup
// collaborator is available, a remote identify-device call keyed by CPLC
// (and UID when present) can still resolve the card; an identity obtained
// that way is marked Batched=false. Without a collaborator, or when the
// lookup fails too, Detect reports no identity.
func Detect(ctx context.Context, results ProbeResults, lookup IdentityLookup) (*Identity, bool) {
	uid := detectUID(results)
	cplc := detectCPLC(results)

	// Platform applet path.
	var platformFCI []byte
	if resp := results.Get(StepSelectPlatform); resp != nil && resp.Status.IsSuccess() {
		platformFCI = tlv.Fixup(resp.Data)
	}

	cin := findTag(platformFCI, tagCIN)
	if cin == nil {
		// Legacy path: direct GET DATA response.
		if resp := results.Get(StepGetCIN); resp != nil && resp.Status.IsSuccess() && len(resp.Data) > 0 {
			cin = resp.Data
		}
	}

	batchBytes := findTag(platformFCI, tagBatchID)
	if batchBytes == nil {
		if resp := results.Get(StepSelectBatch); resp != nil && resp.Status.IsSuccess() {
			batchBytes = findTag(tlv.Fixup(resp.Data), tagBatchID)
		}
	}

	if cin != nil && batchBytes != nil {
		batchID, err := batchIDFromBytes(batchBytes)
		if err != nil {
			return nil, false
		}
		return &Identity{CIN: cin, CPLC: cplc, UID: uid, BatchID: batchID, Batched: true}, true
	}

	// Server-assisted fallback, keyed by production data.
	if lookup == nil || cplc == nil {
		return nil, false
	}
	device, err := lookup.IdentifyDevice(ctx, cplc, uid)
	if err != nil || device == nil {
		return nil, false
	}
	return &Identity{CIN: device.CIN, CPLC: cplc, UID: uid, BatchID: device.BatchID, Batched: false}, true
}

func detectUID(results ProbeResults) []byte {
	resp := results.Get(StepGetUID)
	if resp == nil || !resp.Status.IsSuccess() {
		return nil
	}
	// Sensibility check: UID size
	if len(resp.Data) == 0 || len(resp.Data) > maxUIDLength {
		return nil
	}
	return resp.Data
}

func detectCPLC(results ProbeResults) []byte {
	resp := results.Get(StepGetCPLC)
	if resp == nil || !resp.Status.IsSuccess() || len(resp.Data) == 0 {
		return nil
	}
	data := resp.Data
	// Some readers return the CPLC with its tag/length header embedded;
	// strip it.
	if len(data) > 3 && data[0] == 0x9F && data[1] == 0x7F && data[2] == 0x2A {
		data = data[3:]
	}
	return data
}

func findTag(buf []byte, tag uint) []byte {
	if len(buf) == 0 {
		return nil
	}
	v, err := tlv.Find(buf, tag)
	if err != nil {
		return nil
	}
	return v
}

func batchIDFromBytes(b []byte) (uint32, error) {
	if len(b) == 0 || len(b) > 4 {
		return 0, fmt.Errorf("batch id must be 1-4 bytes, got %d", len(b))
	}
	padded := make([]byte, 4)
	copy(padded[4-len(b):], b)
	return binary.BigEndian.Uint32(padded), nil
}
