package cardid

import (
	"fmt"

	"github.com/gregLibert/card-provisioning/pkg/iso7816"
	"github.com/gregLibert/card-provisioning/pkg/tlv"
)

// PROBING:
// Card identification works in two phases. Probe issues a fixed, ordered
// sequence of read-only diagnostic commands and retains every raw response
// together with its status word; Detect then interprets the collected
// responses. Keeping the phases apart means the card is touched exactly once
// and interpretation (including the server-assisted fallback) never has to
// go back to the transport.

// Applet identifiers carried by provisionable cards.
var (
	// PlatformAppletAID is the applet whose FCI carries batch id and CIN on
	// current cards.
	PlatformAppletAID = tlv.Hex("A00000061702000900010101")

	// BatchAppletAID is the legacy applet that carried the batch id before
	// the platform applet existed.
	BatchAppletAID = tlv.Hex("A000000617020002000002")

	// RIDPrefix is the registered application provider identifier all issuer
	// applications share, used to enumerate installed applications.
	RIDPrefix = tlv.Hex("A00000061701")
)

// ProbeStep names one diagnostic command of the probe sequence.
type ProbeStep int

const (
	StepGetUID ProbeStep = iota
	StepSelectISD
	StepGetCPLC
	StepGetCIN
	StepSelectPlatform
	StepSelectBatch
)

// String names the step for logs.
func (s ProbeStep) String() string {
	switch s {
	case StepGetUID:
		return "get-uid"
	case StepSelectISD:
		return "select-isd"
	case StepGetCPLC:
		return "get-cplc"
	case StepGetCIN:
		return "get-cin"
	case StepSelectPlatform:
		return "select-platform"
	case StepSelectBatch:
		return "select-batch"
	default:
		return fmt.Sprintf("step-%d", int(s))
	}
}

// ProbeResult is the raw, status-word-qualified response of one step.
type ProbeResult struct {
	Step     ProbeStep
	Response *iso7816.ResponseAPDU
}

// ProbeResults is the ordered outcome of a probe run.
type ProbeResults []ProbeResult

// Get returns the response of a step, or nil if the step was not executed.
func (r ProbeResults) Get(step ProbeStep) *iso7816.ResponseAPDU {
	for _, res := range r {
		if res.Step == step {
			return res.Response
		}
	}
	return nil
}

// Probe runs the diagnostic sequence: get the contactless UID, select the
// ISD, read CPLC and CIN, select the platform applet, and select the legacy
// batch applet only if the platform applet select did not succeed.
//
// Failing steps do not abort the sequence; their responses are retained for
// Detect to interpret. Only a transport-level error (card removed, reader
// gone) aborts probing.
func Probe(client *iso7816.Client) (ProbeResults, error) {
	steps := []struct {
		step ProbeStep
		cmd  *iso7816.CommandAPDU
	}{
		{StepGetUID, iso7816.GetUID()},
		{StepSelectISD, iso7816.SelectISD()},
		{StepGetCPLC, iso7816.GetDataCPLC()},
		{StepGetCIN, iso7816.GetDataCIN()},
		{StepSelectPlatform, iso7816.SelectByAID(PlatformAppletAID)},
	}

	var results ProbeResults
	for _, s := range steps {
		trace, err := client.Send(s.cmd)
		if err != nil {
			return results, fmt.Errorf("probe %s: %w", s.step, err)
		}
		results = append(results, ProbeResult{Step: s.step, Response: trace.Combined()})
	}

	// The legacy batch applet is only relevant when the platform applet is
	// absent.
	if platform := results.Get(StepSelectPlatform); platform == nil || !platform.Status.IsSuccess() {
		trace, err := client.Send(iso7816.SelectByAID(BatchAppletAID))
		if err != nil {
			return results, fmt.Errorf("probe %s: %w", StepSelectBatch, err)
		}
		results = append(results, ProbeResult{Step: StepSelectBatch, Response: trace.Combined()})
	}

	return results, nil
}

// ListApps enumerates the identifiers of issuer applications installed on
// the card by walking SELECT-next over the shared RID prefix. An application
// id is the 4 bytes following the 6-byte RID in the AID found in the FCI.
func ListApps(client *iso7816.Client) ([][]byte, error) {
	var apps [][]byte

	cmd := iso7816.SelectByAID(RIDPrefix)
	for {
		trace, err := client.Send(cmd)
		if err != nil {
			return apps, err
		}
		resp := trace.Combined()
		if !resp.Status.IsSuccess() {
			return apps, nil
		}

		// We assume it is an application domain if the FCI carries an AID.
		var fci struct {
			Template struct {
				AID []byte `tlv:"84"`
			} `tlv:"6F"`
		}
		if err := tlv.Unmarshal(resp.Data, &fci); err == nil && len(fci.Template.AID) >= 10 {
			appID := make([]byte, 4)
			copy(appID, fci.Template.AID[6:10])
			apps = append(apps, appID)
		}

		cmd = iso7816.SelectNextByAID(RIDPrefix)
	}
}
