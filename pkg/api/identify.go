package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gregLibert/card-provisioning/pkg/cardid"
)

// IdentifyDevice resolves a card identity remotely, keyed by CPLC (and UID
// when available). Cards the service does not know yield (nil, nil), as does
// an empty 204 response. Implements cardid.IdentityLookup.
func (c *Client) IdentifyDevice(ctx context.Context, cplc, uid []byte) (*cardid.DeviceIdentity, error) {
	url := c.URL(IdentifyURL, hex.EncodeToString(cplc))
	if len(uid) > 0 {
		url += "&uid=" + hex.EncodeToString(uid)
	}

	document, err := c.Get(ctx, url)
	if err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) && remote.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	if document == nil {
		return nil, nil
	}

	var parsed struct {
		CIN     string `json:"cin"`
		BatchID uint32 `json:"batchId"`
	}
	if err := json.Unmarshal(document, &parsed); err != nil {
		return nil, fmt.Errorf("parsing identify response: %w", err)
	}

	cin, err := hex.DecodeString(parsed.CIN)
	if err != nil || len(cin) == 0 {
		return nil, fmt.Errorf("identify response carries an invalid cin %q", parsed.CIN)
	}

	c.log.Debug("device identified remotely", "batchId", parsed.BatchID)
	return &cardid.DeviceIdentity{CIN: cin, BatchID: parsed.BatchID}, nil
}
