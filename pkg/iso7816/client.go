package iso7816

import (
	"fmt"
)

// CLIENT & PROTOCOL LOGIC:
// The Client acts as a high-level driver over the physical connection.
// It implements the automatic handling of ISO 7816-3 transport behaviors that
// are often exposed to the application layer in T=0 protocols:
//
// 1. "61 XX" (Response Available):
//    The card indicates that XX bytes are waiting. The client automatically
//    generates and sends a GET RESPONSE command to retrieve them.
//
// 2. "6C XX" (Wrong Length):
//    The card indicates that the expected length (Le) was incorrect and
//    suggests XX. The client re-sends the original command with Le = XX.
//
// The Send() method returns a Trace, the log of all atomic transactions that
// were needed to fulfill the logical request.
//
// Transmit() bypasses the protocol handling entirely. It exists for relayed
// exchanges where a remote service owns the protocol and expects the raw
// response of exactly the command it issued.

// INS byte of the GET RESPONSE transport command.
const insGetResponse byte = 0xC0

// Transmitter abstracts the physical card connection.
type Transmitter interface {
	Transmit(cmd []byte) ([]byte, error)
}

// Client manages the high-level communication with the card.
type Client struct {
	Card Transmitter
}

// NewClient creates a new Client instance.
func NewClient(card Transmitter) *Client {
	return &Client{Card: card}
}

// Send transmits a command and handles transport logic (61xx, 6Cxx).
// The handling is an iterative loop so a misbehaving card cannot grow the
// stack with an endless 61xx chain.
func (c *Client) Send(cmd *CommandAPDU) (Trace, error) {
	var trace Trace
	current := cmd

	for {
		rawCmd, err := current.Bytes()
		if err != nil {
			return trace, fmt.Errorf("encoding error: %w", err)
		}

		rawResp, err := c.Card.Transmit(rawCmd)
		if err != nil {
			return trace, fmt.Errorf("transmission error: %w", err)
		}

		resp, err := ParseResponseAPDU(rawResp)
		if err != nil {
			return trace, err
		}

		trace = append(trace, Transaction{Command: current, Response: resp})

		sw1 := resp.Status.SW1()
		sw2 := resp.Status.SW2()

		switch {
		case sw1 == 0x61:
			// More data available: issue GET RESPONSE on the same logical channel,
			// with the chaining bit cleared.
			cla := current.CLA &^ 0x10
			current = NewCommandAPDU(cla, insGetResponse, 0x00, 0x00, nil, int(sw2))
		case sw1 == 0x6C:
			// Wrong length: re-issue with the Le the card suggests.
			corrected := *current
			corrected.Ne = int(sw2)
			current = &corrected
		default:
			return trace, nil
		}
	}
}

// Transmit sends a pre-encoded command APDU and returns the raw response
// bytes, status word included, without any transport handling.
func (c *Client) Transmit(raw []byte) ([]byte, error) {
	return c.Card.Transmit(raw)
}
