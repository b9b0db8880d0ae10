package iso7816

// TRANSACTION:
// A Transaction is the atomic unit of communication defined in ISO 7816-3:
// one Command APDU sent by the terminal, followed by one Response APDU sent
// back by the card.
//
// TRACE:
// A Trace is a chronological sequence of Transactions. A single logical
// intent (e.g. "select the platform applet") may take several physical
// exchanges because of transport-level mechanisms:
// 1. "61 XX" (Process Completed): the card has XX extra bytes; the terminal sends GET RESPONSE.
// 2. "6C XX" (Wrong Length): the terminal re-sends the command with Le = XX.
//
// The Trace keeps the entire conversation; the final transaction carries the
// outcome of the logical operation.

// Transaction represents a completed Command-Response pair.
type Transaction struct {
	Command  *CommandAPDU
	Response *ResponseAPDU
}

// IsSuccess checks if the transaction ended with a successful status.
// It returns false if the response is missing.
func (t *Transaction) IsSuccess() bool {
	if t.Response == nil {
		return false
	}
	return t.Response.Status.IsSuccess()
}

// Trace is a sequence of transactions (Command-Response pairs).
type Trace []Transaction

// Last returns the final transaction of the trace, or nil if the trace is empty.
func (t Trace) Last() *Transaction {
	if len(t) == 0 {
		return nil
	}
	return &t[len(t)-1]
}

// Response returns the response of the final transaction, or nil if the
// trace is empty.
func (t Trace) Response() *ResponseAPDU {
	last := t.Last()
	if last == nil {
		return nil
	}
	return last.Response
}

// Combined flattens the trace into a single logical response: the data
// fields of every transaction concatenated in order (a 61XX chain delivers
// its payload across several GET RESPONSE exchanges) qualified by the status
// word of the final transaction. Returns nil for an empty trace.
func (t Trace) Combined() *ResponseAPDU {
	last := t.Last()
	if last == nil {
		return nil
	}

	var data []byte
	for i := range t {
		if t[i].Response != nil {
			data = append(data, t[i].Response.Data...)
		}
	}

	return &ResponseAPDU{Data: data, Status: last.Response.Status}
}

// IsSuccess checks if the FINAL transaction in the trace was successful,
// regardless of intermediate 61XX/6CXX statuses.
func (t Trace) IsSuccess() bool {
	last := t.Last()
	if last == nil {
		return false
	}
	return last.IsSuccess()
}
