/*
Package iso7816 implements the APDU-level plumbing used to talk to a secure
element according to the ISO/IEC 7816 standard.

It provides Command and Response APDU structures with Short and Extended
length encoding, Status Word (SW) analysis, a Trace of command/response
transactions, and a Client that drives a physical connection while handling
the T=0 transport artifacts (61XX response chaining, 6CXX length correction).

# Fundamentals

Communication with a smart card is strictly synchronous:
 1. The host sends a Command APDU (Header + optional Body).
 2. The card processes it and returns a Response APDU (optional Body + trailer SW1/SW2).

# Status Words

Every response ends with a 2-byte Status Word.
  - 0x9000: Success (OK).
  - 0x61XX: Success, but XX more response bytes are available.
  - 0x6CXX: Wrong length expectation (XX is the correct length).
  - Other: Various error conditions.

# Usage

	client := iso7816.NewClient(card)
	trace, err := client.Send(iso7816.SelectISD())
	if err != nil {
		// transport failure
	}
	if trace.IsSuccess() {
		data := trace.Combined().Data
		// ...
	}
*/
package iso7816
