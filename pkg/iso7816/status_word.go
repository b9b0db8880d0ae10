package iso7816

import "fmt"

// Status Word logic according to ISO/IEC 7816-4.
//
// Most Status Words (SW) are static 2-byte values (e.g. 0x9000), but two
// ranges are dynamic and carry contextual information:
//
// 1. '61XX' (SW1=0x61): Process Completed, Response Available.
//    XX indicates the number of extra bytes available for retrieval (GET RESPONSE).
//
// 2. '6CXX' (SW1=0x6C): Wrong Length.
//    XX indicates the correct expected length (Le) for the command.

// StatusWord represents the two-byte status response (SW1-SW2) returned by the smart card.
type StatusWord uint16

// NewStatusWord creates a StatusWord instance from two separate bytes.
func NewStatusWord(sw1, sw2 byte) StatusWord {
	return StatusWord(uint16(sw1)<<8 | uint16(sw2))
}

// SW1 returns the first byte (high byte) of the status word.
func (sw StatusWord) SW1() byte {
	return byte(sw >> 8)
}

// SW2 returns the second byte (low byte) of the status word.
func (sw StatusWord) SW2() byte {
	return byte(sw)
}

// IsSuccess returns true if the command was processed successfully (9000) or
// if data is available (61XX).
func (sw StatusWord) IsSuccess() bool {
	return sw == SW_NO_ERROR || sw.SW1() == 0x61
}

// IsWarning returns true if the status indicates a warning (62XX or 63XX).
func (sw StatusWord) IsWarning() bool {
	sw1 := sw.SW1()
	return sw1 == 0x62 || sw1 == 0x63
}

// IsError returns true if the status indicates an execution or checking error (64XX to 6FXX).
func (sw StatusWord) IsError() bool {
	sw1 := sw.SW1()
	return sw1 >= 0x64 && sw1 <= 0x6F
}

// Verbose returns a human-readable description of the status word.
func (sw StatusWord) Verbose() string {
	if sw.SW1() == 0x61 {
		return fmt.Sprintf("Process completed, %d bytes available", sw.SW2())
	}
	if sw.SW1() == 0x6C {
		return fmt.Sprintf("Wrong length, correct Le is %d", sw.SW2())
	}

	switch sw {
	case SW_NO_ERROR:
		return "[9000] No Error"
	case SW_ERR_WRONG_LENGTH:
		return "[6700] Checking Error: Wrong length"
	case SW_ERR_COND_OF_USE_NOT_SAT:
		return "[6985] Checking Error: Conditions of use not satisfied"
	case SW_ERR_INCORRECT_PARAMS_DATA:
		return "[6A80] Checking Error: Incorrect parameters in data field"
	case SW_ERR_FUNC_NOT_SUPPORTED:
		return "[6A81] Checking Error: Function not supported"
	case SW_ERR_FILE_NOT_FOUND:
		return "[6A82] Checking Error: File or application not found"
	case SW_ERR_REF_DATA_NOT_FOUND:
		return "[6A88] Checking Error: Referenced data not found"
	case SW_ERR_WRONG_P1P2:
		return "[6B00] Checking Error: Wrong P1-P2"
	case SW_ERR_INS_INVALID:
		return "[6D00] Checking Error: Instruction not supported or invalid"
	case SW_ERR_CLA_NOT_SUPPORTED:
		return "[6E00] Checking Error: Class not supported"
	case SW_ERR_UNKNOWN:
		return "[6F00] Execution Error: No precise diagnosis"
	}

	return fmt.Sprintf("[%04X] %s", uint16(sw), sw.genericCategoryDescription())
}

// genericCategoryDescription provides a fallback description based on SW1.
func (sw StatusWord) genericCategoryDescription() string {
	switch sw.SW1() {
	case 0x62:
		return "Warning: NV memory unchanged"
	case 0x63:
		return "Warning: NV memory changed"
	case 0x64:
		return "Execution Error: NV memory unchanged"
	case 0x65:
		return "Execution Error: NV memory changed"
	case 0x66:
		return "Execution Error: Security issue"
	case 0x68:
		return "Checking Error: Function not supported"
	case 0x69:
		return "Checking Error: Command not allowed"
	case 0x6A:
		return "Checking Error: Wrong parameters"
	default:
		return "Unknown Status"
	}
}

// Status Word codes defined in ISO/IEC 7816-4 that the provisioning flow
// distinguishes. Everything else is reported through the category fallback.
const (
	SW_NO_ERROR StatusWord = 0x9000

	SW_ERR_WRONG_LENGTH          StatusWord = 0x6700
	SW_ERR_COND_OF_USE_NOT_SAT   StatusWord = 0x6985
	SW_ERR_INCORRECT_PARAMS_DATA StatusWord = 0x6A80
	SW_ERR_FUNC_NOT_SUPPORTED    StatusWord = 0x6A81
	SW_ERR_FILE_NOT_FOUND        StatusWord = 0x6A82
	SW_ERR_RECORD_NOT_FOUND      StatusWord = 0x6A83
	SW_ERR_REF_DATA_NOT_FOUND    StatusWord = 0x6A88
	SW_ERR_WRONG_P1P2            StatusWord = 0x6B00
	SW_ERR_INS_INVALID           StatusWord = 0x6D00
	SW_ERR_CLA_NOT_SUPPORTED     StatusWord = 0x6E00
	SW_ERR_UNKNOWN               StatusWord = 0x6F00
)
