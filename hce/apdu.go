// Package hce implements the NFC side of ISO 18013-5 device engagement:
// ISO 7816-4 command classification, a Type 4 tag static-handover engine
// that hands the reader an NDEF-encoded BLE carrier, and the
// epoch-guarded dispatcher that keeps the negotiation state consistent
// across bursty host-card-emulation command delivery.
package hce

import "encoding/binary"

// Application identifiers registered with the OS NFC subsystem.
var (
	// AIDMdoc is the ISO 18013-5 mdoc application.
	AIDMdoc = []byte{0xA0, 0x00, 0x00, 0x02, 0x48, 0x04, 0x00}

	// AIDNDEF is the NFC Forum Type 4 tag NDEF application.
	AIDNDEF = []byte{0xD2, 0x76, 0x00, 0x00, 0x85, 0x01, 0x01}
)

// Elementary file identifiers of the Type 4 tag.
const (
	FileCapabilityContainer = 0xE103
	FileNDEF                = 0xE104
)

// Response status words, ISO 7816-4.
const (
	SWSuccess                = 0x9000
	SWFileNotFound           = 0x6A82
	SWIncorrectP1P2          = 0x6A86
	SWConditionsNotSatisfied = 0x6985
	SWWrongLength            = 0x6700
	SWInsNotSupported        = 0x6D00
)

// CommandType classifies an inbound command APDU.
type CommandType int

const (
	// CommandUnknown marks malformed or unrecognized APDUs.
	CommandUnknown CommandType = iota
	CommandSelectFile
	CommandSelectAID
	CommandReadBinary
	CommandUpdateBinary
	CommandResponse
	CommandEnvelope
)

func (t CommandType) String() string {
	switch t {
	case CommandSelectFile:
		return "SELECT_FILE"
	case CommandSelectAID:
		return "SELECT_AID"
	case CommandReadBinary:
		return "READ_BINARY"
	case CommandUpdateBinary:
		return "UPDATE_BINARY"
	case CommandResponse:
		return "RESPONSE"
	case CommandEnvelope:
		return "ENVELOPE"
	default:
		return "UNKNOWN"
	}
}

// Instruction bytes.
const (
	insSelect       = 0xA4
	insReadBinary   = 0xB0
	insResponse     = 0xC0
	insEnvelope     = 0xC3
	insUpdateBinary = 0xD6
)

// Classify inspects the INS and P1 bytes of a raw command APDU. Inputs
// of length two or less are unrecognized.
func Classify(raw []byte) CommandType {
	if len(raw) <= 2 {
		return CommandUnknown
	}

	switch raw[1] {
	case insSelect:
		switch raw[2] {
		case 0x00:
			return CommandSelectFile
		case 0x04:
			return CommandSelectAID
		}
		return CommandUnknown
	case insReadBinary:
		return CommandReadBinary
	case insUpdateBinary:
		return CommandUpdateBinary
	case insResponse:
		return CommandResponse
	case insEnvelope:
		return CommandEnvelope
	default:
		return CommandUnknown
	}
}

// commandData extracts the Lc-prefixed data field of a short command
// APDU, or nil when there is none.
func commandData(raw []byte) []byte {
	if len(raw) < 5 {
		return nil
	}
	lc := int(raw[4])
	if lc == 0 || len(raw) < 5+lc {
		return nil
	}
	return raw[5 : 5+lc]
}

// statusResponse builds a response APDU carrying only a status word.
func statusResponse(sw uint16) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, sw)
	return out
}

// dataResponse builds a response APDU of data followed by a status word.
func dataResponse(data []byte, sw uint16) []byte {
	out := make([]byte, len(data)+2)
	copy(out, data)
	binary.BigEndian.PutUint16(out[len(data):], sw)
	return out
}

// ResponseStatus returns the trailing status word of a response APDU,
// or 0 if the response is too short to carry one.
func ResponseStatus(resp []byte) uint16 {
	if len(resp) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(resp[len(resp)-2:])
}
