package hce

import "encoding/binary"

// NDEF type name formats.
const (
	tnfWellKnown = 0x01
	tnfMIME      = 0x02
	tnfExternal  = 0x04
)

// Record is one NDEF record before message flags are applied.
type Record struct {
	TNF     byte
	Type    []byte
	ID      []byte
	Payload []byte
}

// EncodeMessage serializes records into an NDEF message, setting the
// MB/ME/SR/IL header flags per record position and payload size.
func EncodeMessage(records []Record) []byte {
	var out []byte
	for i, r := range records {
		header := r.TNF & 0x07
		if i == 0 {
			header |= 1 << 7 // MB
		}
		if i == len(records)-1 {
			header |= 1 << 6 // ME
		}
		short := len(r.Payload) <= 255
		if short {
			header |= 1 << 4 // SR
		}
		if len(r.ID) > 0 {
			header |= 1 << 3 // IL
		}

		out = append(out, header, byte(len(r.Type)))
		if short {
			out = append(out, byte(len(r.Payload)))
		} else {
			var plen [4]byte
			binary.BigEndian.PutUint32(plen[:], uint32(len(r.Payload)))
			out = append(out, plen[:]...)
		}
		if len(r.ID) > 0 {
			out = append(out, byte(len(r.ID)))
		}
		out = append(out, r.Type...)
		out = append(out, r.ID...)
		out = append(out, r.Payload...)
	}
	return out
}

// Bluetooth LE advertising data types used in the OOB carrier record.
const (
	adTypeLERole          = 0x1C
	adTypeComplete128UUID = 0x07
	adTypeServiceData128  = 0x21
)

// LE role values, Bluetooth Core Supplement Part A 1.17.
const (
	leRolePeripheralOnly = 0x00
	leRoleCentralOnly    = 0x01
)

// appendADStructure appends one length-prefixed advertising data
// structure to buf.
func appendADStructure(buf []byte, adType byte, value []byte) []byte {
	buf = append(buf, byte(len(value)+1), adType)
	return append(buf, value...)
}
