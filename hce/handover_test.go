package hce

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/spruceid/mdoc-proximity/transport"
)

// APDU builders for the Type 4 tag read sequence.
func apduSelectAID(aid []byte) []byte {
	return append([]byte{0x00, 0xA4, 0x04, 0x00, byte(len(aid))}, aid...)
}

func apduSelectFile(fid uint16) []byte {
	return []byte{0x00, 0xA4, 0x00, 0x0C, 0x02, byte(fid >> 8), byte(fid)}
}

func apduReadBinary(offset uint16, le byte) []byte {
	return []byte{0x00, 0xB0, byte(offset >> 8), byte(offset), le}
}

func testEngine(t *testing.T) (*Engine, transport.ServiceIdentity) {
	t.Helper()
	identity, err := transport.NewServiceIdentity(transport.RolePeripheral)
	if err != nil {
		t.Fatalf("NewServiceIdentity: %v", err)
	}
	return NewEngine(identity, []byte{0xA1, 0x00, 0x63, '1', '.', '0'}), identity
}

func mustStatus(t *testing.T, e *Engine, raw []byte, want uint16) []byte {
	t.Helper()
	resp, _ := e.Process(raw)
	if got := ResponseStatus(resp); got != want {
		t.Fatalf("Process(% X) answered %04X, want %04X", raw, got, want)
	}
	return resp
}

func TestEngineSelectNDEFApplication(t *testing.T) {
	e, _ := testEngine(t)
	mustStatus(t, e, apduSelectAID(AIDNDEF), SWSuccess)
}

func TestEngineSelectMdocApplication(t *testing.T) {
	e, _ := testEngine(t)
	mustStatus(t, e, apduSelectAID(AIDMdoc), SWSuccess)
}

func TestEngineSelectUnknownAID(t *testing.T) {
	e, _ := testEngine(t)
	mustStatus(t, e, apduSelectAID([]byte{0xDE, 0xAD, 0xBE, 0xEF}), SWFileNotFound)
}

func TestEngineSelectFileRequiresApplication(t *testing.T) {
	e, _ := testEngine(t)
	mustStatus(t, e, apduSelectFile(FileCapabilityContainer), SWConditionsNotSatisfied)
}

func TestEngineReadBinaryRequiresFile(t *testing.T) {
	e, _ := testEngine(t)
	mustStatus(t, e, apduSelectAID(AIDNDEF), SWSuccess)
	mustStatus(t, e, apduReadBinary(0, 2), SWConditionsNotSatisfied)
}

func TestEngineCapabilityContainer(t *testing.T) {
	e, _ := testEngine(t)
	mustStatus(t, e, apduSelectAID(AIDNDEF), SWSuccess)
	mustStatus(t, e, apduSelectFile(FileCapabilityContainer), SWSuccess)

	resp := mustStatus(t, e, apduReadBinary(0, 15), SWSuccess)
	cc := resp[:len(resp)-2]
	if len(cc) != 15 {
		t.Fatalf("CC file length = %d, want 15", len(cc))
	}
	if cc[2] != 0x20 {
		t.Errorf("mapping version = 0x%02X, want 0x20", cc[2])
	}
	// NDEF file control TLV must point at the NDEF file, readable but
	// not writable.
	if binary.BigEndian.Uint16(cc[9:11]) != FileNDEF {
		t.Errorf("NDEF file id in CC = %04X, want %04X", binary.BigEndian.Uint16(cc[9:11]), FileNDEF)
	}
	if cc[13] != 0x00 || cc[14] != 0xFF {
		t.Errorf("access bytes = %02X %02X, want 00 FF", cc[13], cc[14])
	}
}

// readNDEFFile walks the full reader sequence and returns the NDEF
// message bytes plus the carrier when one was delivered.
func readNDEFFile(t *testing.T, e *Engine) ([]byte, *CarrierInfo) {
	t.Helper()
	mustStatus(t, e, apduSelectAID(AIDNDEF), SWSuccess)
	mustStatus(t, e, apduSelectFile(FileNDEF), SWSuccess)

	resp := mustStatus(t, e, apduReadBinary(0, 2), SWSuccess)
	length := int(binary.BigEndian.Uint16(resp[:2]))

	var msg []byte
	var carrier *CarrierInfo
	offset := 2
	for len(msg) < length {
		le := length - len(msg)
		if le > 255 {
			le = 255
		}
		resp, c := e.Process(apduReadBinary(uint16(offset), byte(le)))
		if got := ResponseStatus(resp); got != SWSuccess {
			t.Fatalf("read at offset %d answered %04X", offset, got)
		}
		if c != nil {
			carrier = c
		}
		data := resp[:len(resp)-2]
		msg = append(msg, data...)
		offset += len(data)
	}
	return msg, carrier
}

func TestEngineHandoverDeliversCarrier(t *testing.T) {
	e, identity := testEngine(t)
	msg, carrier := readNDEFFile(t, e)

	if carrier == nil {
		t.Fatal("expected carrier delivered after full NDEF read")
	}
	if carrier.ServiceUUID != identity.ServiceUUID {
		t.Errorf("carrier UUID = %s, want %s", carrier.ServiceUUID, identity.ServiceUUID)
	}
	if carrier.Role != transport.RolePeripheral {
		t.Errorf("carrier role = %s, want peripheral", carrier.Role)
	}
	if !bytes.Equal(carrier.Ident, identity.Ident) {
		t.Error("carrier ident differs from engine identity")
	}

	// The message must embed the handover select record, the LE OOB
	// carrier, and the device engagement record.
	if !bytes.Contains(msg, []byte("Hs")) {
		t.Error("NDEF message missing handover select record")
	}
	if !bytes.Contains(msg, []byte("application/vnd.bluetooth.le.oob")) {
		t.Error("NDEF message missing LE OOB carrier record")
	}
	if !bytes.Contains(msg, []byte("iso.org:18013:deviceengagement")) {
		t.Error("NDEF message missing device engagement record")
	}

	// The 128-bit service UUID travels little-endian in the AD structure.
	uuidLE := make([]byte, 16)
	for i := 0; i < 16; i++ {
		uuidLE[i] = identity.ServiceUUID[15-i]
	}
	if !bytes.Contains(msg, uuidLE) {
		t.Error("NDEF message missing little-endian service UUID")
	}
}

// The carrier is delivered exactly once per interaction; re-reading the
// file must not re-trigger the handover.
func TestEngineCarrierDeliveredOnce(t *testing.T) {
	e, _ := testEngine(t)

	_, first := readNDEFFile(t, e)
	if first == nil {
		t.Fatal("expected carrier on first full read")
	}

	_, second := readNDEFFile(t, e)
	if second != nil {
		t.Error("carrier must not be delivered twice")
	}
}

// Reinitialize starts a fresh interaction on the same identity: the
// carrier becomes deliverable again without the NDEF file changing.
func TestEngineReinitialize(t *testing.T) {
	e, identity := testEngine(t)
	readNDEFFile(t, e)

	e.Reinitialize()

	if got := e.Identity().ServiceUUID; got != identity.ServiceUUID {
		t.Errorf("identity changed across reinitialize: %s", got)
	}
	_, carrier := readNDEFFile(t, e)
	if carrier == nil {
		t.Error("expected carrier deliverable again after reinitialize")
	}
}

func TestEngineResetChangesIdentity(t *testing.T) {
	e, old := testEngine(t)
	fresh, err := transport.NewServiceIdentity(transport.RolePeripheral)
	if err != nil {
		t.Fatalf("NewServiceIdentity: %v", err)
	}

	e.Reset(fresh, nil)

	if got := e.Identity().ServiceUUID; got == old.ServiceUUID {
		t.Error("identity unchanged after reset")
	}
	_, carrier := readNDEFFile(t, e)
	if carrier == nil {
		t.Fatal("expected carrier after reset")
	}
	if carrier.ServiceUUID != fresh.ServiceUUID {
		t.Errorf("carrier UUID = %s, want %s", carrier.ServiceUUID, fresh.ServiceUUID)
	}
}

func TestEngineReadPastEnd(t *testing.T) {
	e, _ := testEngine(t)
	mustStatus(t, e, apduSelectAID(AIDNDEF), SWSuccess)
	mustStatus(t, e, apduSelectFile(FileCapabilityContainer), SWSuccess)
	mustStatus(t, e, apduReadBinary(0x7FFF, 1), SWIncorrectP1P2)
}

func TestEngineTagIsReadOnly(t *testing.T) {
	e, _ := testEngine(t)
	mustStatus(t, e, apduSelectAID(AIDNDEF), SWSuccess)

	update := []byte{0x00, 0xD6, 0x00, 0x00, 0x02, 0xAA, 0xBB}
	mustStatus(t, e, update, SWConditionsNotSatisfied)
}

func TestEngineRejectsDataTransferOverNFC(t *testing.T) {
	e, _ := testEngine(t)
	mustStatus(t, e, []byte{0x00, 0xC0, 0x00, 0x00, 0x00}, SWConditionsNotSatisfied)
	mustStatus(t, e, []byte{0x00, 0xC3, 0x00, 0x00, 0x01, 0xAA}, SWConditionsNotSatisfied)
}

func TestEngineUnknownInstruction(t *testing.T) {
	e, _ := testEngine(t)
	mustStatus(t, e, []byte{0x00, 0xFF, 0x00, 0x00}, SWInsNotSupported)
}
