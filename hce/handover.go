package hce

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/google/uuid"

	"github.com/spruceid/mdoc-proximity/transport"
)

// CarrierInfo is the negotiated carrier a successful static handover
// yields: the ephemeral BLE service to use, the role the holder plays
// on it, and the ident value for link authentication.
type CarrierInfo struct {
	ServiceUUID uuid.UUID
	Role        transport.Role
	Ident       []byte
}

// Engine emulates the NFC Forum Type 4 tag that carries the handover
// select message: SELECT of the NDEF application and its CC/NDEF files,
// plus READ BINARY of their contents. The handover is static, so the
// tag is read-only; the reader learns the BLE carrier by reading the
// NDEF file to its end.
type Engine struct {
	mu           sync.Mutex
	identity     transport.ServiceIdentity
	engagement   []byte
	ccFile       []byte
	ndefFile     []byte
	appSelected  bool
	selectedFile uint16
	delivered    bool
}

// NewEngine creates a handover engine for the identity. engagement, when
// not nil, is embedded in the NDEF message as an
// iso.org:18013:deviceengagement record alongside the carrier record.
func NewEngine(identity transport.ServiceIdentity, engagement []byte) *Engine {
	e := &Engine{}
	e.Reset(identity, engagement)
	return e
}

// Reset reinitializes the engine with a (possibly fresh) identity,
// discarding all per-interaction selection state.
func (e *Engine) Reset(identity transport.ServiceIdentity, engagement []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.identity = identity
	e.engagement = engagement
	e.ccFile = buildCapabilityContainer()
	e.ndefFile = buildNDEFFile(identity, engagement)
	e.appSelected = false
	e.selectedFile = 0
	e.delivered = false
}

// Reinitialize discards per-interaction selection state while keeping
// the current identity and engagement payload.
func (e *Engine) Reinitialize() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.appSelected = false
	e.selectedFile = 0
	e.delivered = false
}

// Identity returns the identity the engine currently hands out.
func (e *Engine) Identity() transport.ServiceIdentity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity
}

// Process answers one command APDU. When the reader finishes reading the
// NDEF file the negotiated carrier is returned once alongside the
// response.
func (e *Engine) Process(raw []byte) (resp []byte, carrier *CarrierInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch Classify(raw) {
	case CommandSelectAID:
		return e.selectAID(commandData(raw)), nil

	case CommandSelectFile:
		return e.selectFile(commandData(raw)), nil

	case CommandReadBinary:
		return e.readBinary(raw)

	case CommandUpdateBinary:
		// Static handover: the tag is read-only.
		return statusResponse(SWConditionsNotSatisfied), nil

	case CommandResponse, CommandEnvelope:
		// mdoc data transfer over NFC is not offered; the reader must
		// take the negotiated BLE carrier.
		return statusResponse(SWConditionsNotSatisfied), nil

	default:
		return statusResponse(SWInsNotSupported), nil
	}
}

func (e *Engine) selectAID(aid []byte) []byte {
	switch {
	case bytes.Equal(aid, AIDNDEF):
		e.appSelected = true
		e.selectedFile = 0
		return statusResponse(SWSuccess)
	case bytes.Equal(aid, AIDMdoc):
		// The mdoc application is registered alongside NDEF; answering
		// its SELECT keeps readers that probe both AIDs in the same
		// interaction.
		return statusResponse(SWSuccess)
	default:
		return statusResponse(SWFileNotFound)
	}
}

func (e *Engine) selectFile(fid []byte) []byte {
	if !e.appSelected {
		return statusResponse(SWConditionsNotSatisfied)
	}
	if len(fid) != 2 {
		return statusResponse(SWWrongLength)
	}

	switch binary.BigEndian.Uint16(fid) {
	case FileCapabilityContainer:
		e.selectedFile = FileCapabilityContainer
		return statusResponse(SWSuccess)
	case FileNDEF:
		e.selectedFile = FileNDEF
		return statusResponse(SWSuccess)
	default:
		return statusResponse(SWFileNotFound)
	}
}

func (e *Engine) readBinary(raw []byte) ([]byte, *CarrierInfo) {
	var file []byte
	switch e.selectedFile {
	case FileCapabilityContainer:
		file = e.ccFile
	case FileNDEF:
		file = e.ndefFile
	default:
		return statusResponse(SWConditionsNotSatisfied), nil
	}

	if len(raw) < 5 {
		return statusResponse(SWWrongLength), nil
	}
	offset := int(binary.BigEndian.Uint16(raw[2:4]))
	le := int(raw[4])
	if le == 0 {
		le = 256
	}

	if offset > len(file) {
		return statusResponse(SWIncorrectP1P2), nil
	}
	end := offset + le
	if end > len(file) {
		end = len(file)
	}

	var carrier *CarrierInfo
	if e.selectedFile == FileNDEF && end >= len(e.ndefFile) && !e.delivered {
		e.delivered = true
		carrier = &CarrierInfo{
			ServiceUUID: e.identity.ServiceUUID,
			Role:        e.identity.Role,
			Ident:       e.identity.Ident,
		}
	}

	return dataResponse(file[offset:end], SWSuccess), carrier
}

// buildCapabilityContainer produces the Type 4 tag CC file: mapping
// version 2.0, generous MLe/MLc, one read-only NDEF file control TLV.
func buildCapabilityContainer() []byte {
	return []byte{
		0x00, 0x0F, // CCLEN
		0x20,       // mapping version 2.0
		0x7F, 0xFF, // MLe
		0x7F, 0xFF, // MLc
		0x04, 0x06, // NDEF file control TLV
		0xE1, 0x04, // file identifier
		0x7F, 0xFF, // maximum NDEF file size
		0x00, // read access granted
		0xFF, // write access denied
	}
}

// buildNDEFFile produces the NDEF file contents: a 2-byte length prefix
// followed by a handover select message whose alternative carrier points
// at a Bluetooth LE OOB record describing the ephemeral mdoc service.
func buildNDEFFile(identity transport.ServiceIdentity, engagement []byte) []byte {
	ac := Record{
		TNF:  tnfWellKnown,
		Type: []byte("ac"),
		// active carrier, 1-byte reference "0", no auxiliary records
		Payload: []byte{0x01, 0x01, '0', 0x00},
	}
	hs := Record{
		TNF:     tnfWellKnown,
		Type:    []byte("Hs"),
		Payload: append([]byte{0x15}, EncodeMessage([]Record{ac})...),
	}
	oob := Record{
		TNF:     tnfMIME,
		Type:    []byte("application/vnd.bluetooth.le.oob"),
		ID:      []byte("0"),
		Payload: buildLEOOBPayload(identity),
	}

	records := []Record{hs, oob}
	if len(engagement) > 0 {
		records = append(records, Record{
			TNF:     tnfExternal,
			Type:    []byte("iso.org:18013:deviceengagement"),
			ID:      []byte("mdoc"),
			Payload: engagement,
		})
	}

	msg := EncodeMessage(records)
	out := make([]byte, len(msg)+2)
	binary.BigEndian.PutUint16(out, uint16(len(msg)))
	copy(out[2:], msg)
	return out
}

// buildLEOOBPayload assembles the Bluetooth LE out-of-band advertising
// structures: the holder's LE role, the ephemeral service UUID, and the
// ident value as service data under that UUID.
func buildLEOOBPayload(identity transport.ServiceIdentity) []byte {
	role := byte(leRolePeripheralOnly)
	if identity.Role == transport.RoleCentral {
		role = leRoleCentralOnly
	}

	// AD structures carry 128-bit UUIDs little-endian.
	uuidLE := reverse16(identity.ServiceUUID)

	var buf []byte
	buf = appendADStructure(buf, adTypeLERole, []byte{role})
	buf = appendADStructure(buf, adTypeComplete128UUID, uuidLE)
	buf = appendADStructure(buf, adTypeServiceData128, append(uuidLE, identity.Ident...))
	return buf
}

func reverse16(u uuid.UUID) []byte {
	out := make([]byte, 16)
	for i := 0; i < 16; i++ {
		out[i] = u[15-i]
	}
	return out
}
