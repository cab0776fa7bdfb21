package session

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/spruceid/mdoc-proximity/transport"
)

// QRPrefix is the URI scheme of the engagement payload shown as a QR
// code, ISO 18013-5 clause 8.2.2.3.
const QRPrefix = "mdoc:"

// engagementVersion is the DeviceEngagement structure version.
const engagementVersion = "1.0"

// BLE retrieval option keys, ISO 18013-5 table 12.
const (
	optPeripheralServerMode  = 0
	optCentralClientMode     = 1
	optPeripheralServerUUID  = 10
	optCentralClientUUID     = 11
	optPeripheralServerIdent = 20
)

// DeviceRetrievalMethod fields, ISO 18013-5 clause 8.2.2.3.
const (
	retrievalTypeBLE       = 2
	retrievalMethodVersion = 1
)

// securityCipherSuite is the cipher suite identifier in the Security
// structure.
const securityCipherSuite = 1

// Engagement is the device engagement data generated per session: which
// BLE modes are on offer and under which ephemeral identities.
type Engagement struct {
	Peripheral *transport.ServiceIdentity
	Central    *transport.ServiceIdentity

	// EDeviceKey is the CBOR-encoded ephemeral device public key
	// (EDeviceKeyBytes content) supplied by the signer collaborator.
	// Empty until session encryption is wired up; the Security entry is
	// still emitted so readers see the standard structure shape.
	EDeviceKey []byte
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Encode serializes the DeviceEngagement structure to CBOR.
func (e Engagement) Encode() ([]byte, error) {
	if e.Peripheral == nil && e.Central == nil {
		return nil, fmt.Errorf("engagement offers no retrieval method")
	}

	options := map[int]interface{}{
		optPeripheralServerMode: e.Peripheral != nil,
		optCentralClientMode:    e.Central != nil,
	}
	if e.Peripheral != nil {
		options[optPeripheralServerUUID] = e.Peripheral.ServiceUUID[:]
		options[optPeripheralServerIdent] = e.Peripheral.Ident
	}
	if e.Central != nil {
		options[optCentralClientUUID] = e.Central.ServiceUUID[:]
	}

	key := e.EDeviceKey
	if key == nil {
		key = []byte{}
	}
	engagement := map[int]interface{}{
		0: engagementVersion,
		1: []interface{}{securityCipherSuite, cbor.Tag{Number: 24, Content: key}},
		2: []interface{}{
			[]interface{}{retrievalTypeBLE, retrievalMethodVersion, options},
		},
	}
	return encMode.Marshal(engagement)
}

// QR returns the engagement payload as the URI encoded into a QR code.
func (e Engagement) QR() (string, error) {
	raw, err := e.Encode()
	if err != nil {
		return "", err
	}
	return QRPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeEngagement parses an engagement QR payload back into its
// identities. Used by tests and by verifier-side tooling.
func DecodeEngagement(payload string) (Engagement, error) {
	if !strings.HasPrefix(payload, QRPrefix) {
		return Engagement{}, fmt.Errorf("engagement payload missing %q prefix", QRPrefix)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(payload, QRPrefix))
	if err != nil {
		return Engagement{}, fmt.Errorf("decode engagement: %w", err)
	}

	var engagement struct {
		Version  string            `cbor:"0,keyasint"`
		Security []cbor.RawMessage `cbor:"1,keyasint"`
		Methods  []cbor.RawMessage `cbor:"2,keyasint"`
	}
	if err := cbor.Unmarshal(raw, &engagement); err != nil {
		return Engagement{}, fmt.Errorf("decode engagement: %w", err)
	}
	if engagement.Version != engagementVersion {
		return Engagement{}, fmt.Errorf("unsupported engagement version %q", engagement.Version)
	}
	if len(engagement.Security) != 2 {
		return Engagement{}, fmt.Errorf("malformed security structure")
	}

	var options map[int]cbor.RawMessage
	for _, rawMethod := range engagement.Methods {
		var method []cbor.RawMessage
		if err := cbor.Unmarshal(rawMethod, &method); err != nil || len(method) != 3 {
			return Engagement{}, fmt.Errorf("malformed retrieval method")
		}
		var methodType int
		if err := cbor.Unmarshal(method[0], &methodType); err != nil || methodType != retrievalTypeBLE {
			continue
		}
		if err := cbor.Unmarshal(method[2], &options); err != nil {
			return Engagement{}, fmt.Errorf("malformed retrieval options: %w", err)
		}
		break
	}
	if options == nil {
		return Engagement{}, fmt.Errorf("engagement offers no BLE retrieval method")
	}

	var out Engagement
	var keyTag cbor.Tag
	if err := cbor.Unmarshal(engagement.Security[1], &keyTag); err == nil {
		if b, ok := keyTag.Content.([]byte); ok && len(b) > 0 {
			out.EDeviceKey = b
		}
	}
	if rawUUID, ok := options[optPeripheralServerUUID]; ok {
		identity := transport.ServiceIdentity{Role: transport.RolePeripheral}
		if identity.ServiceUUID, err = decodeUUID(rawUUID); err != nil {
			return Engagement{}, err
		}
		if rawIdent, ok := options[optPeripheralServerIdent]; ok {
			if err := cbor.Unmarshal(rawIdent, &identity.Ident); err != nil {
				return Engagement{}, fmt.Errorf("malformed ident: %w", err)
			}
		}
		out.Peripheral = &identity
	}
	if rawUUID, ok := options[optCentralClientUUID]; ok {
		identity := transport.ServiceIdentity{Role: transport.RoleCentral}
		if identity.ServiceUUID, err = decodeUUID(rawUUID); err != nil {
			return Engagement{}, err
		}
		out.Central = &identity
	}
	return out, nil
}

func decodeUUID(raw cbor.RawMessage) (uuid.UUID, error) {
	var b []byte
	if err := cbor.Unmarshal(raw, &b); err != nil {
		return uuid.Nil, fmt.Errorf("malformed service UUID: %w", err)
	}
	u, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.Nil, fmt.Errorf("malformed service UUID: %w", err)
	}
	return u, nil
}
