package ble

// Characteristic UUIDs for mdoc data retrieval, ISO/IEC 18013-5 clause 8.3.3.1.1.
// The service UUID itself is ephemeral and comes from the engagement; the
// characteristics under it are fixed per mode.
const (
	// mdoc peripheral server mode (holder is the GATT server)
	PeripheralStateUUID         = "00000001-a123-48ce-896b-4c76973373e6"
	PeripheralClient2ServerUUID = "00000002-a123-48ce-896b-4c76973373e6"
	PeripheralServer2ClientUUID = "00000003-a123-48ce-896b-4c76973373e6"

	// mdoc central client mode (holder is the GATT client)
	CentralStateUUID         = "00000005-a123-48ce-896b-4c76973373e6"
	CentralClient2ServerUUID = "00000006-a123-48ce-896b-4c76973373e6"
	CentralServer2ClientUUID = "00000007-a123-48ce-896b-4c76973373e6"
	CentralIdentUUID         = "00000008-a123-48ce-896b-4c76973373e6"
)

// Commands written to the State characteristic.
const (
	StateCommandStart = 0x01
	StateCommandEnd   = 0x02
)

// DefaultMTU is the ATT minimum; the usable chunk size is MTU minus the
// 3-byte ATT write header.
const DefaultMTU = 23

// attHeaderSize is reserved from the negotiated MTU for the ATT header on
// every write/notification.
const attHeaderSize = 3
