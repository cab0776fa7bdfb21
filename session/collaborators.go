// Package session composes the proximity transports behind the
// presentation state machine an application drives: engagement,
// connection, request receipt, selective disclosure, response
// transmission, and termination.
package session

// ItemsRequest is one document request parsed from the verifier's
// message: per namespace, the requested element identifiers and whether
// the verifier intends to retain each.
type ItemsRequest struct {
	DocType    string
	Namespaces map[string]map[string]bool
}

// MDocSession is the external mdoc collaborator: it turns the raw
// request bytes received over the transport into structured requests,
// and selected items back into response bytes. Credential encoding is
// its business, not this package's.
type MDocSession interface {
	// ParseRequest decodes the verifier's request message.
	ParseRequest(raw []byte) ([]ItemsRequest, error)

	// BuildResponse assembles the unsigned response payload from the
	// holder-approved items.
	BuildResponse(approved []ItemsRequest) ([]byte, error)

	// FinalizeResponse binds the signature produced over the payload
	// into the final response message.
	FinalizeResponse(payload, signature []byte) ([]byte, error)
}

// Signer produces the device signature over a response payload. Keyed
// by an opaque alias into whatever keystore the application uses.
type Signer interface {
	Sign(payload []byte) ([]byte, error)
	KeyAlias() string
}
