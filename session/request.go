package session

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// deviceRequest mirrors the outer shape of an ISO 18013-5 DeviceRequest.
// Only the fields needed to extract items requests are decoded; reader
// authentication and everything else stays opaque.
type deviceRequest struct {
	Version     string       `cbor:"version"`
	DocRequests []docRequest `cbor:"docRequests"`
}

type docRequest struct {
	ItemsRequest cbor.RawMessage `cbor:"itemsRequest"`
}

type itemsRequest struct {
	DocType    string                     `cbor:"docType"`
	NameSpaces map[string]map[string]bool `cbor:"nameSpaces"`
}

// ParseDeviceRequest decodes the verifier's DeviceRequest message into
// items requests. It handles the usual tag-24 embedded-CBOR wrapping of
// itemsRequest without touching reader authentication.
func ParseDeviceRequest(raw []byte) ([]ItemsRequest, error) {
	var req deviceRequest
	if err := cbor.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode device request: %w", err)
	}
	if len(req.DocRequests) == 0 {
		return nil, fmt.Errorf("device request contains no doc requests")
	}

	out := make([]ItemsRequest, 0, len(req.DocRequests))
	for i, dr := range req.DocRequests {
		body, err := unwrapEmbeddedCBOR(dr.ItemsRequest)
		if err != nil {
			return nil, fmt.Errorf("doc request %d: %w", i, err)
		}

		var ir itemsRequest
		if err := cbor.Unmarshal(body, &ir); err != nil {
			return nil, fmt.Errorf("doc request %d: decode items request: %w", i, err)
		}
		out = append(out, ItemsRequest{
			DocType:    ir.DocType,
			Namespaces: ir.NameSpaces,
		})
	}
	return out, nil
}

// unwrapEmbeddedCBOR peels a tag 24 bstr-of-CBOR wrapper when present.
func unwrapEmbeddedCBOR(raw cbor.RawMessage) ([]byte, error) {
	var tag cbor.Tag
	if err := cbor.Unmarshal(raw, &tag); err == nil && tag.Number == 24 {
		if body, ok := tag.Content.([]byte); ok {
			return body, nil
		}
		return nil, fmt.Errorf("tag 24 content is not a byte string")
	}
	return raw, nil
}
