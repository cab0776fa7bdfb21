package session

// Kind enumerates the presentation states surfaced to the application.
// Transitions are one-directional except for an explicit Reset, which
// returns to Initializing with fresh service identity.
type Kind int

const (
	KindInitializing Kind = iota
	KindActionRequired
	KindConnecting
	KindConnected
	KindReceivingRequest
	KindReceivedRequest
	KindSendingResponse
	KindSentResponse
	KindRequestDismissed
	KindReaderDisconnected
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindInitializing:
		return "initializing"
	case KindActionRequired:
		return "action-required"
	case KindConnecting:
		return "connecting"
	case KindConnected:
		return "connected"
	case KindReceivingRequest:
		return "receiving-request"
	case KindReceivedRequest:
		return "received-request"
	case KindSendingResponse:
		return "sending-response"
	case KindSentResponse:
		return "sent-response"
	case KindRequestDismissed:
		return "request-dismissed"
	case KindReaderDisconnected:
		return "reader-disconnected"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// ActionReason says what the user must do before a session can proceed.
type ActionReason int

const (
	ActionNone ActionReason = iota
	ActionBluetoothOff
	ActionAuthorizationRequired
)

// State is one presentation state. Fields beyond Kind are populated
// depending on the kind.
type State struct {
	Kind Kind

	// Action is set for KindActionRequired.
	Action ActionReason

	// Engagement is the QR payload, set for KindConnecting.
	Engagement string

	// BytesDone/TotalBytes are set for KindReceivingRequest and
	// KindSendingResponse. TotalBytes is zero when unknown.
	BytesDone  int
	TotalBytes int

	// Requests is set for KindReceivedRequest.
	Requests []ItemsRequest

	// Err is set for KindError.
	Err error
}

// Terminal reports whether no further transport activity can change the
// state (short of Reset).
func (s State) Terminal() bool {
	switch s.Kind {
	case KindSentResponse, KindRequestDismissed, KindReaderDisconnected, KindError:
		return true
	}
	return false
}
