package transport

// EventKind identifies one of the closed set of notifications a transport
// delivers to the session orchestrator.
type EventKind int

const (
	// EventConnected signals that a peer completed the connection handshake.
	EventConnected EventKind = iota

	// EventDisconnected signals that the peer went away. Peer-initiated
	// disconnects are normal state transitions, not errors.
	EventDisconnected

	// EventMessage carries a complete reassembled inbound message.
	EventMessage

	// EventSendProgress reports outbound progress after each chunk write.
	EventSendProgress

	// EventReceiveProgress reports inbound accumulation after each chunk.
	// TotalBytes is zero when the peer does not announce a length upfront.
	EventReceiveProgress

	// EventTermination signals a peer-initiated graceful session close
	// (termination code on the state characteristic).
	EventTermination

	// EventError carries an unrecoverable transport fault.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message"
	case EventSendProgress:
		return "send-progress"
	case EventReceiveProgress:
		return "receive-progress"
	case EventTermination:
		return "termination"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a single transport notification. Fields beyond Kind are set
// depending on the kind.
type Event struct {
	Kind       EventKind
	Message    []byte // EventMessage
	BytesDone  int    // EventSendProgress / EventReceiveProgress
	TotalBytes int    // EventSendProgress; zero for receive progress
	Err        error  // EventError
}
