package transport

import "bytes"

// Chunking protocol over a GATT characteristic: every chunk is one
// continuation-flag byte followed by up to chunkSize-1 payload bytes.
// Flag 0x01 means more chunks follow, 0x00 marks the last chunk of a
// logical message. A single-chunk message still carries the flag byte,
// and an empty message (flag byte only) is legal.
const (
	flagMoreChunks = 0x01
	flagLastChunk  = 0x00
)

// MinChunkSize is the smallest usable chunk size: the flag byte plus one
// payload byte.
const MinChunkSize = 2

// Fragment splits payload into chunks of at most chunkSize bytes each,
// including the continuation-flag prefix. chunkSize must be at least
// MinChunkSize.
func Fragment(payload []byte, chunkSize int) ([][]byte, error) {
	if chunkSize < MinChunkSize {
		return nil, NewFramingError("Fragment", "chunk size %d below minimum %d", chunkSize, MinChunkSize)
	}

	dataPerChunk := chunkSize - 1
	var chunks [][]byte
	for {
		n := len(payload)
		if n > dataPerChunk {
			n = dataPerChunk
		}
		chunk := make([]byte, 1+n)
		copy(chunk[1:], payload[:n])
		payload = payload[n:]

		if len(payload) > 0 {
			chunk[0] = flagMoreChunks
		} else {
			chunk[0] = flagLastChunk
		}
		chunks = append(chunks, chunk)
		if len(payload) == 0 {
			return chunks, nil
		}
	}
}

// WriteFunc writes one chunk to the underlying characteristic.
type WriteFunc func(chunk []byte) error

// ProgressFunc is invoked after each successful chunk write with the
// total payload bytes sent so far.
type ProgressFunc func(bytesSent, totalBytes int)

// SendChunks fragments payload and writes the chunks in order. A write
// failure on any chunk aborts the whole logical send; partial sends are
// not retried here, the caller decides whether to resend or abort the
// session. progress may be nil.
func SendChunks(payload []byte, chunkSize int, write WriteFunc, progress ProgressFunc) error {
	chunks, err := Fragment(payload, chunkSize)
	if err != nil {
		return err
	}

	total := len(payload)
	sent := 0
	for _, chunk := range chunks {
		if err := write(chunk); err != nil {
			return NewSendError("SendChunks", err)
		}
		sent += len(chunk) - 1
		if progress != nil {
			progress(sent, total)
		}
	}
	return nil
}

// Assembler reassembles inbound chunks into logical messages. One
// Assembler owns exactly one direction of traffic; it must not be shared
// between characteristics.
//
// Chunk delivery on a GATT characteristic is strictly ordered, so the
// Assembler neither re-orders nor deduplicates.
type Assembler struct {
	buf bytes.Buffer
}

// Accumulate appends one chunk. When the chunk carries the last-chunk
// flag the completed message is returned with done=true and the buffer
// is cleared for the next message.
func (a *Assembler) Accumulate(chunk []byte) (msg []byte, done bool, err error) {
	if len(chunk) == 0 {
		return nil, false, NewFramingError("Accumulate", "empty chunk")
	}

	flag := chunk[0]
	if flag != flagMoreChunks && flag != flagLastChunk {
		return nil, false, NewFramingError("Accumulate", "unknown continuation flag 0x%02X", flag)
	}

	a.buf.Write(chunk[1:])
	if flag == flagMoreChunks {
		return nil, false, nil
	}

	out := make([]byte, a.buf.Len())
	copy(out, a.buf.Bytes())
	a.buf.Reset()
	return out, true, nil
}

// Pending returns the number of payload bytes accumulated for the
// message currently in flight.
func (a *Assembler) Pending() int {
	return a.buf.Len()
}

// Reset discards any partially assembled message. Called on disconnect.
func (a *Assembler) Reset() {
	a.buf.Reset()
}
