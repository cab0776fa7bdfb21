package hce

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/clausecker/nfc/v2"
)

// TargetReader drives the dispatcher from a physical libnfc device put
// into ISO 14443-4 target mode, so a desktop holder can present to a
// contact reader the same way a phone's HCE service would.
type TargetReader struct {
	device     nfc.Device
	dispatcher *Dispatcher
	logger     *log.Logger
}

// OpenTarget opens the libnfc device named by conn ("" for the first
// available) and binds it to the dispatcher.
func OpenTarget(conn string, dispatcher *Dispatcher) (*TargetReader, error) {
	device, err := nfc.Open(conn)
	if err != nil {
		return nil, fmt.Errorf("open nfc device %q: %w", conn, err)
	}
	return &TargetReader{
		device:     device,
		dispatcher: dispatcher,
		logger:     log.New(os.Stderr, "[nfc-target] ", log.LstdFlags),
	}, nil
}

// Run emulates the tag until ctx is cancelled or the reader drops the
// field. Each field drop is reported to the dispatcher as a
// deactivation, matching HCE semantics.
func (t *TargetReader) Run(ctx context.Context) error {
	defer t.device.Close()

	target := &nfc.ISO14443aTarget{
		Atqa:   [2]byte{0x00, 0x04},
		Sak:    0x20, // ISO 14443-4 compliant
		UIDLen: 4,
		UID:    [10]byte{0x08, 0x12, 0x34, 0x56},
	}

	rx := make([]byte, 1024)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		t.logger.Printf("waiting for reader field on %s", t.device.String())
		n, _, err := t.device.TargetInit(target, rx, -1)
		if err != nil {
			return fmt.Errorf("target init: %w", err)
		}

		for {
			resp := t.dispatcher.ProcessCommand(rx[:n])
			if _, err := t.device.TargetSendBytes(resp, -1); err != nil {
				t.logger.Printf("field lost while responding: %v", err)
				break
			}

			n, err = t.device.TargetReceiveBytes(rx, -1)
			if err != nil {
				t.logger.Printf("field lost: %v", err)
				break
			}
		}

		t.dispatcher.Deactivated()
	}
}
