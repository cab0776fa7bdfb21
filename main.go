// Package main runs the mdoc holder agent: it starts a proximity
// presentation session over BLE, emulates the NFC static handover tag
// when a libnfc device is available, and exposes both to companion apps
// through a local WebSocket server.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fxamacker/cbor/v2"
	"tinygo.org/x/bluetooth"

	"github.com/spruceid/mdoc-proximity/agent"
	"github.com/spruceid/mdoc-proximity/ble"
	"github.com/spruceid/mdoc-proximity/buildinfo"
	"github.com/spruceid/mdoc-proximity/hce"
	"github.com/spruceid/mdoc-proximity/session"
	"github.com/spruceid/mdoc-proximity/transport"
)

var (
	defaultPort = 18080

	portFlag        int
	peripheralFlag  bool
	centralFlag     bool
	nfcDeviceFlag   string
	nfcFlag         bool
	localNameFlag   string
	autoApproveFlag bool
	versionFlag     bool

	// Global state, set once in main before the session starts.
	currentSession *session.Session
)

func main() {
	flag.IntVar(&portFlag, "port", defaultPort, "Port to listen on for companion connections")
	flag.BoolVar(&peripheralFlag, "peripheral", true, "Offer BLE peripheral server mode")
	flag.BoolVar(&centralFlag, "central", false, "Offer BLE central client mode")
	flag.BoolVar(&nfcFlag, "nfc", false, "Emulate the NFC handover tag on a libnfc device")
	flag.StringVar(&nfcDeviceFlag, "nfc-device", "", "libnfc connection string (empty for first available)")
	flag.StringVar(&localNameFlag, "name", "mdoc", "BLE local name advertised to readers")
	flag.BoolVar(&autoApproveFlag, "auto-approve", false, "Approve every request without confirmation (development)")
	flag.BoolVar(&versionFlag, "version", false, "Print version information and exit")
	flag.Parse()

	if versionFlag {
		fmt.Println(buildinfo.BuildInfo())
		return
	}

	var modes []transport.Role
	if peripheralFlag {
		modes = append(modes, transport.RolePeripheral)
	}
	if centralFlag {
		modes = append(modes, transport.RoleCentral)
	}
	if len(modes) == 0 {
		log.Fatal("at least one of -peripheral or -central is required")
	}

	signer, err := newDevSigner()
	if err != nil {
		log.Fatalf("Failed to create signer: %v", err)
	}

	sess, err := session.New(session.Config{
		Modes:   modes,
		Factory: bleFactory(localNameFlag),
		MDoc:    &devMDocSession{},
		Signer:  signer,
		OnState: onState,
	})
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}
	currentSession = sess

	if err := sess.Start(); err != nil {
		log.Fatalf("Failed to start session: %v", err)
	}
	defer sess.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := newDispatcher(sess)
	if nfcFlag {
		target, err := hce.OpenTarget(nfcDeviceFlag, dispatcher)
		if err != nil {
			log.Printf("NFC device unavailable, continuing without tag emulation: %v", err)
		} else {
			go func() {
				if err := target.Run(ctx); err != nil && ctx.Err() == nil {
					log.Printf("NFC target stopped: %v", err)
				}
			}()
		}
	}

	server := agent.New(agent.Config{
		Port:       portFlag,
		Dispatcher: dispatcher,
		Session:    sess,
	})
	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()
	defer server.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("Shutdown signal received, stopping agent...")
}

func onState(st session.State) {
	switch st.Kind {
	case session.KindConnecting:
		fmt.Println("Scan to present:")
		fmt.Println(st.Engagement)
	case session.KindReceivedRequest:
		for _, req := range st.Requests {
			log.Printf("Reader requests %s (%d namespaces)", req.DocType, len(req.Namespaces))
		}
		if autoApproveFlag && currentSession != nil {
			log.Println("Auto-approving request")
			// Approve is queued onto the session goroutine, so calling it
			// from the state callback cannot deadlock.
			go currentSession.Approve(st.Requests)
		}
	case session.KindSentResponse:
		log.Println("Response delivered")
	case session.KindError:
		log.Printf("Presentation failed: %v", st.Err)
	}
}

// bleFactory builds real transports over the default adapter.
func bleFactory(localName string) session.TransportFactory {
	return func(identity transport.ServiceIdentity, sm *transport.StateMachine) (transport.Transport, error) {
		switch identity.Role {
		case transport.RolePeripheral:
			backend := ble.NewTinyGoServer(bluetooth.DefaultAdapter)
			return ble.NewPeripheral(identity, backend, sm, localName), nil
		case transport.RoleCentral:
			backend := ble.NewTinyGoClient(bluetooth.DefaultAdapter)
			return ble.NewCentral(identity, backend, sm, nil), nil
		default:
			return nil, fmt.Errorf("unsupported role %s", identity.Role)
		}
	}
}

// newDispatcher wires the NFC static handover to a fresh peripheral
// identity, with the engagement payload embedded in the NDEF message.
func newDispatcher(sess *session.Session) *hce.Dispatcher {
	newIdentity := func() (transport.ServiceIdentity, []byte) {
		identity, err := transport.NewServiceIdentity(transport.RolePeripheral)
		if err != nil {
			log.Fatalf("Failed to generate service identity: %v", err)
		}
		engagement, err := session.Engagement{Peripheral: &identity}.Encode()
		if err != nil {
			log.Fatalf("Failed to encode engagement: %v", err)
		}
		return identity, engagement
	}

	identity, engagement := newIdentity()
	return hce.NewDispatcher(hce.DispatcherConfig{
		Engine:      hce.NewEngine(identity, engagement),
		NewIdentity: newIdentity,
		Cb: hce.Callbacks{
			NegotiatedTransport: func(carrier hce.CarrierInfo) {
				log.Printf("Reader negotiated %s carrier %s", carrier.Role, carrier.ServiceUUID)
			},
			Notify: func(n hce.Notification) {
				log.Printf("NFC interaction ended: %s", n)
			},
		},
	})
}

// devMDocSession is a development stand-in for a real credential store:
// it answers every approved element with a placeholder value. Production
// deployments supply their own MDocSession backed by issued credentials.
type devMDocSession struct{}

func (devMDocSession) ParseRequest(raw []byte) ([]session.ItemsRequest, error) {
	return session.ParseDeviceRequest(raw)
}

func (devMDocSession) BuildResponse(approved []session.ItemsRequest) ([]byte, error) {
	docs := make([]map[string]interface{}, 0, len(approved))
	for _, req := range approved {
		namespaces := make(map[string]map[string]string)
		for ns, elems := range req.Namespaces {
			namespaces[ns] = make(map[string]string)
			for elem := range elems {
				namespaces[ns][elem] = "dev-placeholder"
			}
		}
		docs = append(docs, map[string]interface{}{
			"docType":    req.DocType,
			"namespaces": namespaces,
		})
	}
	return cbor.Marshal(map[string]interface{}{
		"version":   "1.0",
		"documents": docs,
	})
}

func (devMDocSession) FinalizeResponse(payload, signature []byte) ([]byte, error) {
	return cbor.Marshal(map[string]interface{}{
		"payload":   payload,
		"signature": signature,
	})
}

// devSigner signs with an ephemeral P-256 key generated at startup.
type devSigner struct {
	key *ecdsa.PrivateKey
}

func newDevSigner() (*devSigner, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate device key: %w", err)
	}
	return &devSigner{key: key}, nil
}

func (s *devSigner) Sign(payload []byte) ([]byte, error) {
	digest := sha256.Sum256(payload)
	return ecdsa.SignASN1(rand.Reader, s.key, digest[:])
}

func (s *devSigner) KeyAlias() string { return "dev-ephemeral-p256" }
