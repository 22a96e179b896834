package e2e

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"

	"tgmonitor/internal/domain"
	"tgmonitor/internal/gateway"
)

const (
	stubCode    = "24680"
	stubSession = "stub-session"
)

// gatewayStub answers gateway operations for one account and records sent messages.
type gatewayStub struct {
	nc      *nats.Conn
	dialogs []domain.Peer

	mu   sync.Mutex
	sent []gateway.Request
	ops  []string
}

func startGatewayStub(t *testing.T, natsURL string, dialogs []domain.Peer) *gatewayStub {
	t.Helper()

	nc, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("connect stub: %v", err)
	}
	stub := &gatewayStub{nc: nc, dialogs: dialogs}
	if _, err := nc.Subscribe(gatewayPrefix+".*", stub.handle); err != nil {
		t.Fatalf("subscribe stub: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush stub: %v", err)
	}
	t.Cleanup(nc.Close)
	return stub
}

func (s *gatewayStub) handle(msg *nats.Msg) {
	var req gateway.Request
	_ = json.Unmarshal(msg.Data, &req)
	op := strings.TrimPrefix(msg.Subject, gatewayPrefix+".")

	s.mu.Lock()
	s.ops = append(s.ops, op)
	s.mu.Unlock()

	reply := gateway.Reply{OK: true}
	switch op {
	case "authorized":
		reply.Authorized = s.authorized(req)
	case "send_code":
		reply.PhoneCodeHash = "hash-" + req.Phone
	case "sign_in":
		if req.Code != stubCode || req.PhoneCodeHash != "hash-"+req.Phone {
			reply = gateway.Reply{Error: "invalid code", Code: "PHONE_CODE_INVALID"}
		} else {
			s.mu.Lock()
			s.ops = append(s.ops, "authorized:"+req.SessionID)
			s.mu.Unlock()
		}
	case "export_session":
		reply.Session = stubSession
	case "dialogs":
		reply.Dialogs = s.dialogs
	case "entity":
		for _, dialog := range s.dialogs {
			if dialog.ID == req.PeerID {
				peer := dialog
				reply.Peer = &peer
			}
		}
		if reply.Peer == nil {
			reply = gateway.Reply{Error: "peer not found", Code: gateway.CodePeerIDInvalid}
		}
	case "send":
		s.mu.Lock()
		s.sent = append(s.sent, req)
		s.mu.Unlock()
	}
	body, _ := json.Marshal(reply)
	_ = msg.Respond(body)
}

// authorized is true once the account signed in or connected with the exported session.
func (s *gatewayStub) authorized(req gateway.Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range s.ops {
		if op == "authorized:"+req.SessionID {
			return true
		}
	}
	return req.Session == stubSession
}

// publish emits a new-message event for phone.
func (s *gatewayStub) publish(t *testing.T, phone string, event domain.InboundEvent) {
	t.Helper()

	body, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if err := s.nc.Publish(gateway.EventSubject(gatewayPrefix, phone), body); err != nil {
		t.Fatalf("publish event: %v", err)
	}
	if err := s.nc.Flush(); err != nil {
		t.Fatalf("flush event: %v", err)
	}
}

func (s *gatewayStub) sentMessages() []gateway.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]gateway.Request(nil), s.sent...)
}
