package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"oidcagent/internal/store"
)

// ErrUnknownCommand is returned for a message whose type tag is not part of
// the protocol. Such messages get no reply.
var ErrUnknownCommand = errors.New("unknown command")

// ErrMalformed is returned when a message's data does not decode.
var ErrMalformed = errors.New("malformed message data")

type Type string

const (
	TypeClear           Type = "clear"
	TypeInit            Type = "init"
	TypeSetState        Type = "setState"
	TypeGetState        Type = "getState"
	TypeSetCodeVerifier Type = "setCodeVerifier"
	TypeGetCodeVerifier Type = "getCodeVerifier"
	TypeSetSessionState Type = "setSessionState"
	TypeGetSessionState Type = "getSessionState"
	TypeSetNonce        Type = "setNonce"
	TypeGetNonce        Type = "getNonce"
	TypeSetDPoPNonce    Type = "setDemonstratingProofOfPossessionNonce"
	TypeGetDPoPNonce    Type = "getDemonstratingProofOfPossessionNonce"
	TypeClaim           Type = "claim"
)

// Message is the wire envelope of one protocol call.
type Message struct {
	Type              Type            `json:"type"`
	ConfigurationName string          `json:"configurationName"`
	TabID             string          `json:"tabId,omitempty"`
	Data              json.RawMessage `json:"data,omitempty"`
}

// Command is the closed set of protocol operations.
type Command interface {
	Type() Type
}

// Init stores the server and page configuration of an entry.
type Init struct {
	ServerConfiguration store.ServerConfiguration
	OIDCConfiguration   map[string]any
}

type (
	Clear           struct{ Status string }
	SetState        struct{ State string }
	GetState        struct{}
	SetCodeVerifier struct{ CodeVerifier string }
	GetCodeVerifier struct{}
	SetSessionState struct{ SessionState string }
	GetSessionState struct{}
	SetNonce        struct{ Nonce string }
	GetNonce        struct{}
	SetDPoPNonce    struct{ Nonce string }
	GetDPoPNonce    struct{}
	Claim           struct{}
)

func (Clear) Type() Type           { return TypeClear }
func (Init) Type() Type            { return TypeInit }
func (SetState) Type() Type        { return TypeSetState }
func (GetState) Type() Type        { return TypeGetState }
func (SetCodeVerifier) Type() Type { return TypeSetCodeVerifier }
func (GetCodeVerifier) Type() Type { return TypeGetCodeVerifier }
func (SetSessionState) Type() Type { return TypeSetSessionState }
func (GetSessionState) Type() Type { return TypeGetSessionState }
func (SetNonce) Type() Type        { return TypeSetNonce }
func (GetNonce) Type() Type        { return TypeGetNonce }
func (SetDPoPNonce) Type() Type    { return TypeSetDPoPNonce }
func (GetDPoPNonce) Type() Type    { return TypeGetDPoPNonce }
func (Claim) Type() Type           { return TypeClaim }

// payload is the union of every data field the protocol carries.
type payload struct {
	Status                              *string                    `json:"status"`
	OIDCServerConfiguration             *store.ServerConfiguration `json:"oidcServerConfiguration"`
	OIDCConfiguration                   map[string]any             `json:"oidcConfiguration"`
	State                               *string                    `json:"state"`
	CodeVerifier                        *string                    `json:"codeVerifier"`
	SessionState                        *string                    `json:"sessionState"`
	Nonce                               *string                    `json:"nonce"`
	DemonstratingProofOfPossessionNonce *string                    `json:"demonstratingProofOfPossessionNonce"`
}

// Decode turns a wire message into its command.
func Decode(m Message) (Command, error) {
	var p payload
	if len(m.Data) > 0 && string(m.Data) != "null" {
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, m.Type, err)
		}
	}
	switch m.Type {
	case TypeClear:
		return Clear{Status: deref(p.Status)}, nil
	case TypeInit:
		c := Init{OIDCConfiguration: p.OIDCConfiguration}
		if p.OIDCServerConfiguration != nil {
			c.ServerConfiguration = *p.OIDCServerConfiguration
		}
		return c, nil
	case TypeSetState:
		return SetState{State: deref(p.State)}, nil
	case TypeGetState:
		return GetState{}, nil
	case TypeSetCodeVerifier:
		return SetCodeVerifier{CodeVerifier: deref(p.CodeVerifier)}, nil
	case TypeGetCodeVerifier:
		return GetCodeVerifier{}, nil
	case TypeSetSessionState:
		return SetSessionState{SessionState: deref(p.SessionState)}, nil
	case TypeGetSessionState:
		return GetSessionState{}, nil
	case TypeSetNonce:
		return SetNonce{Nonce: deref(p.Nonce)}, nil
	case TypeGetNonce:
		return GetNonce{}, nil
	case TypeSetDPoPNonce:
		return SetDPoPNonce{Nonce: deref(p.DemonstratingProofOfPossessionNonce)}, nil
	case TypeGetDPoPNonce:
		return GetDPoPNonce{}, nil
	case TypeClaim:
		return Claim{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, m.Type)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
