package session

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Envelope is the JSON frame exchanged with the coordinator.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Envelope types.
const (
	msgAuth         = "auth"
	msgAuthOK       = "auth_ok"
	msgAuthError    = "auth_error"
	msgDKGStart     = "dkg_start"
	msgDKGRound     = "dkg_round"
	msgDKGComplete  = "dkg_complete"
	msgDKGError     = "dkg_error"
	msgSignStart    = "sign_start"
	msgSignRound    = "sign_round"
	msgSignComplete = "sign_complete"
	msgSignError    = "sign_error"
	msgError        = "error"
	msgPing         = "ping"
	msgPong         = "pong"
)

type authRequest struct {
	Token string `json:"token"`
}

type authOKPayload struct {
	SessionID string `json:"session_id"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type dkgStartRequest struct {
	WalletID string `json:"wallet_id"`
}

type signStartRequest struct {
	KeysetID    string `json:"keyset_id"`
	TxID        string `json:"tx_id"`
	MessageHash string `json:"message_hash"`
}

// roundInbound is a dkg_round/sign_round payload. The topology fields are only
// present on round 1.
type roundInbound struct {
	Round               int     `json:"round"`
	CounterpartyMessage *string `json:"counterparty_message"`
	PartyIndex          *int    `json:"party_index,omitempty"`
	Threshold           *int    `json:"threshold,omitempty"`
	TotalParties        *int    `json:"total_parties,omitempty"`
}

type roundOutbound struct {
	Round       int    `json:"round"`
	UserMessage string `json:"user_message"`
}

type dkgCompletePayload struct {
	KeysetID        string `json:"keyset_id"`
	EthereumAddress string `json:"ethereum_address"`
	PublicKey       string `json:"public_key"`
	UserShare       string `json:"user_share"` // hex-encoded raw share
}

type signCompletePayload struct {
	SignatureR    string `json:"signature_r"`
	SignatureS    string `json:"signature_s"`
	SignatureV    int    `json:"signature_v"`
	FullSignature string `json:"full_signature"`
}

// encodeEnvelope builds the wire bytes for one outbound frame.
func encodeEnvelope(typ, sessionID string, data any) ([]byte, error) {
	env := Envelope{Type: typ, SessionID: sessionID}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to marshal %s payload", typ)
		}
		env.Data = raw
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal %s envelope", typ)
	}
	return out, nil
}
