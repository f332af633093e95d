package bridge

import "context"

// PartyMessage is one inbound protocol message handed to the primitive module.
type PartyMessage struct {
	FromParty  int    `json:"from_party"`
	PayloadHex string `json:"payload_hex"`
}

// CallResult is the uniform return shape of every primitive module call.
// Success=false with a populated Error is a typed protocol failure (bad round
// data, party-count mismatch); it is not a host fault.
type CallResult struct {
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	OutgoingMsgHex string `json:"outgoing_msg_hex,omitempty"`
	IsFinal        bool   `json:"is_final,omitempty"`
	ResultJSON     string `json:"result_json,omitempty"`
}

// ShareInfo is the decoded ResultJSON of LoadShareMaterial.
type ShareInfo struct {
	PublicKey string `json:"public_key"`
	Address   string `json:"address"`
}

// HashFunc is the message-hash callback the primitive module calls back into.
// It is injected through Host instead of being registered on shared globals.
type HashFunc func([]byte) []byte

// Host is the capability surface the wallet client lends to the module.
type Host struct {
	Hash HashFunc
}

// Module is the call contract of the compiled primitive module. All
// cryptography happens behind this interface; the bridge only marshals and
// manages lifecycle.
type Module interface {
	// Ready reports whether the module's entry points are callable yet.
	Ready() bool

	// StartDKG creates a DKG session and returns this party's round-1 message.
	StartDKG(sessionID string, partyIndex, threshold, totalParties int) (*CallResult, error)

	// DKGRound feeds the counterparties' round messages in and returns this
	// party's reply for the round.
	DKGRound(sessionID string, round int, incoming []PartyMessage) (*CallResult, error)

	// StartSigning creates a signing session over a previously saved share.
	StartSigning(sessionID string, partyIndex int, messageHashHex, shareMaterialHex string, totalParties, threshold int) (*CallResult, error)

	// SigningRound mirrors DKGRound for the signing flow.
	SigningRound(sessionID string, round int, incoming []PartyMessage) (*CallResult, error)

	// LoadShareMaterial parses saved share material and reports its public key
	// and ethereum address (ResultJSON decodes into ShareInfo).
	LoadShareMaterial(shareMaterialHex string) (*CallResult, error)

	// CleanupSession releases all module-side state for a session.
	CleanupSession(sessionID string) error
}

// Loader produces the module instance. Implementations load the compiled
// artifact (shared object, wasm blob) and hand it the host capabilities.
type Loader func(ctx context.Context, host Host) (Module, error)
