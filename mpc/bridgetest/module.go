// Package bridgetest provides a scriptable in-memory primitive module for
// tests, mirroring how the transport package ships a mock implementation.
package bridgetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/custodia-network/mpc-wallet-client/mpc/bridge"
)

// Module is a fake primitive module. Every operation can be overridden with a
// function field; unset operations return a deterministic success result.
type Module struct {
	ready atomic.Bool

	StartDKGFunc          func(sessionID string, partyIndex, threshold, totalParties int) (*bridge.CallResult, error)
	DKGRoundFunc          func(sessionID string, round int, incoming []bridge.PartyMessage) (*bridge.CallResult, error)
	StartSigningFunc      func(sessionID string, partyIndex int, messageHashHex, shareMaterialHex string, totalParties, threshold int) (*bridge.CallResult, error)
	SigningRoundFunc      func(sessionID string, round int, incoming []bridge.PartyMessage) (*bridge.CallResult, error)
	LoadShareMaterialFunc func(shareMaterialHex string) (*bridge.CallResult, error)

	mu        sync.Mutex
	calls     []string
	cleanedUp []string
}

// New returns a module that is immediately ready.
func New() *Module {
	m := &Module{}
	m.ready.Store(true)
	return m
}

// SetReady flips the readiness flag the bridge polls.
func (m *Module) SetReady(ready bool) {
	m.ready.Store(ready)
}

// Ready implements bridge.Module.
func (m *Module) Ready() bool {
	return m.ready.Load()
}

// Calls returns the operations invoked so far, in order.
func (m *Module) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// CleanedUp returns the session IDs passed to CleanupSession.
func (m *Module) CleanedUp() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.cleanedUp))
	copy(out, m.cleanedUp)
	return out
}

func (m *Module) record(call string) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
}

// StartDKG implements bridge.Module.
func (m *Module) StartDKG(sessionID string, partyIndex, threshold, totalParties int) (*bridge.CallResult, error) {
	m.record("startDKG")
	if m.StartDKGFunc != nil {
		return m.StartDKGFunc(sessionID, partyIndex, threshold, totalParties)
	}
	return &bridge.CallResult{Success: true, OutgoingMsgHex: "d1a1"}, nil
}

// DKGRound implements bridge.Module.
func (m *Module) DKGRound(sessionID string, round int, incoming []bridge.PartyMessage) (*bridge.CallResult, error) {
	m.record(fmt.Sprintf("dkgRound:%d", round))
	if m.DKGRoundFunc != nil {
		return m.DKGRoundFunc(sessionID, round, incoming)
	}
	return &bridge.CallResult{Success: true, OutgoingMsgHex: fmt.Sprintf("d1a%d", round)}, nil
}

// StartSigning implements bridge.Module.
func (m *Module) StartSigning(sessionID string, partyIndex int, messageHashHex, shareMaterialHex string, totalParties, threshold int) (*bridge.CallResult, error) {
	m.record("startSigning")
	if m.StartSigningFunc != nil {
		return m.StartSigningFunc(sessionID, partyIndex, messageHashHex, shareMaterialHex, totalParties, threshold)
	}
	return &bridge.CallResult{Success: true, OutgoingMsgHex: "51a1"}, nil
}

// SigningRound implements bridge.Module.
func (m *Module) SigningRound(sessionID string, round int, incoming []bridge.PartyMessage) (*bridge.CallResult, error) {
	m.record(fmt.Sprintf("signingRound:%d", round))
	if m.SigningRoundFunc != nil {
		return m.SigningRoundFunc(sessionID, round, incoming)
	}
	return &bridge.CallResult{Success: true, OutgoingMsgHex: fmt.Sprintf("51a%d", round)}, nil
}

// LoadShareMaterial implements bridge.Module.
func (m *Module) LoadShareMaterial(shareMaterialHex string) (*bridge.CallResult, error) {
	m.record("loadShareMaterial")
	if m.LoadShareMaterialFunc != nil {
		return m.LoadShareMaterialFunc(shareMaterialHex)
	}
	return &bridge.CallResult{
		Success:    true,
		ResultJSON: `{"public_key":"04deadbeef","address":"0x52908400098527886e0f7030069857d2e4169ee7"}`,
	}, nil
}

// CleanupSession implements bridge.Module.
func (m *Module) CleanupSession(sessionID string) error {
	m.mu.Lock()
	m.cleanedUp = append(m.cleanedUp, sessionID)
	m.mu.Unlock()
	return nil
}

// Loader returns a bridge.Loader serving this module and counts invocations.
func (m *Module) Loader(loadCount *atomic.Int32) bridge.Loader {
	return func(ctx context.Context, host bridge.Host) (bridge.Module, error) {
		if loadCount != nil {
			loadCount.Add(1)
		}
		return m, nil
	}
}

var _ bridge.Module = (*Module)(nil)
