// Package bridge is the narrow gate between the protocol session and the
// compiled cryptographic primitive module. It owns the module lifecycle (lazy,
// idempotent, single-flight load plus readiness polling) and the translation
// of module results into the client's error taxonomy. It never computes
// cryptography itself.
package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/custodia-network/mpc-wallet-client/mpc"
)

const (
	defaultReadyPollInterval = 50 * time.Millisecond
	defaultReadyTimeout      = 5 * time.Second
)

var (
	// ErrInitTimeout means the module never exposed callable entry points
	// within the readiness bound.
	ErrInitTimeout = errors.New("primitive module init timed out")

	// ErrModuleFault means a loaded module misbehaved as a host: the call
	// itself failed or returned nothing. Distinct from a typed protocol
	// failure, which arrives as *mpc.ProtocolError.
	ErrModuleFault = errors.New("primitive module fault")
)

// RoundOutput is the interpreted outcome of a successful round call.
type RoundOutput struct {
	OutgoingHex string
	IsFinal     bool
	ResultJSON  string
}

// Bridge lazily loads the primitive module and proxies the six protocol
// operations to it.
type Bridge struct {
	loader Loader
	host   Host
	logger zerolog.Logger

	// ReadyPollInterval and ReadyTimeout bound the post-load readiness poll.
	// Overridable before first use; tests shrink them.
	ReadyPollInterval time.Duration
	ReadyTimeout      time.Duration

	group  singleflight.Group
	mu     sync.RWMutex
	module Module
}

// New creates a bridge. hash is the message-hash callback injected into the
// module's host surface.
func New(loader Loader, hash HashFunc, logger zerolog.Logger) *Bridge {
	return &Bridge{
		loader:            loader,
		host:              Host{Hash: hash},
		logger:            logger.With().Str("component", "primitive_bridge").Logger(),
		ReadyPollInterval: defaultReadyPollInterval,
		ReadyTimeout:      defaultReadyTimeout,
	}
}

// load returns the ready module, loading it on first use. Concurrent callers
// share one in-flight load; a failed load is retried by the next caller.
func (b *Bridge) load(ctx context.Context) (Module, error) {
	b.mu.RLock()
	m := b.module
	b.mu.RUnlock()
	if m != nil {
		return m, nil
	}

	v, err, _ := b.group.Do("load", func() (any, error) {
		// Re-check: a previous flight may have completed between the fast
		// path and entering the group.
		b.mu.RLock()
		loaded := b.module
		b.mu.RUnlock()
		if loaded != nil {
			return loaded, nil
		}

		start := time.Now()
		mod, err := b.loader(ctx, b.host)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load primitive module")
		}
		if mod == nil {
			return nil, errors.Wrap(ErrModuleFault, "loader returned no module")
		}

		if err := b.awaitReady(ctx, mod); err != nil {
			return nil, err
		}

		b.mu.Lock()
		b.module = mod
		b.mu.Unlock()

		b.logger.Info().Dur("took", time.Since(start)).Msg("primitive module loaded")
		return mod, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Module), nil
}

// awaitReady polls the module's entry points until callable or the bound hits.
func (b *Bridge) awaitReady(ctx context.Context, mod Module) error {
	if mod.Ready() {
		return nil
	}

	deadline := time.NewTimer(b.ReadyTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(b.ReadyPollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "primitive module load cancelled")
		case <-deadline.C:
			return ErrInitTimeout
		case <-tick.C:
			if mod.Ready() {
				return nil
			}
		}
	}
}

// StartDKG asks the module for this party's DKG round-1 message.
func (b *Bridge) StartDKG(ctx context.Context, sessionID string, partyIndex, threshold, totalParties int) (*RoundOutput, error) {
	m, err := b.load(ctx)
	if err != nil {
		return nil, err
	}
	res, err := m.StartDKG(sessionID, partyIndex, threshold, totalParties)
	return interpret("dkg", res, err)
}

// DKGRound advances the DKG by one round.
func (b *Bridge) DKGRound(ctx context.Context, sessionID string, round int, incoming []PartyMessage) (*RoundOutput, error) {
	m, err := b.load(ctx)
	if err != nil {
		return nil, err
	}
	res, err := m.DKGRound(sessionID, round, incoming)
	return interpret("dkg", res, err)
}

// StartSigning asks the module for this party's signing round-1 message.
func (b *Bridge) StartSigning(ctx context.Context, sessionID string, partyIndex int, messageHashHex, shareMaterialHex string, totalParties, threshold int) (*RoundOutput, error) {
	m, err := b.load(ctx)
	if err != nil {
		return nil, err
	}
	res, err := m.StartSigning(sessionID, partyIndex, messageHashHex, shareMaterialHex, totalParties, threshold)
	return interpret("signing", res, err)
}

// SigningRound advances the signing protocol by one round.
func (b *Bridge) SigningRound(ctx context.Context, sessionID string, round int, incoming []PartyMessage) (*RoundOutput, error) {
	m, err := b.load(ctx)
	if err != nil {
		return nil, err
	}
	res, err := m.SigningRound(sessionID, round, incoming)
	return interpret("signing", res, err)
}

// ShareInfo decodes saved share material into its public key and address.
func (b *Bridge) ShareInfo(ctx context.Context, shareMaterialHex string) (*ShareInfo, error) {
	m, err := b.load(ctx)
	if err != nil {
		return nil, err
	}
	res, err := m.LoadShareMaterial(shareMaterialHex)
	out, err := interpret("load_share", res, err)
	if err != nil {
		return nil, err
	}

	info := &ShareInfo{}
	if err := json.Unmarshal([]byte(out.ResultJSON), info); err != nil {
		return nil, errors.Wrap(ErrModuleFault, "undecodable share info")
	}
	return info, nil
}

// CleanupSession releases module-side session state. Safe to call for
// sessions the module never saw.
func (b *Bridge) CleanupSession(ctx context.Context, sessionID string) error {
	b.mu.RLock()
	m := b.module
	b.mu.RUnlock()
	if m == nil {
		// Nothing loaded, nothing to clean.
		return nil
	}
	if err := m.CleanupSession(sessionID); err != nil {
		return errors.Wrapf(err, "failed to clean up session %s", sessionID)
	}
	return nil
}

// interpret maps a raw module call outcome onto the error taxonomy: call
// errors and empty results are host faults, Success=false is a protocol
// failure, Success=true yields the round output.
func interpret(op string, res *CallResult, err error) (*RoundOutput, error) {
	if err != nil {
		return nil, errors.Wrapf(ErrModuleFault, "%s call failed: %v", op, err)
	}
	if res == nil {
		return nil, errors.Wrapf(ErrModuleFault, "%s call returned nothing", op)
	}
	if !res.Success {
		return nil, &mpc.ProtocolError{Op: op, Message: res.Error}
	}
	return &RoundOutput{
		OutgoingHex: res.OutgoingMsgHex,
		IsFinal:     res.IsFinal,
		ResultJSON:  res.ResultJSON,
	}, nil
}
