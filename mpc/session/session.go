// Package session drives the client side of the threshold-ECDSA protocol: one
// transport connection to the coordinator, authentication, and the DKG and
// signing round loops. The browser-equivalent party always occupies slot 1 of
// the topology; there is no runtime party discovery.
//
// Concurrency model: the transport delivers inbound payloads sequentially, so
// message handlers never run concurrently with each other. Caller-facing
// operations run on the caller's goroutine and park on the pending operation's
// outcome channel. Exactly one operation is in flight at a time; the tagged
// pending slot makes that structural rather than conventional.
package session

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/custodia-network/mpc-wallet-client/mpc"
	"github.com/custodia-network/mpc-wallet-client/mpc/bridge"
	"github.com/custodia-network/mpc-wallet-client/mpc/sharecrypto"
	"github.com/custodia-network/mpc-wallet-client/mpc/sharestore"
	"github.com/custodia-network/mpc-wallet-client/mpc/transport"
)

// Status is the session's position in its lifecycle state machine.
type Status string

const (
	StatusDisconnected      Status = "disconnected"
	StatusConnecting        Status = "connecting"
	StatusConnected         Status = "connected"
	StatusAuthenticating    Status = "authenticating"
	StatusAuthenticated     Status = "authenticated"
	StatusDKGInProgress     Status = "dkg_in_progress"
	StatusSigningInProgress Status = "signing_in_progress"
)

const (
	// PartyIndex is this client's fixed slot in the protocol topology.
	PartyIndex = 1
	// counterpartyIndex is the custodian's slot, the origin of every inbound
	// counterparty round message.
	counterpartyIndex = 2

	defaultAuthTimeout       = 10 * time.Second
	defaultProtocolTimeout   = 120 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
)

type opKind int

const (
	opAuth opKind = iota
	opDKG
	opSigning
)

func (k opKind) String() string {
	switch k {
	case opAuth:
		return "auth"
	case opDKG:
		return "dkg"
	default:
		return "signing"
	}
}

type outcome struct {
	dkg *mpc.DKGResult
	sig *mpc.SigningResult
	err error
}

// pendingOp is the single tagged in-flight operation. Fields beyond kind/done
// are only touched by the creating goroutine and the (sequential) message
// handler.
type pendingOp struct {
	kind      opKind
	sessionID string
	done      chan outcome // buffered; written exactly once, by the claimer

	expectedRound int
	threshold     int
	totalParties  int

	// DKG inputs
	walletID string
	password string

	// signing inputs
	keysetID       string
	txID           string
	messageHashHex string
	shareHex       string
	shareBytes     []byte // wiped when the operation ends, success or not
}

// Config wires a session's collaborators and timing bounds.
type Config struct {
	Transport transport.Transport
	Bridge    *bridge.Bridge
	Shares    *sharestore.Store

	PasswordPolicy sharecrypto.Policy
	KDFIterations  int

	AuthTimeout       time.Duration
	ProtocolTimeout   time.Duration
	HeartbeatInterval time.Duration

	// OnError receives failures that have no pending operation to reject
	// (heartbeat send failures, unsolicited remote errors). Optional.
	OnError func(error)

	Logger zerolog.Logger
}

// Session orchestrates the protocol over one coordinator connection.
type Session struct {
	tr     transport.Transport
	bridge *bridge.Bridge
	shares *sharestore.Store

	policy        sharecrypto.Policy
	kdfIterations int

	authTimeout       time.Duration
	protocolTimeout   time.Duration
	heartbeatInterval time.Duration

	onError func(error)
	logger  zerolog.Logger

	mu        sync.Mutex
	status    Status
	sessionID string
	pending   *pendingOp
	hbStop    chan struct{}
}

// New creates a session and installs its transport handlers.
func New(cfg Config) (*Session, error) {
	if cfg.Transport == nil {
		return nil, errors.New("session: transport is required")
	}
	if cfg.Bridge == nil {
		return nil, errors.New("session: bridge is required")
	}
	if cfg.Shares == nil {
		return nil, errors.New("session: share store is required")
	}

	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if cfg.ProtocolTimeout == 0 {
		cfg.ProtocolTimeout = defaultProtocolTimeout
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.PasswordPolicy == (sharecrypto.Policy{}) {
		cfg.PasswordPolicy = sharecrypto.DefaultPolicy()
	}
	if cfg.KDFIterations == 0 {
		cfg.KDFIterations = sharecrypto.DefaultIterations
	}

	s := &Session{
		tr:                cfg.Transport,
		bridge:            cfg.Bridge,
		shares:            cfg.Shares,
		policy:            cfg.PasswordPolicy,
		kdfIterations:     cfg.KDFIterations,
		authTimeout:       cfg.AuthTimeout,
		protocolTimeout:   cfg.ProtocolTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		onError:           cfg.OnError,
		logger:            cfg.Logger.With().Str("component", "protocol_session").Logger(),
		status:            StatusDisconnected,
	}

	if err := cfg.Transport.RegisterHandler(s.handleMessage); err != nil {
		return nil, errors.Wrap(err, "session: failed to register transport handler")
	}
	cfg.Transport.SetCloseHandler(s.handleTransportClosed)

	return s, nil
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SessionID returns the coordinator-assigned session id, empty until
// authenticated.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Connect opens the transport and starts the heartbeat.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusDisconnected {
		statusNow := s.status
		s.mu.Unlock()
		return errors.Wrapf(mpc.ErrInvalidSessionState, "connect from %s", statusNow)
	}
	s.status = StatusConnecting
	s.mu.Unlock()

	if err := s.tr.Connect(ctx); err != nil {
		s.mu.Lock()
		s.status = StatusDisconnected
		s.mu.Unlock()
		return errors.Wrap(err, "failed to open transport")
	}

	s.mu.Lock()
	s.status = StatusConnected
	s.hbStop = make(chan struct{})
	go s.heartbeat(s.hbStop)
	s.mu.Unlock()

	s.logger.Info().Msg("connected to coordinator")
	return nil
}

// Authenticate presents the token and waits for the coordinator's verdict.
func (s *Session) Authenticate(ctx context.Context, token string) error {
	s.mu.Lock()
	// The occupied slot wins over the state check: a concurrent operation is
	// always reported as pending, whatever state it moved the session into.
	if s.pending != nil {
		s.mu.Unlock()
		return mpc.ErrOperationPending
	}
	if s.status != StatusConnected {
		statusNow := s.status
		s.mu.Unlock()
		return errors.Wrapf(mpc.ErrInvalidSessionState, "authenticate from %s", statusNow)
	}
	op := &pendingOp{kind: opAuth, done: make(chan outcome, 1)}
	s.pending = op
	s.status = StatusAuthenticating
	s.mu.Unlock()

	payload, err := encodeEnvelope(msgAuth, "", authRequest{Token: token})
	if err == nil {
		err = s.tr.Send(ctx, payload)
	}
	if err != nil {
		s.claim(op, StatusConnected)
		return errors.Wrap(err, "failed to send auth request")
	}

	out := s.wait(ctx, op, s.authTimeout, mpc.ErrAuthTimeout, StatusConnected)
	return out.err
}

// StartDKG runs distributed key generation for walletID and seals the
// resulting share under password. Valid only while authenticated and idle.
func (s *Session) StartDKG(ctx context.Context, walletID, password string) (*mpc.DKGResult, error) {
	if violations := s.policy.Validate(password); len(violations) > 0 {
		return nil, errors.Errorf("password rejected: %s", strings.Join(violations, "; "))
	}

	s.mu.Lock()
	if s.pending != nil {
		s.mu.Unlock()
		return nil, mpc.ErrOperationPending
	}
	if s.status != StatusAuthenticated {
		statusNow := s.status
		s.mu.Unlock()
		return nil, errors.Wrapf(mpc.ErrInvalidSessionState, "startDKG from %s", statusNow)
	}
	op := &pendingOp{
		kind:          opDKG,
		sessionID:     s.sessionID,
		done:          make(chan outcome, 1),
		expectedRound: 1,
		walletID:      walletID,
		password:      password,
	}
	s.pending = op
	s.status = StatusDKGInProgress
	s.mu.Unlock()

	payload, err := encodeEnvelope(msgDKGStart, op.sessionID, dkgStartRequest{WalletID: walletID})
	if err == nil {
		err = s.tr.Send(ctx, payload)
	}
	if err != nil {
		s.claim(op, StatusAuthenticated)
		return nil, errors.Wrap(err, "failed to send dkg_start")
	}

	out := s.wait(ctx, op, s.protocolTimeout, mpc.ErrProtocolTimeout, StatusAuthenticated)
	return out.dkg, out.err
}

// StartSigning signs messageHash with the share stored for keysetID. The
// password is verified against the sealed share before anything is sent.
func (s *Session) StartSigning(ctx context.Context, keysetID, txID string, messageHash []byte, walletID, password string) (*mpc.SigningResult, error) {
	// Fail fast on an occupied slot before paying for the KDF.
	s.mu.Lock()
	if s.pending != nil {
		s.mu.Unlock()
		return nil, mpc.ErrOperationPending
	}
	if s.status != StatusAuthenticated {
		statusNow := s.status
		s.mu.Unlock()
		return nil, errors.Wrapf(mpc.ErrInvalidSessionState, "startSigning from %s", statusNow)
	}
	s.mu.Unlock()

	sealed, err := s.shares.GetByKeysetID(keysetID)
	if err != nil {
		return nil, err
	}
	if walletID != "" && sealed.WalletID != walletID {
		return nil, errors.Wrapf(sharestore.ErrShareNotFound, "keyset %s does not belong to wallet %s", keysetID, walletID)
	}

	// Pre-flight decrypt: a wrong password must fail here, before any round
	// message reaches the coordinator.
	raw, err := sharecrypto.DecryptShare(sealed, password)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.status != StatusAuthenticated || s.pending != nil {
		pendingNow := s.pending != nil
		statusNow := s.status
		s.mu.Unlock()
		sharecrypto.Wipe(raw)
		if pendingNow {
			return nil, mpc.ErrOperationPending
		}
		return nil, errors.Wrapf(mpc.ErrInvalidSessionState, "startSigning from %s", statusNow)
	}
	op := &pendingOp{
		kind:           opSigning,
		sessionID:      s.sessionID,
		done:           make(chan outcome, 1),
		expectedRound:  1,
		keysetID:       keysetID,
		txID:           txID,
		messageHashHex: hex.EncodeToString(messageHash),
		shareHex:       hex.EncodeToString(raw),
		shareBytes:     raw,
	}
	s.pending = op
	s.status = StatusSigningInProgress
	s.mu.Unlock()

	payload, err := encodeEnvelope(msgSignStart, op.sessionID, signStartRequest{
		KeysetID:    keysetID,
		TxID:        txID,
		MessageHash: op.messageHashHex,
	})
	if err == nil {
		err = s.tr.Send(ctx, payload)
	}
	if err != nil {
		s.claim(op, StatusAuthenticated)
		return nil, errors.Wrap(err, "failed to send sign_start")
	}

	out := s.wait(ctx, op, s.protocolTimeout, mpc.ErrProtocolTimeout, StatusAuthenticated)
	return out.sig, out.err
}

// LoadShareInfo unseals the share for keysetID just long enough to recover its
// public key and address through the primitive module.
func (s *Session) LoadShareInfo(ctx context.Context, keysetID, password string) (*bridge.ShareInfo, error) {
	sealed, err := s.shares.GetByKeysetID(keysetID)
	if err != nil {
		return nil, err
	}
	raw, err := sharecrypto.DecryptShare(sealed, password)
	if err != nil {
		return nil, err
	}
	defer sharecrypto.Wipe(raw)

	return s.bridge.ShareInfo(ctx, hex.EncodeToString(raw))
}

// Disconnect tears down the heartbeat and transport and rejects whatever
// operation is pending. The pending slot is cleared atomically with respect to
// message handling, so no later message can resolve it.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.hbStop != nil {
		close(s.hbStop)
		s.hbStop = nil
	}
	op := s.pending
	s.pending = nil
	s.status = StatusDisconnected
	s.sessionID = ""
	s.mu.Unlock()

	if op != nil {
		s.releaseOp(op)
		op.done <- outcome{err: mpc.ErrConnectionClosed}
	}

	if err := s.tr.Close(); err != nil {
		return errors.Wrap(err, "failed to close transport")
	}
	s.logger.Info().Msg("disconnected from coordinator")
	return nil
}

// --- internal machinery ---

// claim atomically detaches op if it is still the pending operation, restores
// the session to next, and releases the operation's resources. The caller that
// wins the claim is the only writer of op.done.
func (s *Session) claim(op *pendingOp, next Status) bool {
	s.mu.Lock()
	if s.pending != op {
		s.mu.Unlock()
		return false
	}
	s.pending = nil
	if s.status != StatusDisconnected {
		s.status = next
	}
	s.mu.Unlock()

	s.releaseOp(op)
	return true
}

// releaseOp wipes plaintext material and frees module-side session state.
// Cleanup failures are logged, never returned: they must not mask the
// operation's primary outcome.
func (s *Session) releaseOp(op *pendingOp) {
	if op.shareBytes != nil {
		sharecrypto.Wipe(op.shareBytes)
		op.shareBytes = nil
	}
	if op.kind != opAuth && op.sessionID != "" {
		if err := s.bridge.CleanupSession(context.Background(), op.sessionID); err != nil {
			s.logger.Warn().Err(err).Str("session_id", op.sessionID).Msg("bridge cleanup failed")
		}
	}
}

// wait parks the caller until the operation resolves, its wall-clock bound
// fires, or ctx is cancelled. Timers are independent of the transport: firing
// one rejects the operation and restores revertTo without closing anything.
func (s *Session) wait(ctx context.Context, op *pendingOp, bound time.Duration, timeoutErr error, revertTo Status) outcome {
	timer := time.NewTimer(bound)
	defer timer.Stop()

	select {
	case out := <-op.done:
		return out
	case <-timer.C:
		if s.claim(op, revertTo) {
			s.logger.Warn().Str("op", op.kind.String()).Dur("bound", bound).Msg("operation timed out")
			return outcome{err: timeoutErr}
		}
		// Lost the race: a real outcome is already queued.
		return <-op.done
	case <-ctx.Done():
		if s.claim(op, revertTo) {
			return outcome{err: errors.Wrapf(ctx.Err(), "%s cancelled", op.kind)}
		}
		return <-op.done
	}
}

// currentOp returns the pending operation if it matches kind, else nil.
func (s *Session) currentOp(kind opKind) *pendingOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil && s.pending.kind == kind {
		return s.pending
	}
	return nil
}

func (s *Session) reportError(err error) {
	s.logger.Warn().Err(err).Msg("session error without pending operation")
	if s.onError != nil {
		s.onError(err)
	}
}

// handleMessage is the transport's inbound callback. Payloads arrive
// sequentially; anything that does not match the pending operation and its
// expected round is stale and dropped without side effects.
func (s *Session) handleMessage(payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		s.reportError(errors.Wrap(err, "undecodable envelope"))
		return
	}

	switch env.Type {
	case msgPong:
		// Heartbeat answer; nothing to do.
	case msgPing:
		if out, err := encodeEnvelope(msgPong, s.SessionID(), nil); err == nil {
			if err := s.tr.Send(context.Background(), out); err != nil {
				s.logger.Warn().Err(err).Msg("failed to answer ping")
			}
		}
	case msgAuthOK:
		s.handleAuthOK(env)
	case msgAuthError:
		s.handleAuthError(env)
	case msgDKGRound:
		s.handleRound(opDKG, env)
	case msgSignRound:
		s.handleRound(opSigning, env)
	case msgDKGComplete:
		s.handleDKGComplete(env)
	case msgSignComplete:
		s.handleSignComplete(env)
	case msgDKGError:
		s.handleRemoteError(opDKG, env)
	case msgSignError:
		s.handleRemoteError(opSigning, env)
	case msgError:
		s.handleGenericError(env)
	default:
		s.logger.Debug().Str("type", env.Type).Msg("ignoring unknown envelope type")
	}
}

func (s *Session) handleAuthOK(env Envelope) {
	op := s.currentOp(opAuth)
	if op == nil {
		s.logger.Debug().Msg("stale auth_ok discarded")
		return
	}

	var p authOKPayload
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &p)
	}
	sid := p.SessionID
	if sid == "" {
		sid = env.SessionID
	}

	if s.claim(op, StatusAuthenticated) {
		s.mu.Lock()
		s.sessionID = sid
		s.mu.Unlock()
		s.logger.Info().Str("session_id", sid).Msg("authenticated")
		op.done <- outcome{}
	}
}

func (s *Session) handleAuthError(env Envelope) {
	op := s.currentOp(opAuth)
	if op == nil {
		s.logger.Debug().Msg("stale auth_error discarded")
		return
	}

	var p errorPayload
	_ = json.Unmarshal(env.Data, &p)
	if s.claim(op, StatusConnected) {
		op.done <- outcome{err: errors.Wrap(mpc.ErrAuthRejected, p.Message)}
	}
}

// handleRound advances the pending operation by one protocol round. Round
// numbers are validated before any state mutation: a stale or duplicate round
// is ignored outright.
func (s *Session) handleRound(kind opKind, env Envelope) {
	op := s.currentOp(kind)
	if op == nil {
		s.logger.Debug().Str("op", kind.String()).Msg("round message with no matching pending operation discarded")
		return
	}

	var msg roundInbound
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		s.failOp(op, &mpc.ProtocolError{Op: kind.String(), Message: "undecodable round payload"})
		return
	}

	if msg.Round != op.expectedRound {
		s.logger.Debug().
			Int("round", msg.Round).
			Int("expected", op.expectedRound).
			Str("op", kind.String()).
			Msg("out-of-order round ignored")
		return
	}

	var out *bridge.RoundOutput
	var err error
	if msg.Round == 1 {
		if err := op.applyTopology(msg); err != nil {
			s.failOp(op, err)
			return
		}
		if kind == opDKG {
			out, err = s.bridge.StartDKG(context.Background(), op.sessionID, PartyIndex, op.threshold, op.totalParties)
		} else {
			out, err = s.bridge.StartSigning(context.Background(), op.sessionID, PartyIndex, op.messageHashHex, op.shareHex, op.totalParties, op.threshold)
		}
	} else {
		incoming := msg.incoming()
		if kind == opDKG {
			out, err = s.bridge.DKGRound(context.Background(), op.sessionID, msg.Round, incoming)
		} else {
			out, err = s.bridge.SigningRound(context.Background(), op.sessionID, msg.Round, incoming)
		}
	}
	if err != nil {
		s.failOp(op, err)
		return
	}

	// The bridge call can outlive a timeout or disconnect; a cleared slot
	// means this reply is stale and must not be sent.
	if s.currentOp(kind) != op {
		s.logger.Debug().Str("op", kind.String()).Msg("operation resolved during round computation, reply dropped")
		return
	}

	op.expectedRound = msg.Round + 1

	if out.OutgoingHex == "" {
		// Final local round: nothing to send, await the completion message.
		return
	}

	typ := msgDKGRound
	if kind == opSigning {
		typ = msgSignRound
	}
	payload, err := encodeEnvelope(typ, op.sessionID, roundOutbound{Round: msg.Round, UserMessage: out.OutgoingHex})
	if err == nil {
		err = s.tr.Send(context.Background(), payload)
	}
	if err != nil {
		s.failOp(op, errors.Wrap(err, "failed to send round reply"))
	}
}

func (s *Session) handleDKGComplete(env Envelope) {
	op := s.currentOp(opDKG)
	if op == nil {
		s.logger.Debug().Msg("stale dkg_complete discarded")
		return
	}

	var p dkgCompletePayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		s.failOp(op, &mpc.ProtocolError{Op: "dkg", Message: "undecodable dkg_complete payload"})
		return
	}
	if p.KeysetID == "" || p.UserShare == "" {
		s.failOp(op, &mpc.ProtocolError{Op: "dkg", Message: "incomplete dkg_complete payload"})
		return
	}

	raw, err := hex.DecodeString(p.UserShare)
	if err != nil {
		s.failOp(op, &mpc.ProtocolError{Op: "dkg", Message: "share material is not valid hex"})
		return
	}
	defer sharecrypto.Wipe(raw)

	sealed, err := sharecrypto.EncryptShare(raw, op.password, sharecrypto.Params{
		WalletID:        op.walletID,
		KeysetID:        p.KeysetID,
		PublicKey:       p.PublicKey,
		EthereumAddress: p.EthereumAddress,
	}, s.kdfIterations)
	if err != nil {
		s.failOp(op, errors.Wrap(err, "failed to seal generated share"))
		return
	}

	// Sealing spans a deliberately slow KDF, so the timeout may have claimed
	// the operation meanwhile. Claim before persisting: a rejected operation
	// must never mutate the store.
	if !s.claim(op, StatusAuthenticated) {
		s.logger.Debug().Str("keyset_id", p.KeysetID).Msg("operation resolved during share sealing, result dropped")
		return
	}
	if err := s.shares.Save(sealed); err != nil {
		op.done <- outcome{err: err}
		return
	}

	s.logger.Info().
		Str("wallet_id", op.walletID).
		Str("keyset_id", p.KeysetID).
		Str("address", p.EthereumAddress).
		Msg("dkg complete, share sealed and stored")
	op.done <- outcome{dkg: &mpc.DKGResult{
		KeysetID:        p.KeysetID,
		EthereumAddress: p.EthereumAddress,
		PublicKey:       p.PublicKey,
	}}
}

func (s *Session) handleSignComplete(env Envelope) {
	op := s.currentOp(opSigning)
	if op == nil {
		s.logger.Debug().Msg("stale sign_complete discarded")
		return
	}

	var p signCompletePayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		s.failOp(op, &mpc.ProtocolError{Op: "signing", Message: "undecodable sign_complete payload"})
		return
	}

	if s.claim(op, StatusAuthenticated) {
		s.logger.Info().
			Str("keyset_id", op.keysetID).
			Str("tx_id", op.txID).
			Msg("signing complete")
		op.done <- outcome{sig: &mpc.SigningResult{
			R:             p.SignatureR,
			S:             p.SignatureS,
			V:             p.SignatureV,
			FullSignature: p.FullSignature,
		}}
	}
}

// handleRemoteError resolves the pending operation with an operation-scoped
// protocol error. The session stays connected and authenticated.
func (s *Session) handleRemoteError(kind opKind, env Envelope) {
	op := s.currentOp(kind)
	if op == nil {
		s.logger.Debug().Str("op", kind.String()).Msg("stale protocol error discarded")
		return
	}

	var p errorPayload
	_ = json.Unmarshal(env.Data, &p)
	s.failOp(op, &mpc.ProtocolError{Op: kind.String(), Message: p.Message})
}

func (s *Session) handleGenericError(env Envelope) {
	var p errorPayload
	_ = json.Unmarshal(env.Data, &p)

	s.mu.Lock()
	op := s.pending
	s.mu.Unlock()

	if op == nil {
		s.reportError(&mpc.ProtocolError{Message: p.Message})
		return
	}
	s.failOp(op, &mpc.ProtocolError{Op: op.kind.String(), Message: p.Message})
}

// failOp rejects op and reverts to the last safe state for its kind.
func (s *Session) failOp(op *pendingOp, err error) {
	revertTo := StatusAuthenticated
	if op.kind == opAuth {
		revertTo = StatusConnected
	}
	if s.claim(op, revertTo) {
		op.done <- outcome{err: err}
	}
}

func (s *Session) handleTransportClosed(cause error) {
	s.mu.Lock()
	if s.hbStop != nil {
		close(s.hbStop)
		s.hbStop = nil
	}
	op := s.pending
	s.pending = nil
	s.status = StatusDisconnected
	s.sessionID = ""
	s.mu.Unlock()

	err := errors.Wrapf(mpc.ErrConnectionClosed, "transport dropped: %v", cause)
	if op != nil {
		s.releaseOp(op)
		op.done <- outcome{err: err}
		return
	}
	s.reportError(err)
}

func (s *Session) heartbeat(stop chan struct{}) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			payload, err := encodeEnvelope(msgPing, s.SessionID(), nil)
			if err == nil {
				err = s.tr.Send(context.Background(), payload)
			}
			if err != nil {
				s.reportError(errors.Wrap(err, "heartbeat failed"))
			}
		}
	}
}

// applyTopology records the round-1 topology fields on the operation.
func (op *pendingOp) applyTopology(msg roundInbound) error {
	if msg.PartyIndex != nil && *msg.PartyIndex != PartyIndex {
		return &mpc.ProtocolError{Op: op.kind.String(), Message: "coordinator assigned an unexpected party index"}
	}
	if msg.Threshold == nil || msg.TotalParties == nil {
		return &mpc.ProtocolError{Op: op.kind.String(), Message: "round 1 missing topology"}
	}
	op.threshold = *msg.Threshold
	op.totalParties = *msg.TotalParties
	return nil
}

// incoming converts the wire payload into the bridge's message slice.
func (msg roundInbound) incoming() []bridge.PartyMessage {
	if msg.CounterpartyMessage == nil || *msg.CounterpartyMessage == "" {
		return nil
	}
	return []bridge.PartyMessage{{
		FromParty:  counterpartyIndex,
		PayloadHex: *msg.CounterpartyMessage,
	}}
}
