package session

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/custodia-network/mpc-wallet-client/db"
	"github.com/custodia-network/mpc-wallet-client/mpc"
	"github.com/custodia-network/mpc-wallet-client/mpc/bridge"
	"github.com/custodia-network/mpc-wallet-client/mpc/bridgetest"
	"github.com/custodia-network/mpc-wallet-client/mpc/sharecrypto"
	"github.com/custodia-network/mpc-wallet-client/mpc/sharestore"
	"github.com/custodia-network/mpc-wallet-client/mpc/transport/mock"
)

const (
	testPassword = "Passw0rd!"
	testToken    = "jwt-token"
)

type fixture struct {
	tr     *mock.Transport
	mod    *bridgetest.Module
	shares *sharestore.Store
	sess   *Session

	errMu    sync.Mutex
	reported []error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, 250*time.Millisecond, time.Hour)
}

func newFixtureWith(t *testing.T, protocolTimeout, heartbeatInterval time.Duration) *fixture {
	t.Helper()

	database, err := db.OpenInMemoryDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	f := &fixture{
		tr:     mock.New(),
		mod:    bridgetest.New(),
		shares: sharestore.New(database, zerolog.Nop()),
	}

	br := bridge.New(f.mod.Loader(nil), nil, zerolog.Nop())

	f.sess, err = New(Config{
		Transport:         f.tr,
		Bridge:            br,
		Shares:            f.shares,
		KDFIterations:     sharecrypto.MinIterations,
		AuthTimeout:       150 * time.Millisecond,
		ProtocolTimeout:   protocolTimeout,
		HeartbeatInterval: heartbeatInterval,
		OnError: func(err error) {
			f.errMu.Lock()
			f.reported = append(f.reported, err)
			f.errMu.Unlock()
		},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) reportedErrors() []error {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	return append([]error(nil), f.reported...)
}

func mustEnvelope(t *testing.T, typ, sessionID string, data any) []byte {
	t.Helper()
	payload, err := encodeEnvelope(typ, sessionID, data)
	require.NoError(t, err)
	return payload
}

func decodeSent(t *testing.T, payload []byte) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(payload, &env))
	return env
}

// waitForSent blocks until the transport has seen at least n outbound messages.
func waitForSent(t *testing.T, tr *mock.Transport, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return tr.SentCount() >= n
	}, 2*time.Second, 5*time.Millisecond)
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

// connectAndAuth drives the session to the authenticated state.
func connectAndAuth(t *testing.T, f *fixture) {
	t.Helper()
	require.NoError(t, f.sess.Connect(context.Background()))

	errCh := make(chan error, 1)
	go func() { errCh <- f.sess.Authenticate(context.Background(), testToken) }()

	waitForSent(t, f.tr, 1)
	f.tr.Deliver(mustEnvelope(t, msgAuthOK, "", authOKPayload{SessionID: "sess-1"}))
	require.NoError(t, <-errCh)
	require.Equal(t, StatusAuthenticated, f.sess.Status())
	require.Equal(t, "sess-1", f.sess.SessionID())
}

// seedShare seals raw share material for keyset k1 under the test password.
func seedShare(t *testing.T, f *fixture) {
	t.Helper()
	sealed, err := sharecrypto.EncryptShare([]byte{0xaa, 0xbb, 0xcc}, testPassword, sharecrypto.Params{
		WalletID:        "w1",
		KeysetID:        "k1",
		PublicKey:       "04deadbeef",
		EthereumAddress: "0x52908400098527886e0f7030069857d2e4169ee7",
	}, sharecrypto.MinIterations)
	require.NoError(t, err)
	require.NoError(t, f.shares.Save(sealed))
}

func TestAuthenticateSuccess(t *testing.T) {
	f := newFixture(t)
	connectAndAuth(t, f)

	env := decodeSent(t, f.tr.Sent()[0])
	require.Equal(t, msgAuth, env.Type)
	var req authRequest
	require.NoError(t, json.Unmarshal(env.Data, &req))
	require.Equal(t, testToken, req.Token)
}

func TestAuthenticateRejected(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sess.Connect(context.Background()))

	errCh := make(chan error, 1)
	go func() { errCh <- f.sess.Authenticate(context.Background(), "bad-token") }()

	waitForSent(t, f.tr, 1)
	f.tr.Deliver(mustEnvelope(t, msgAuthError, "", errorPayload{Message: "token expired"}))

	err := <-errCh
	require.ErrorIs(t, err, mpc.ErrAuthRejected)
	require.Contains(t, err.Error(), "token expired")
	require.Equal(t, StatusConnected, f.sess.Status())
}

func TestAuthenticateTimeout(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sess.Connect(context.Background()))

	err := f.sess.Authenticate(context.Background(), testToken)
	require.ErrorIs(t, err, mpc.ErrAuthTimeout)
	require.Equal(t, StatusConnected, f.sess.Status())

	// A verdict arriving after the timeout is stale and changes nothing.
	f.tr.Deliver(mustEnvelope(t, msgAuthOK, "", authOKPayload{SessionID: "late"}))
	require.Equal(t, StatusConnected, f.sess.Status())
	require.Empty(t, f.sess.SessionID())
}

func TestDKGHappyPath(t *testing.T) {
	f := newFixture(t)
	connectAndAuth(t, f)

	type dkgOut struct {
		res *mpc.DKGResult
		err error
	}
	resCh := make(chan dkgOut, 1)
	go func() {
		res, err := f.sess.StartDKG(context.Background(), "w1", testPassword)
		resCh <- dkgOut{res, err}
	}()

	waitForSent(t, f.tr, 2)
	start := decodeSent(t, f.tr.Sent()[1])
	require.Equal(t, msgDKGStart, start.Type)
	require.Equal(t, "sess-1", start.SessionID)
	require.Equal(t, StatusDKGInProgress, f.sess.Status())

	// Round 1 carries the topology and no counterparty material.
	f.tr.Deliver(mustEnvelope(t, msgDKGRound, "sess-1", roundInbound{
		Round:        1,
		PartyIndex:   intPtr(1),
		Threshold:    intPtr(2),
		TotalParties: intPtr(2),
	}))
	waitForSent(t, f.tr, 3)
	reply := decodeSent(t, f.tr.Sent()[2])
	require.Equal(t, msgDKGRound, reply.Type)
	var out roundOutbound
	require.NoError(t, json.Unmarshal(reply.Data, &out))
	require.Equal(t, 1, out.Round)
	require.Equal(t, "d1a1", out.UserMessage)

	f.tr.Deliver(mustEnvelope(t, msgDKGRound, "sess-1", roundInbound{
		Round:               2,
		CounterpartyMessage: strPtr("c0ffee"),
	}))
	waitForSent(t, f.tr, 4)
	reply = decodeSent(t, f.tr.Sent()[3])
	require.NoError(t, json.Unmarshal(reply.Data, &out))
	require.Equal(t, 2, out.Round)
	require.Equal(t, "d1a2", out.UserMessage)

	f.tr.Deliver(mustEnvelope(t, msgDKGComplete, "sess-1", dkgCompletePayload{
		KeysetID:        "k1",
		EthereumAddress: "0x52908400098527886e0f7030069857d2e4169ee7",
		PublicKey:       "04deadbeef",
		UserShare:       hex.EncodeToString([]byte{0x01, 0x02, 0x03}),
	}))

	got := <-resCh
	require.NoError(t, got.err)
	require.Equal(t, "k1", got.res.KeysetID)
	require.Equal(t, "0x52908400098527886e0f7030069857d2e4169ee7", got.res.EthereumAddress)
	require.Equal(t, StatusAuthenticated, f.sess.Status())

	// The share is sealed, persisted, and recoverable with the password.
	sealed, err := f.shares.GetByKeysetID("k1")
	require.NoError(t, err)
	require.Equal(t, "w1", sealed.WalletID)
	raw, err := sharecrypto.DecryptShare(sealed, testPassword)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, raw)

	require.Contains(t, f.mod.CleanedUp(), "sess-1")
	require.Equal(t, []string{"startDKG", "dkgRound:2"}, f.mod.Calls())
}

func TestDKGRejectsWeakPassword(t *testing.T) {
	f := newFixture(t)
	connectAndAuth(t, f)
	before := f.tr.SentCount()

	_, err := f.sess.StartDKG(context.Background(), "w1", "short")
	require.Error(t, err)
	require.Equal(t, before, f.tr.SentCount())
	require.Equal(t, StatusAuthenticated, f.sess.Status())
}

func TestSecondOperationFailsFast(t *testing.T) {
	f := newFixture(t)
	connectAndAuth(t, f)

	go func() { _, _ = f.sess.StartDKG(context.Background(), "w1", testPassword) }()
	waitForSent(t, f.tr, 2)
	before := f.tr.SentCount()

	_, err := f.sess.StartDKG(context.Background(), "w2", testPassword)
	require.ErrorIs(t, err, mpc.ErrOperationPending)

	_, err = f.sess.StartSigning(context.Background(), "k1", "tx-1", []byte{0x01}, "w1", testPassword)
	require.ErrorIs(t, err, mpc.ErrOperationPending)

	// Rejection happens before anything reaches the transport.
	require.Equal(t, before, f.tr.SentCount())
}

func TestOutOfOrderRoundIgnored(t *testing.T) {
	f := newFixture(t)
	connectAndAuth(t, f)

	go func() { _, _ = f.sess.StartDKG(context.Background(), "w1", testPassword) }()
	waitForSent(t, f.tr, 2)

	// Round 2 while round 1 is expected: no bridge call, no reply, no failure.
	f.tr.Deliver(mustEnvelope(t, msgDKGRound, "sess-1", roundInbound{
		Round:               2,
		CounterpartyMessage: strPtr("c0ffee"),
	}))
	require.Empty(t, f.mod.Calls())
	require.Equal(t, 2, f.tr.SentCount())
	require.Equal(t, StatusDKGInProgress, f.sess.Status())

	// The expected round still advances the protocol.
	f.tr.Deliver(mustEnvelope(t, msgDKGRound, "sess-1", roundInbound{
		Round:        1,
		PartyIndex:   intPtr(1),
		Threshold:    intPtr(2),
		TotalParties: intPtr(2),
	}))
	waitForSent(t, f.tr, 3)
	require.Equal(t, []string{"startDKG"}, f.mod.Calls())

	// A duplicate of an already-processed round is equally inert.
	f.tr.Deliver(mustEnvelope(t, msgDKGRound, "sess-1", roundInbound{
		Round:        1,
		PartyIndex:   intPtr(1),
		Threshold:    intPtr(2),
		TotalParties: intPtr(2),
	}))
	require.Equal(t, []string{"startDKG"}, f.mod.Calls())
	require.Equal(t, 3, f.tr.SentCount())
	require.Equal(t, StatusDKGInProgress, f.sess.Status())
}

func TestDKGTimeoutRevertsToAuthenticated(t *testing.T) {
	f := newFixture(t)
	connectAndAuth(t, f)

	_, err := f.sess.StartDKG(context.Background(), "w1", testPassword)
	require.ErrorIs(t, err, mpc.ErrProtocolTimeout)
	require.Equal(t, StatusAuthenticated, f.sess.Status())
	require.Equal(t, "sess-1", f.sess.SessionID())

	// A completion arriving after the timeout must not persist anything.
	f.tr.Deliver(mustEnvelope(t, msgDKGComplete, "sess-1", dkgCompletePayload{
		KeysetID:        "k1",
		EthereumAddress: "0x52908400098527886e0f7030069857d2e4169ee7",
		PublicKey:       "04deadbeef",
		UserShare:       "010203",
	}))
	has, err := f.shares.Has("k1")
	require.NoError(t, err)
	require.False(t, has)
}

func TestDKGRemoteErrorKeepsSessionAlive(t *testing.T) {
	f := newFixture(t)
	connectAndAuth(t, f)

	errCh := make(chan error, 1)
	go func() {
		_, err := f.sess.StartDKG(context.Background(), "w1", testPassword)
		errCh <- err
	}()
	waitForSent(t, f.tr, 2)

	f.tr.Deliver(mustEnvelope(t, msgDKGError, "sess-1", errorPayload{Message: "counterparty aborted"}))

	err := <-errCh
	var perr *mpc.ProtocolError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "dkg", perr.Op)
	require.Contains(t, perr.Message, "counterparty aborted")
	require.Equal(t, StatusAuthenticated, f.sess.Status())
}

func TestSigningHappyPath(t *testing.T) {
	f := newFixture(t)
	connectAndAuth(t, f)
	seedShare(t, f)

	var gotShareHex string
	f.mod.StartSigningFunc = func(sessionID string, partyIndex int, messageHashHex, shareMaterialHex string, totalParties, threshold int) (*bridge.CallResult, error) {
		gotShareHex = shareMaterialHex
		return &bridge.CallResult{Success: true, OutgoingMsgHex: "51a1"}, nil
	}

	hash := []byte{0x11, 0x22, 0x33}
	type sigOut struct {
		res *mpc.SigningResult
		err error
	}
	resCh := make(chan sigOut, 1)
	go func() {
		res, err := f.sess.StartSigning(context.Background(), "k1", "tx-1", hash, "w1", testPassword)
		resCh <- sigOut{res, err}
	}()

	waitForSent(t, f.tr, 2)
	start := decodeSent(t, f.tr.Sent()[1])
	require.Equal(t, msgSignStart, start.Type)
	var req signStartRequest
	require.NoError(t, json.Unmarshal(start.Data, &req))
	require.Equal(t, "k1", req.KeysetID)
	require.Equal(t, "tx-1", req.TxID)
	require.Equal(t, hex.EncodeToString(hash), req.MessageHash)

	f.tr.Deliver(mustEnvelope(t, msgSignRound, "sess-1", roundInbound{
		Round:        1,
		PartyIndex:   intPtr(1),
		Threshold:    intPtr(2),
		TotalParties: intPtr(2),
	}))
	waitForSent(t, f.tr, 3)
	require.Equal(t, hex.EncodeToString([]byte{0xaa, 0xbb, 0xcc}), gotShareHex)

	f.tr.Deliver(mustEnvelope(t, msgSignRound, "sess-1", roundInbound{
		Round:               2,
		CounterpartyMessage: strPtr("c0ffee"),
	}))
	waitForSent(t, f.tr, 4)

	f.tr.Deliver(mustEnvelope(t, msgSignComplete, "sess-1", signCompletePayload{
		SignatureR:    "0xaaaa",
		SignatureS:    "0xbbbb",
		SignatureV:    27,
		FullSignature: "0xaaaabbbb1b",
	}))

	got := <-resCh
	require.NoError(t, got.err)
	require.Equal(t, "0xaaaa", got.res.R)
	require.Equal(t, "0xbbbb", got.res.S)
	require.Equal(t, 27, got.res.V)
	require.Equal(t, "0xaaaabbbb1b", got.res.FullSignature)
	require.Equal(t, StatusAuthenticated, f.sess.Status())
	require.Contains(t, f.mod.CleanedUp(), "sess-1")
}

func TestSigningWrongPasswordSendsNothing(t *testing.T) {
	f := newFixture(t)
	connectAndAuth(t, f)
	seedShare(t, f)
	before := f.tr.SentCount()

	_, err := f.sess.StartSigning(context.Background(), "k1", "tx-1", []byte{0x01}, "w1", "Wr0ngPass!")
	require.ErrorIs(t, err, sharecrypto.ErrInvalidPassword)
	require.Equal(t, before, f.tr.SentCount())
	require.Empty(t, f.mod.Calls())
	require.Equal(t, StatusAuthenticated, f.sess.Status())
}

func TestSigningUnknownKeyset(t *testing.T) {
	f := newFixture(t)
	connectAndAuth(t, f)

	_, err := f.sess.StartSigning(context.Background(), "missing", "tx-1", []byte{0x01}, "w1", testPassword)
	require.ErrorIs(t, err, sharestore.ErrShareNotFound)
}

func TestDisconnectRejectsPendingOperation(t *testing.T) {
	f := newFixture(t)
	connectAndAuth(t, f)

	errCh := make(chan error, 1)
	go func() {
		_, err := f.sess.StartDKG(context.Background(), "w1", testPassword)
		errCh <- err
	}()
	waitForSent(t, f.tr, 2)

	require.NoError(t, f.sess.Disconnect())
	require.ErrorIs(t, <-errCh, mpc.ErrConnectionClosed)
	require.Equal(t, StatusDisconnected, f.sess.Status())
	require.Empty(t, f.sess.SessionID())
}

func TestTransportDropRejectsPendingOperation(t *testing.T) {
	f := newFixture(t)
	connectAndAuth(t, f)

	errCh := make(chan error, 1)
	go func() {
		_, err := f.sess.StartDKG(context.Background(), "w1", testPassword)
		errCh <- err
	}()
	waitForSent(t, f.tr, 2)

	f.tr.Drop(errors.New("peer reset"))
	require.ErrorIs(t, <-errCh, mpc.ErrConnectionClosed)
	require.Equal(t, StatusDisconnected, f.sess.Status())
}

func TestUnsolicitedErrorReachesCallback(t *testing.T) {
	f := newFixture(t)
	connectAndAuth(t, f)

	f.tr.Deliver(mustEnvelope(t, msgError, "sess-1", errorPayload{Message: "server restarting"}))

	reported := f.reportedErrors()
	require.Len(t, reported, 1)
	var perr *mpc.ProtocolError
	require.ErrorAs(t, reported[0], &perr)
	require.Contains(t, perr.Message, "server restarting")
	// The connection itself is unaffected.
	require.Equal(t, StatusAuthenticated, f.sess.Status())
}

func TestDKGTimeoutDuringSealPersistsNothing(t *testing.T) {
	// A completion whose sealing straddles the protocol timeout must race
	// cleanly: either the caller gets the result and the share is stored, or
	// the caller gets the timeout and the store stays untouched. The tight
	// bound makes the timeout side win in practice; the KDF alone outlasts it.
	f := newFixtureWith(t, 15*time.Millisecond, time.Hour)
	connectAndAuth(t, f)

	type dkgOut struct {
		res *mpc.DKGResult
		err error
	}
	resCh := make(chan dkgOut, 1)
	go func() {
		res, err := f.sess.StartDKG(context.Background(), "w1", testPassword)
		resCh <- dkgOut{res, err}
	}()

	waitForSent(t, f.tr, 2)
	f.tr.Deliver(mustEnvelope(t, msgDKGComplete, "sess-1", dkgCompletePayload{
		KeysetID:        "k1",
		EthereumAddress: "0x52908400098527886e0f7030069857d2e4169ee7",
		PublicKey:       "04deadbeef",
		UserShare:       "010203",
	}))

	got := <-resCh
	has, err := f.shares.Has("k1")
	require.NoError(t, err)
	if got.err != nil {
		require.ErrorIs(t, got.err, mpc.ErrProtocolTimeout)
		require.False(t, has, "rejected operation must not persist a share")
	} else {
		require.True(t, has)
	}
	require.Equal(t, StatusAuthenticated, f.sess.Status())
}

func TestHeartbeatSendsPings(t *testing.T) {
	f := newFixtureWith(t, 250*time.Millisecond, 20*time.Millisecond)
	require.NoError(t, f.sess.Connect(context.Background()))
	defer func() { _ = f.sess.Disconnect() }()

	waitForSent(t, f.tr, 1)
	env := decodeSent(t, f.tr.Sent()[0])
	require.Equal(t, msgPing, env.Type)
}

func TestHeartbeatFailureReachesCallback(t *testing.T) {
	f := newFixtureWith(t, 250*time.Millisecond, 20*time.Millisecond)
	f.tr.SendErr = errors.New("pipe broken")
	require.NoError(t, f.sess.Connect(context.Background()))
	defer func() { _ = f.sess.Disconnect() }()

	// There is no pending operation to reject; the failure must surface
	// through the error callback instead.
	require.Eventually(t, func() bool {
		return len(f.reportedErrors()) > 0
	}, 2*time.Second, 5*time.Millisecond)
	require.Contains(t, f.reportedErrors()[0].Error(), "heartbeat failed")
}

func TestOperationsRequireAuthenticatedState(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sess.Connect(context.Background()))

	_, err := f.sess.StartDKG(context.Background(), "w1", testPassword)
	require.ErrorIs(t, err, mpc.ErrInvalidSessionState)

	_, err = f.sess.StartSigning(context.Background(), "k1", "tx-1", []byte{0x01}, "w1", testPassword)
	require.ErrorIs(t, err, mpc.ErrInvalidSessionState)

	// Connecting twice is equally invalid.
	require.ErrorIs(t, f.sess.Connect(context.Background()), mpc.ErrInvalidSessionState)
}
