package sharestore

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-network/mpc-wallet-client/db"
	"github.com/custodia-network/mpc-wallet-client/logger"
	"github.com/custodia-network/mpc-wallet-client/mpc/sharecrypto"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.OpenInMemoryDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return New(database, logger.Nop())
}

func testSealedShare(walletID, keysetID string) *sharecrypto.SealedShare {
	return &sharecrypto.SealedShare{
		Version:     sharecrypto.SchemaVersion,
		WalletID:    walletID,
		KeysetID:    keysetID,
		CipherSuite: sharecrypto.CipherSuite,
		KDF: sharecrypto.KDFParams{
			Name:       "PBKDF2",
			Hash:       "SHA-256",
			Iterations: 310_000,
			SaltB64:    "c2FsdHNhbHRzYWx0c2FsdHNhbHRzYWx0c2FsdHNhbHQ=",
		},
		Enc: sharecrypto.EncParams{
			Name:          "AES-256-GCM",
			IVB64:         "bm9uY2Vub25jZQ==",
			CiphertextB64: "Y2lwaGVydGV4dA==",
		},
		PublicKey:       "04deadbeef",
		EthereumAddress: "0x52908400098527886E0F7030069857D2E4169EE7",
		CreatedAt:       time.Now().UTC().Truncate(time.Second),
	}
}

func TestSaveAndGetByKeysetID(t *testing.T) {
	s := newTestStore(t)

	sealed := testSealedShare("w1", "k1")
	require.NoError(t, s.Save(sealed))

	got, err := s.GetByKeysetID("k1")
	require.NoError(t, err)
	assert.Equal(t, sealed, got)
}

func TestGetByWalletID(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(testSealedShare("w1", "k1")))

	got, err := s.GetByWalletID("w1")
	require.NoError(t, err)
	assert.Equal(t, "k1", got.KeysetID)

	_, err = s.GetByWalletID("missing")
	assert.ErrorIs(t, err, ErrShareNotFound)
}

func TestGetByAddressCaseInsensitive(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(testSealedShare("w1", "k1")))

	for _, addr := range []string{
		"0x52908400098527886E0F7030069857D2E4169EE7", // checksummed
		"0x52908400098527886e0f7030069857d2e4169ee7", // lowercase
		"0x52908400098527886E0F7030069857D2E4169EE7", // mixed again
	} {
		got, err := s.GetByAddress(addr)
		require.NoErrorf(t, err, "address %s", addr)
		assert.Equal(t, "k1", got.KeysetID)
	}
}

func TestSaveLastWriteWins(t *testing.T) {
	s := newTestStore(t)

	first := testSealedShare("w1", "k1")
	require.NoError(t, s.Save(first))

	second := testSealedShare("w1", "k1")
	second.Enc.CiphertextB64 = "bmV3Y2lwaGVydGV4dA=="
	require.NoError(t, s.Save(second))

	got, err := s.GetByKeysetID("k1")
	require.NoError(t, err)
	assert.Equal(t, second.Enc.CiphertextB64, got.Enc.CiphertextB64)

	// Still exactly one row for the pair.
	list, err := s.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDeleteAndHas(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(testSealedShare("w1", "k1")))

	has, err := s.Has("k1")
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, s.Delete("k1"))

	has, err = s.Has("k1")
	require.NoError(t, err)
	assert.False(t, has)

	assert.ErrorIs(t, s.Delete("k1"), ErrShareNotFound)
}

func TestListMetadataOnly(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(testSealedShare("w1", "k1")))
	require.NoError(t, s.Save(testSealedShare("w2", "k2")))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "k1", list[0].KeysetID)
	assert.Equal(t, "w2", list[1].WalletID)
	assert.NotEmpty(t, list[0].EthereumAddress)
}

func TestExportImportRoundTrip(t *testing.T) {
	s := newTestStore(t)
	sealed := testSealedShare("w1", "k1")
	require.NoError(t, s.Save(sealed))

	blob, err := s.ExportForBackup("k1")
	require.NoError(t, err)

	require.NoError(t, s.Delete("k1"))
	require.NoError(t, s.ImportFromBackup(blob))

	got, err := s.GetByKeysetID("k1")
	require.NoError(t, err)
	assert.Equal(t, sealed, got)
}

func TestImportRejectsBadVersion(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(testSealedShare("w1", "k1")))

	sealed := testSealedShare("w2", "k2")
	sealed.Version = 2
	blob, err := json.Marshal(sealed)
	require.NoError(t, err)

	assert.ErrorIs(t, s.ImportFromBackup(blob), ErrBackupInvalid)

	// Store unchanged: only the original record remains.
	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "k1", list[0].KeysetID)
}

func TestImportRejectsMissingFields(t *testing.T) {
	s := newTestStore(t)

	cases := map[string]func(*sharecrypto.SealedShare){
		"no wallet": func(ss *sharecrypto.SealedShare) { ss.WalletID = "" },
		"no keyset": func(ss *sharecrypto.SealedShare) { ss.KeysetID = "" },
		"no suite":  func(ss *sharecrypto.SealedShare) { ss.CipherSuite = "" },
		"no salt":   func(ss *sharecrypto.SealedShare) { ss.KDF.SaltB64 = "" },
		"no ct":     func(ss *sharecrypto.SealedShare) { ss.Enc.CiphertextB64 = "" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			sealed := testSealedShare("w1", "k1")
			mutate(sealed)
			blob, err := json.Marshal(sealed)
			require.NoError(t, err)
			assert.ErrorIs(t, s.ImportFromBackup(blob), ErrBackupInvalid)
		})
	}

	t.Run("garbage", func(t *testing.T) {
		assert.ErrorIs(t, s.ImportFromBackup([]byte("{nope")), ErrBackupInvalid)
		assert.ErrorIs(t, s.ImportFromBackup(nil), ErrBackupInvalid)
	})
}
