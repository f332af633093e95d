// Package sharestore persists sealed shares. It stores the sealed JSON
// document byte-for-byte (so a backup export is exactly what was written)
// alongside indexed metadata columns for lookup. Plaintext share material
// never reaches this package.
package sharestore

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/custodia-network/mpc-wallet-client/db"
	"github.com/custodia-network/mpc-wallet-client/mpc/sharecrypto"
	"github.com/custodia-network/mpc-wallet-client/store"
)

var (
	// ErrShareNotFound is returned by every lookup that matches nothing.
	ErrShareNotFound = errors.New("sealed share not found")

	// ErrBackupInvalid rejects an import whose schema or version does not
	// match. A rejected import never mutates existing state.
	ErrBackupInvalid = errors.New("backup blob is invalid")
)

// Metadata is the non-secret summary returned by List.
type Metadata struct {
	WalletID        string
	KeysetID        string
	PublicKey       string
	EthereumAddress string
	CreatedAt       time.Time
}

// Store is the durable sealed-share store. It is shared across session
// instances in the same process; writes to the same (wallet, keyset) pair are
// last-write-wins, replacing the row wholesale.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// New creates a share store on top of an opened database.
func New(database *db.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     database.Client(),
		logger: logger.With().Str("component", "share_store").Logger(),
	}
}

// Save upserts the sealed share for its (wallet, keyset) pair.
func (s *Store) Save(sealed *sharecrypto.SealedShare) error {
	if sealed == nil {
		return errors.New("sealed share is nil")
	}
	if sealed.WalletID == "" || sealed.KeysetID == "" {
		return errors.New("sealed share missing wallet or keyset id")
	}

	blob, err := json.Marshal(sealed)
	if err != nil {
		return errors.Wrap(err, "failed to marshal sealed share")
	}

	rec := store.SealedShareRecord{
		WalletID:  sealed.WalletID,
		KeysetID:  sealed.KeysetID,
		Address:   normalizeAddress(sealed.EthereumAddress),
		PublicKey: sealed.PublicKey,
		Blob:      blob,
	}

	err = s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet_id"}, {Name: "keyset_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"address", "public_key", "blob", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return errors.Wrap(err, "failed to save sealed share")
	}

	s.logger.Info().
		Str("wallet_id", sealed.WalletID).
		Str("keyset_id", sealed.KeysetID).
		Msg("sealed share saved")
	return nil
}

// GetByKeysetID returns the sealed share for a keyset.
func (s *Store) GetByKeysetID(keysetID string) (*sharecrypto.SealedShare, error) {
	return s.getOne("keyset_id = ?", keysetID)
}

// GetByWalletID returns the sealed share for a wallet.
func (s *Store) GetByWalletID(walletID string) (*sharecrypto.SealedShare, error) {
	return s.getOne("wallet_id = ?", walletID)
}

// GetByAddress returns the sealed share for an ethereum address. The lookup is
// case-insensitive: checksummed and lowercase spellings match the same row.
func (s *Store) GetByAddress(address string) (*sharecrypto.SealedShare, error) {
	return s.getOne("address = ?", normalizeAddress(address))
}

func (s *Store) getOne(query string, arg string) (*sharecrypto.SealedShare, error) {
	var rec store.SealedShareRecord
	if err := s.db.Where(query, arg).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrShareNotFound
		}
		return nil, errors.Wrap(err, "failed to query sealed share")
	}

	sealed := &sharecrypto.SealedShare{}
	if err := json.Unmarshal(rec.Blob, sealed); err != nil {
		return nil, errors.Wrap(err, "failed to decode stored sealed share")
	}
	return sealed, nil
}

// List returns metadata for every stored share. Ciphertext stays in the rows.
func (s *Store) List() ([]Metadata, error) {
	var recs []store.SealedShareRecord
	if err := s.db.Order("id ASC").Find(&recs).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list sealed shares")
	}

	out := make([]Metadata, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Metadata{
			WalletID:        rec.WalletID,
			KeysetID:        rec.KeysetID,
			PublicKey:       rec.PublicKey,
			EthereumAddress: rec.Address,
			CreatedAt:       rec.CreatedAt,
		})
	}
	return out, nil
}

// Has reports whether a share exists for the keyset.
func (s *Store) Has(keysetID string) (bool, error) {
	var count int64
	if err := s.db.Model(&store.SealedShareRecord{}).
		Where("keyset_id = ?", keysetID).
		Count(&count).Error; err != nil {
		return false, errors.Wrap(err, "failed to check sealed share")
	}
	return count > 0, nil
}

// Delete removes the share for a keyset. Deleting a share makes the wallet
// unrecoverable from this device; callers gate this behind explicit export or
// reset flows.
func (s *Store) Delete(keysetID string) error {
	res := s.db.Unscoped().Where("keyset_id = ?", keysetID).Delete(&store.SealedShareRecord{})
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to delete sealed share")
	}
	if res.RowsAffected == 0 {
		return ErrShareNotFound
	}

	s.logger.Info().Str("keyset_id", keysetID).Msg("sealed share deleted")
	return nil
}

// ExportForBackup returns the still-sealed document bytes for a keyset.
func (s *Store) ExportForBackup(keysetID string) ([]byte, error) {
	var rec store.SealedShareRecord
	if err := s.db.Where("keyset_id = ?", keysetID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrShareNotFound
		}
		return nil, errors.Wrap(err, "failed to query sealed share")
	}

	// Copy so callers cannot mutate the row's backing slice.
	blob := make([]byte, len(rec.Blob))
	copy(blob, rec.Blob)
	return blob, nil
}

// ImportFromBackup validates a backup blob and stores it. Validation happens
// entirely before the write: a rejected blob leaves the store untouched.
func (s *Store) ImportFromBackup(blob []byte) error {
	sealed, err := validateBackup(blob)
	if err != nil {
		return err
	}
	return s.Save(sealed)
}

func validateBackup(blob []byte) (*sharecrypto.SealedShare, error) {
	if len(blob) == 0 {
		return nil, errors.Wrap(ErrBackupInvalid, "empty blob")
	}

	sealed := &sharecrypto.SealedShare{}
	if err := json.Unmarshal(blob, sealed); err != nil {
		return nil, errors.Wrap(ErrBackupInvalid, "not a sealed share document")
	}

	// An unknown version is rejected outright, never coerced.
	if sealed.Version != sharecrypto.SchemaVersion {
		return nil, errors.Wrapf(ErrBackupInvalid, "unsupported version %d", sealed.Version)
	}
	switch {
	case sealed.WalletID == "" || sealed.KeysetID == "":
		return nil, errors.Wrap(ErrBackupInvalid, "missing wallet or keyset id")
	case sealed.CipherSuite == "":
		return nil, errors.Wrap(ErrBackupInvalid, "missing cipher suite")
	case sealed.KDF.Name == "" || sealed.KDF.SaltB64 == "" || sealed.KDF.Iterations <= 0:
		return nil, errors.Wrap(ErrBackupInvalid, "missing kdf parameters")
	case sealed.Enc.Name == "" || sealed.Enc.IVB64 == "" || sealed.Enc.CiphertextB64 == "":
		return nil, errors.Wrap(ErrBackupInvalid, "missing encryption parameters")
	}

	return sealed, nil
}

// normalizeAddress lowercases an ethereum address so lookups are
// case-insensitive regardless of checksum casing.
func normalizeAddress(address string) string {
	if common.IsHexAddress(address) {
		return strings.ToLower(common.HexToAddress(address).Hex())
	}
	return strings.ToLower(address)
}
