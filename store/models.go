// Package store contains the GORM-backed SQLite models persisted by the wallet
// client. Only sealed material is ever written here: a record carries the
// password-encrypted share blob plus indexed lookup metadata, never plaintext.
package store

import (
	"gorm.io/gorm"
)

// SealedShareRecord is one sealed share per (wallet, keyset) pair.
// A re-save of the same pair replaces the row wholesale (last write wins).
type SealedShareRecord struct {
	gorm.Model
	WalletID  string `gorm:"uniqueIndex:idx_wallet_keyset;not null"` // wallet the share belongs to
	KeysetID  string `gorm:"uniqueIndex:idx_wallet_keyset;index;not null"`
	Address   string `gorm:"index"` // lowercase 0x-prefixed ethereum address
	PublicKey string // uncompressed public key, hex
	Blob      []byte // sealed share JSON (the exact bytes exported for backup)
}

// TableName pins the table name independent of GORM pluralisation rules.
func (SealedShareRecord) TableName() string {
	return "sealed_shares"
}
