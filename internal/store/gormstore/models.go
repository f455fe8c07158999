package gormstore

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Wallet mirrors the wallets table.
type Wallet struct {
	ID                    string          `gorm:"column:id;type:varchar(36);primaryKey"`
	StudioID              string          `gorm:"type:varchar(64);not null;index:idx_wallets_studio_client,unique,priority:1;index:idx_wallets_studio_updated,priority:1"`
	ClientID              string          `gorm:"type:varchar(64);not null;index:idx_wallets_studio_client,unique,priority:2"`
	CreditsBalance        decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	CreditsType           string          `gorm:"type:varchar(32);not null"`
	TotalCreditsPurchased decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	TotalCreditsUsed      decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	TotalCreditsExpired   decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	Version               int64           `gorm:"not null"`
	CreatedAt             time.Time       `gorm:"not null;autoCreateTime:false"`
	UpdatedAt             time.Time       `gorm:"not null;autoUpdateTime:false;index:idx_wallets_studio_updated,priority:2;index:idx_wallets_updated"`
}

func (Wallet) TableName() string { return "wallets" }

// WalletTransaction mirrors the append-only wallet_transactions table.
type WalletTransaction struct {
	ID             string          `gorm:"column:id;type:varchar(36);primaryKey"`
	StudioID       string          `gorm:"type:varchar(64);not null;index:idx_wallet_tx_studio_created,priority:1"`
	ClientID       string          `gorm:"type:varchar(64);not null"`
	WalletID       string          `gorm:"type:varchar(36);not null;index:idx_wallet_tx_wallet_sequence,unique,priority:1;index:idx_wallet_tx_wallet_idempotency,unique,priority:1"`
	Sequence       int64           `gorm:"not null;index:idx_wallet_tx_wallet_sequence,unique,priority:2"`
	Type           string          `gorm:"type:varchar(16);not null"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	BalanceBefore  decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	BalanceAfter   decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	Description    string          `gorm:"type:varchar(255);not null"`
	ReferenceType  *string         `gorm:"type:varchar(32)"`
	ReferenceID    *string         `gorm:"type:varchar(128)"`
	IdempotencyKey *string         `gorm:"type:varchar(128);index:idx_wallet_tx_wallet_idempotency,unique,priority:2"`
	CreatedBy      *string         `gorm:"type:varchar(64)"`
	Metadata       datatypes.JSON  `gorm:"not null"`
	CreatedAt      time.Time       `gorm:"not null;autoCreateTime:false;index:idx_wallet_tx_studio_created,priority:2"`
}

func (WalletTransaction) TableName() string { return "wallet_transactions" }

// Models lists every table the store needs, in migration order.
func Models() []any {
	return []any{&Wallet{}, &WalletTransaction{}}
}
