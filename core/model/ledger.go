package model

import "time"

// LedgerEntry is one billing segment of a transaction. A transaction has one
// open entry at a time; a change of unit fare closes the current entry and
// opens a new one.
type LedgerEntry struct {
	ID                   int64     `json:"id"`
	TransactionID        int       `json:"transaction_id"`
	IDTag                string    `json:"id_tag"`
	StartEnergy          float64   `json:"start_energy"`
	LastEnergy           float64   `json:"last_energy"`
	ConsumedEnergy       float64   `json:"consumed_energy"`
	UnitFare             float64   `json:"unit_fare"`
	WalletAmount         float64   `json:"wallet_amount"`
	ConsumedAmount       float64   `json:"consumed_amount"`
	TotalConsumedAmount  float64   `json:"total_consumed_amount"`
	StartTimestamp       time.Time `json:"start_timestamp"`
	StopTimestamp        time.Time `json:"stop_timestamp,omitempty"`
	Active               bool      `json:"active"`
}

// PaymentMode distinguishes how a session is funded.
type PaymentMode string

const (
	// PayWallet draws from a prepaid account balance.
	PayWallet PaymentMode = "wallet"
	// PayOneShot is a single upfront payment (QR / UPI) for a fixed amount.
	PayOneShot PaymentMode = "oneshot"
)

// SessionSnapshot is the live billing view of an in-flight transaction.
type SessionSnapshot struct {
	TransactionID  int       `json:"transaction_id"`
	IDTag          string    `json:"id_tag"`
	ConsumedEnergy float64   `json:"consumed_energy"`
	ConsumedAmount float64   `json:"consumed_amount"`
	UnitFare       float64   `json:"unit_fare"`
	UpdatedAt      time.Time `json:"updated_at"`
}
