package events

// BillingEvent is emitted when the billing engine forces a session stop.
// Reason is the stop reason sent to the station, e.g. "Low Wallet".
type BillingEvent struct {
	TransactionID int
	IDTag         string
	Reason        string
	Amount        float64
}
