package events

import "github.com/voltbridge/csms/core/model"

// TransactionEvent is published when a transaction starts or stops.
type TransactionEvent struct {
	Transaction model.Transaction
	Stopped     bool
}
