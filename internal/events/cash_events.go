package events

import "time"

const (
	EventTypeCashDispensed       = "CashDispensed"
	EventTypeDispenseRejected    = "DispenseRejected"
	EventTypeCassetteReplenished = "CassetteReplenished"

	cashDispensedSchema       = "atm.cash.dispensed.v1"
	dispenseRejectedSchema    = "atm.cash.rejected.v1"
	cassetteReplenishedSchema = "atm.cassette.replenished.v1"
)

type NoteLine struct {
	Note  int `json:"note"`
	Count int `json:"count"`
}

type CashDispensedPayload struct {
	RequestID string     `json:"requestId"`
	ATMID     string     `json:"atmId"`
	Amount    int        `json:"amount"`
	Notes     []NoteLine `json:"notes"`
	Timestamp time.Time  `json:"timestamp"`
}

type DispenseRejectedPayload struct {
	RequestID string    `json:"requestId"`
	ATMID     string    `json:"atmId"`
	Amount    int       `json:"amount"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

type CassetteReplenishedPayload struct {
	ATMID     string    `json:"atmId"`
	Note      int       `json:"note"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// Legacy contracts are flat JSON without an envelope.

type LegacyCashDispensed struct {
	EventType string `json:"eventType"`
	CashDispensedPayload
}

type LegacyDispenseRejected struct {
	EventType string `json:"eventType"`
	DispenseRejectedPayload
}

type LegacyCassetteReplenished struct {
	EventType string `json:"eventType"`
	CassetteReplenishedPayload
}
