// Package feed defines the application message types carried in realtime
// envelopes and the decoders that turn raw payloads into typed records.
package feed

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types published by the general realtime feed.
const (
	TypeInitialData     = "initial_data"
	TypePriceUpdate     = "price_update"
	TypeTransaction     = "transaction"
	TypeFraudAlert      = "fraud_alert"
	TypeYieldPrediction = "yield_prediction"
)

// Message types published by the merchant feed.
const (
	TypeInventoryUpdate = "inventory_update"
	TypeOrderUpdate     = "order_update"
	TypeRecommendation  = "recommendation"
)

// PriceUpdate is a live price change for one grade on one auction floor.
type PriceUpdate struct {
	Floor        string  `json:"floor"`
	Grade        string  `json:"grade"`
	CurrentPrice float64 `json:"current_price"`
	PriceChange  float64 `json:"price_change"`
	VolumeTraded float64 `json:"volume_traded"`
	Timestamp    string  `json:"timestamp"`
}

// Transaction is a live trade reported by the auction floor.
type Transaction struct {
	TransactionID string  `json:"transaction_id"`
	Floor         string  `json:"floor"`
	Grade         string  `json:"grade"`
	Quantity      float64 `json:"quantity"`
	Price         float64 `json:"price"`
	Timestamp     string  `json:"timestamp"`
}

// FraudAlert is raised by the backend's monitoring tasks against a merchant
// or transaction.
type FraudAlert struct {
	AlertID     string  `json:"alert_id"`
	Merchant    string  `json:"merchant"`
	AlertType   string  `json:"alert_type"`
	Severity    string  `json:"severity"`
	Description string  `json:"description"`
	RiskScore   float64 `json:"risk_score"`
	Timestamp   string  `json:"timestamp"`
}

// InitialData is the snapshot the server pushes right after a feed attaches.
type InitialData struct {
	Prices    []PriceUpdate `json:"prices"`
	Timestamp string        `json:"timestamp"`
}

// DecodePriceUpdate decodes and validates a price_update payload.
func DecodePriceUpdate(payload json.RawMessage) (PriceUpdate, error) {
	var p PriceUpdate
	if err := json.Unmarshal(payload, &p); err != nil {
		return PriceUpdate{}, fmt.Errorf("decode price update: %w", err)
	}
	if p.Grade == "" {
		return PriceUpdate{}, fmt.Errorf("price update missing grade")
	}
	if p.Floor == "" {
		return PriceUpdate{}, fmt.Errorf("price update missing floor")
	}
	if p.CurrentPrice <= 0 {
		return PriceUpdate{}, fmt.Errorf("invalid price value: %f", p.CurrentPrice)
	}
	return p, nil
}

// DecodeTransaction decodes and validates a transaction payload.
func DecodeTransaction(payload json.RawMessage) (Transaction, error) {
	var t Transaction
	if err := json.Unmarshal(payload, &t); err != nil {
		return Transaction{}, fmt.Errorf("decode transaction: %w", err)
	}
	if t.TransactionID == "" {
		return Transaction{}, fmt.Errorf("transaction missing id")
	}
	if t.Quantity <= 0 {
		return Transaction{}, fmt.Errorf("invalid quantity value: %f", t.Quantity)
	}
	if t.Price <= 0 {
		return Transaction{}, fmt.Errorf("invalid price value: %f", t.Price)
	}
	return t, nil
}

// DecodeFraudAlert decodes a fraud_alert payload. Alerts carry free-form
// detail; only the type is required.
func DecodeFraudAlert(payload json.RawMessage) (FraudAlert, error) {
	var a FraudAlert
	if err := json.Unmarshal(payload, &a); err != nil {
		return FraudAlert{}, fmt.Errorf("decode fraud alert: %w", err)
	}
	if a.AlertType == "" {
		return FraudAlert{}, fmt.Errorf("fraud alert missing type")
	}
	return a, nil
}

// DecodeInitialData decodes the snapshot the server pushes when a feed
// attaches. Entries that would fail price validation are dropped so one bad
// record never discards the rest of the snapshot.
func DecodeInitialData(payload json.RawMessage) (InitialData, error) {
	var d InitialData
	if err := json.Unmarshal(payload, &d); err != nil {
		return InitialData{}, fmt.Errorf("decode initial data: %w", err)
	}
	valid := d.Prices[:0]
	for _, p := range d.Prices {
		if p.Grade == "" || p.Floor == "" || p.CurrentPrice <= 0 {
			continue
		}
		valid = append(valid, p)
	}
	d.Prices = valid
	return d, nil
}

// ParseTime parses the backend's ISO-8601 timestamps, falling back to now for
// missing or malformed values so a bad clock never drops a record.
func ParseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts
		}
	}
	return time.Now().UTC()
}
