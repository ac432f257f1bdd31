// Package storage provides a persistent local mirror of the realtime feed.
// It uses BoltDB as the underlying storage engine to store price updates,
// live transactions and fraud alerts as they arrive from the dashboard
// backend, with time-range queries for offline analysis.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"timb-feed/internal/feed"
)

const (
	pricesBucket       = "prices"       // Bucket for price update records
	transactionsBucket = "transactions" // Bucket for live transaction records
	alertsBucket       = "fraud_alerts" // Bucket for fraud alert records
)

// Store mirrors feed messages into BoltDB. Price updates are keyed
// "floor|grade_timestamp" and transactions "floor_timestamp" for efficient
// time-range scans.
type Store struct {
	db *bbolt.DB
}

// New opens the mirror database under dataPath and creates the buckets.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, "timb-feed.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{pricesBucket, transactionsBucket, alertsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection gracefully.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// StorePrice stores one price update record.
func (s *Store) StorePrice(p feed.PriceUpdate) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(pricesBucket))

		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal price update: %w", err)
		}

		key := fmt.Sprintf("%s|%s_%d", p.Floor, p.Grade, feed.ParseTime(p.Timestamp).UnixNano())
		return b.Put([]byte(key), data)
	})
}

// StoreTransaction stores one live transaction record.
func (s *Store) StoreTransaction(t feed.Transaction) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(transactionsBucket))

		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal transaction: %w", err)
		}

		key := fmt.Sprintf("%s_%d", t.Floor, feed.ParseTime(t.Timestamp).UnixNano())
		return b.Put([]byte(key), data)
	})
}

// StoreFraudAlert appends a fraud alert record.
func (s *Store) StoreFraudAlert(a feed.FraudAlert) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(alertsBucket))

		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshal fraud alert: %w", err)
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%020d", seq)
		return b.Put([]byte(key), data)
	})
}

// GetPrices retrieves price updates for a floor and grade within a time
// range, inclusive of both ends.
func (s *Store) GetPrices(floor, grade string, start, end time.Time) ([]feed.PriceUpdate, error) {
	prefix := fmt.Sprintf("%s|%s_", floor, grade)
	var prices []feed.PriceUpdate
	err := s.scanRange(pricesBucket, prefix, start, end, func(v []byte) error {
		var p feed.PriceUpdate
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		prices = append(prices, p)
		return nil
	})
	return prices, err
}

// GetTransactions retrieves live transactions for a floor within a time
// range, inclusive of both ends.
func (s *Store) GetTransactions(floor string, start, end time.Time) ([]feed.Transaction, error) {
	prefix := floor + "_"
	var txs []feed.Transaction
	err := s.scanRange(transactionsBucket, prefix, start, end, func(v []byte) error {
		var t feed.Transaction
		if err := json.Unmarshal(v, &t); err != nil {
			return err
		}
		txs = append(txs, t)
		return nil
	})
	return txs, err
}

// GetFraudAlerts returns all stored fraud alerts in arrival order.
func (s *Store) GetFraudAlerts() ([]feed.FraudAlert, error) {
	var alerts []feed.FraudAlert
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(alertsBucket)).ForEach(func(_, v []byte) error {
			var a feed.FraudAlert
			if err := json.Unmarshal(v, &a); err != nil {
				return nil // Skip malformed records
			}
			alerts = append(alerts, a)
			return nil
		})
	})
	return alerts, err
}

// scanRange walks a bucket with a cursor from the start key and collects
// records with a matching prefix until past the end key.
func (s *Store) scanRange(bucket, prefix string, start, end time.Time, visit func([]byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucket)).Cursor()

		startKey := []byte(fmt.Sprintf("%s%d", prefix, start.UnixNano()))
		endKey := []byte(fmt.Sprintf("%s%d", prefix, end.UnixNano()))

		for k, v := c.Seek(startKey); k != nil && bytes.Compare(k, endKey) <= 0; k, v = c.Next() {
			if !bytes.HasPrefix(k, []byte(prefix)) {
				continue
			}
			if err := visit(v); err != nil {
				continue // Skip malformed records
			}
		}
		return nil
	})
}
