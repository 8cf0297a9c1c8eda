package claim

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.etcd.io/bbolt"
)

const (
	claimsBucket   = "claims"
	paymentsBucket = "payments"
)

// DB is the claim collection. Mutations that read a claim, change it and
// write it back run as one unit so concurrent callers cannot interleave
// on the same claim.
type DB interface {
	// SaveClaim inserts or replaces a claim
	SaveClaim(claim *Claim) error

	// GetClaim retrieves a claim by ID
	GetClaim(id string) (*Claim, error)

	// ListClaims returns all claims
	ListClaims() ([]*Claim, error)

	// UpdateClaim loads a claim, applies fn and stores the result. Nothing is
	// written when fn fails.
	UpdateClaim(id string, fn func(*Claim) error) (*Claim, error)

	// DeleteClaim removes a claim once guard accepts it and returns what was removed
	DeleteClaim(id string, guard func(*Claim) error) (*Claim, error)

	// SettlePayment applies settle to every claim of the payment and stores
	// the payment with its total. Either all claims settle or none do.
	SettlePayment(payment *Payment, settle func(*Claim) error) error

	// GetPayment retrieves a payment by ID
	GetPayment(id string) (*Payment, error)

	// ListPayments returns all payments
	ListPayments() ([]*Payment, error)

	// Reset removes every claim and payment
	Reset() error

	// Close closes the database connection
	Close() error
}

// BoltDB implements DB on top of bbolt. bbolt runs one write transaction at
// a time, which serializes every read-modify-write on a claim.
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB opens (or creates) the database file at path.
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	if err := db.Update(createBuckets); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

func createBuckets(tx *bbolt.Tx) error {
	for _, name := range []string{claimsBucket, paymentsBucket} {
		if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
			return err
		}
	}
	return nil
}

func getClaim(bucket *bbolt.Bucket, id string) (*Claim, error) {
	data := bucket.Get([]byte(id))
	if data == nil {
		return nil, &NotFoundError{Resource: "claim", ID: id}
	}
	var claim Claim
	if err := json.Unmarshal(data, &claim); err != nil {
		return nil, fmt.Errorf("unmarshaling claim %s: %w", id, err)
	}
	return &claim, nil
}

func putClaim(bucket *bbolt.Bucket, claim *Claim) error {
	data, err := json.Marshal(claim)
	if err != nil {
		return fmt.Errorf("marshaling claim: %w", err)
	}
	return bucket.Put([]byte(claim.ID), data)
}

// SaveClaim saves a claim to the database
func (b *BoltDB) SaveClaim(claim *Claim) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putClaim(tx.Bucket([]byte(claimsBucket)), claim)
	})
}

// GetClaim retrieves a claim by ID
func (b *BoltDB) GetClaim(id string) (*Claim, error) {
	var claim *Claim
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		claim, err = getClaim(tx.Bucket([]byte(claimsBucket)), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claim, nil
}

// ListClaims returns all claims in key order
func (b *BoltDB) ListClaims() ([]*Claim, error) {
	claims := make([]*Claim, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(claimsBucket))
		return bucket.ForEach(func(k, v []byte) error {
			var claim Claim
			if err := json.Unmarshal(v, &claim); err != nil {
				return fmt.Errorf("unmarshaling claim: %w", err)
			}
			claims = append(claims, &claim)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// UpdateClaim runs fn on the stored claim inside one write transaction
func (b *BoltDB) UpdateClaim(id string, fn func(*Claim) error) (*Claim, error) {
	var claim *Claim
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(claimsBucket))
		var err error
		claim, err = getClaim(bucket, id)
		if err != nil {
			return err
		}
		if err := fn(claim); err != nil {
			return err
		}
		return putClaim(bucket, claim)
	})
	if err != nil {
		return nil, err
	}
	return claim, nil
}

// DeleteClaim removes a claim from the database once guard accepts it
func (b *BoltDB) DeleteClaim(id string, guard func(*Claim) error) (*Claim, error) {
	var claim *Claim
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(claimsBucket))
		var err error
		claim, err = getClaim(bucket, id)
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(claim); err != nil {
				return err
			}
		}
		return bucket.Delete([]byte(id))
	})
	if err != nil {
		return nil, err
	}
	return claim, nil
}

// SettlePayment marks every claim of the payment and stores the payment
func (b *BoltDB) SettlePayment(payment *Payment, settle func(*Claim) error) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		claims := tx.Bucket([]byte(claimsBucket))
		total := decimal.Zero
		for _, id := range payment.ClaimIDs {
			claim, err := getClaim(claims, id)
			if err != nil {
				return err
			}
			if err := settle(claim); err != nil {
				return err
			}
			if err := putClaim(claims, claim); err != nil {
				return err
			}
			if claim.Amount.Valid {
				total = total.Add(claim.Amount.Decimal)
			}
		}
		payment.TotalAmount = total

		data, err := json.Marshal(payment)
		if err != nil {
			return fmt.Errorf("marshaling payment: %w", err)
		}
		return tx.Bucket([]byte(paymentsBucket)).Put([]byte(payment.ID), data)
	})
}

// GetPayment retrieves a payment by ID
func (b *BoltDB) GetPayment(id string) (*Payment, error) {
	var payment *Payment
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(paymentsBucket)).Get([]byte(id))
		if data == nil {
			return &NotFoundError{Resource: "payment", ID: id}
		}
		return json.Unmarshal(data, &payment)
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// ListPayments returns all payments
func (b *BoltDB) ListPayments() ([]*Payment, error) {
	payments := make([]*Payment, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(paymentsBucket)).ForEach(func(k, v []byte) error {
			var payment Payment
			if err := json.Unmarshal(v, &payment); err != nil {
				return fmt.Errorf("unmarshaling payment: %w", err)
			}
			payments = append(payments, &payment)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return payments, nil
}

// Reset drops and recreates both buckets
func (b *BoltDB) Reset() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{claimsBucket, paymentsBucket} {
			if err := tx.DeleteBucket([]byte(name)); err != nil && err != bbolt.ErrBucketNotFound {
				return err
			}
		}
		return createBuckets(tx)
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
