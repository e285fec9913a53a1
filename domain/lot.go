package domain

import "time"

// Lot is one received batch of a medication; batches of the same medication
// carry independent expiry dates and stock counts.
type Lot struct {
	ID           int64     `db:"id" json:"id"`
	MedicationID int64     `db:"medication_id" json:"medication_id"`
	LotCode      string    `db:"lot_code" json:"lot_code"`
	ExpiryDate   time.Time `db:"expiry_date" json:"expiry_date"`
	Quantity     int64     `db:"quantity" json:"quantity"`
	PurchaseCost float64   `db:"purchase_cost" json:"purchase_cost"`
	CreatedAt    string    `db:"created_at" json:"created_at,omitempty"`
}
