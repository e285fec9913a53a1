package domain

type Sale struct {
	ID            int64   `db:"id" json:"id"`
	CustomerID    *string `db:"customer_id" json:"customer_id,omitempty"`
	UserID        int64   `db:"user_id" json:"user_id"`
	PaymentMethod string  `db:"payment_method" json:"payment_method"`
	Total         float64 `db:"total" json:"total"`
	CreatedAt     string  `db:"created_at" json:"created_at"`
}

// SaleItem records one sold lot line with the unit price frozen at sale time.
type SaleItem struct {
	ID        int64   `db:"id" json:"id"`
	SaleID    int64   `db:"sale_id" json:"sale_id"`
	LotID     int64   `db:"lot_id" json:"lot_id"`
	Quantity  int64   `db:"quantity" json:"quantity"`
	UnitPrice float64 `db:"unit_price" json:"unit_price"`
	Subtotal  float64 `db:"subtotal" json:"subtotal"`
}
