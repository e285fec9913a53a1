package sales

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
)

// DefaultCustomerName labels buyers whose name was never captured.
const DefaultCustomerName = "Cliente General"

// CartItem is one requested line of a sale.
type CartItem struct {
	LotID    int64
	Quantity int64
}

// Cart is a candidate sale as submitted by the cashier client.
type Cart struct {
	CustomerID    string // national id; empty for walk-in buyers
	CustomerName  string // used only if the customer is new
	UserID        int64  // authenticated seller
	PaymentMethod string
	Items         []CartItem
}

// Receipt identifies a committed sale.
type Receipt struct {
	SaleID int64
	Total  float64
}

// Coordinator executes sale carts as single all-or-nothing transactions:
// upsert the customer, lock and re-validate every lot, price the lines from
// the medication's current price, then persist header, items and stock
// decrements together.
type Coordinator struct {
	db   *sqlx.DB
	lock string // row-lock clause, driver dependent
	now  func() time.Time
}

func NewCoordinator(db *sqlx.DB) *Coordinator {
	c := &Coordinator{db: db, now: time.Now}
	if db.DriverName() == "pgx" {
		// SQLite has no FOR UPDATE; its single writer connection already
		// serializes competing sales.
		c.lock = " FOR UPDATE OF l"
	}
	return c
}

type lockedLot struct {
	ID        int64     `db:"id"`
	Quantity  int64     `db:"quantity"`
	Expiry    time.Time `db:"expiry_date"`
	SalePrice float64   `db:"sale_price"`
}

type pricedItem struct {
	CartItem
	UnitPrice float64
}

// Execute runs the cart to completion or rolls everything back. Validation
// errors and ineligible lots surface as ErrEmptyCart, ErrInvalidQuantity,
// ErrLotNotFound or *RejectionError; anything else is a storage failure.
func (c *Coordinator) Execute(ctx context.Context, cart Cart) (Receipt, error) {
	if len(cart.Items) == 0 {
		return Receipt{}, ErrEmptyCart
	}
	for _, item := range cart.Items {
		if item.LotID <= 0 || item.Quantity <= 0 {
			return Receipt{}, ErrInvalidQuantity
		}
	}

	// Lock lots in ascending id order so two carts sharing lots can never
	// deadlock against each other.
	items := make([]CartItem, len(cart.Items))
	copy(items, cart.Items)
	sort.Slice(items, func(i, j int) bool { return items[i].LotID < items[j].LotID })

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return Receipt{}, fmt.Errorf("begin sale: %w", err)
	}
	defer tx.Rollback()

	if c.lock != "" {
		// Bounded wait on contended rows; a timed-out sale fails and rolls
		// back rather than queueing behind a stuck holder forever.
		if _, err := tx.ExecContext(ctx, `SET LOCAL lock_timeout = '5s'`); err != nil {
			return Receipt{}, fmt.Errorf("set lock timeout: %w", err)
		}
	}

	if cart.CustomerID != "" {
		if err := upsertCustomer(ctx, tx, cart.CustomerID, cart.CustomerName); err != nil {
			return Receipt{}, err
		}
	}

	// First pass: lock, re-validate and price every line before touching any
	// row, so a rejection aborts with nothing to undo beyond the locks.
	now := c.now()
	var total float64
	priced := make([]pricedItem, 0, len(items))
	for _, item := range items {
		var lot lockedLot
		query := `SELECT l.id, l.quantity, l.expiry_date, m.sale_price
            FROM lots l
            JOIN medications m ON m.id = l.medication_id
            WHERE l.id = $1` + c.lock
		if err := tx.GetContext(ctx, &lot, query, item.LotID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return Receipt{}, fmt.Errorf("lot %d: %w", item.LotID, ErrLotNotFound)
			}
			return Receipt{}, fmt.Errorf("lock lot %d: %w", item.LotID, err)
		}
		judgment := CheckEligibility(lot.Expiry, lot.Quantity, item.Quantity, now)
		if !judgment.Eligible {
			return Receipt{}, &RejectionError{LotID: item.LotID, Reason: judgment.Reason}
		}
		priced = append(priced, pricedItem{CartItem: item, UnitPrice: lot.SalePrice})
		total += float64(item.Quantity) * lot.SalePrice
	}

	var customerID *string
	if cart.CustomerID != "" {
		customerID = &cart.CustomerID
	}
	var saleID int64
	err = tx.QueryRowxContext(ctx,
		`INSERT INTO sales (customer_id, user_id, payment_method, total) VALUES ($1, $2, $3, $4) RETURNING id`,
		customerID, cart.UserID, cart.PaymentMethod, total).Scan(&saleID)
	if err != nil {
		return Receipt{}, fmt.Errorf("insert sale: %w", err)
	}

	// Second pass: persist line items with their frozen prices and take the
	// stock off the lots.
	for _, item := range priced {
		subtotal := float64(item.Quantity) * item.UnitPrice
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sale_items (sale_id, lot_id, quantity, unit_price, subtotal) VALUES ($1, $2, $3, $4, $5)`,
			saleID, item.LotID, item.Quantity, item.UnitPrice, subtotal); err != nil {
			return Receipt{}, fmt.Errorf("insert sale item for lot %d: %w", item.LotID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE lots SET quantity = quantity - $1 WHERE id = $2`,
			item.Quantity, item.LotID); err != nil {
			return Receipt{}, fmt.Errorf("decrement lot %d: %w", item.LotID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Receipt{}, fmt.Errorf("commit sale: %w", err)
	}
	return Receipt{SaleID: saleID, Total: total}, nil
}

// upsertCustomer creates the customer on first sight and leaves existing rows
// untouched; the name recorded at first insert wins. ON CONFLICT DO NOTHING
// keeps two concurrent first sales for the same id from racing into a
// duplicate-key failure.
func upsertCustomer(ctx context.Context, tx *sqlx.Tx, nationalID, name string) error {
	if name == "" {
		name = DefaultCustomerName
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO customers (national_id, name) VALUES ($1, $2) ON CONFLICT (national_id) DO NOTHING`,
		nationalID, name); err != nil {
		return fmt.Errorf("upsert customer %s: %w", nationalID, err)
	}
	return nil
}
