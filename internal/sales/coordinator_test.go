package sales

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"sigfarma/m/internal/migrations"
)

func setupTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Connect("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, migrations.Run(db))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func createUser(t *testing.T, db *sqlx.DB) int64 {
	t.Helper()
	var id int64
	err := db.QueryRowx(`INSERT INTO users (username, password_hash, role) VALUES ('cashier', 'x', 'seller') RETURNING id`).Scan(&id)
	require.NoError(t, err)
	return id
}

func createMedication(t *testing.T, db *sqlx.DB, name string, price float64) int64 {
	t.Helper()
	var id int64
	err := db.QueryRowx(`INSERT INTO medications (name, sale_price) VALUES ($1, $2) RETURNING id`, name, price).Scan(&id)
	require.NoError(t, err)
	return id
}

func createLot(t *testing.T, db *sqlx.DB, medicationID int64, code string, expiry time.Time, qty int64) int64 {
	t.Helper()
	var id int64
	err := db.QueryRowx(`INSERT INTO lots (medication_id, lot_code, expiry_date, quantity) VALUES ($1, $2, $3, $4) RETURNING id`,
		medicationID, code, expiry, qty).Scan(&id)
	require.NoError(t, err)
	return id
}

func lotQuantity(t *testing.T, db *sqlx.DB, lotID int64) int64 {
	t.Helper()
	var qty int64
	require.NoError(t, db.Get(&qty, `SELECT quantity FROM lots WHERE id = $1`, lotID))
	return qty
}

func countRows(t *testing.T, db *sqlx.DB, table string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM `+table))
	return n
}

var testNow = time.Date(2025, time.June, 1, 10, 0, 0, 0, time.UTC)

func newTestCoordinator(db *sqlx.DB) *Coordinator {
	c := NewCoordinator(db)
	c.now = func() time.Time { return testNow }
	return c
}

func expiryIn(days int) time.Time {
	return time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, days)
}

func TestCoordinator_SuccessfulSale(t *testing.T) {
	db := setupTestDB(t)
	userID := createUser(t, db)
	medID := createMedication(t, db, "Paracetamol 500mg", 2.50)
	lotID := createLot(t, db, medID, "L2", expiryIn(120), 100)
	coord := newTestCoordinator(db)

	receipt, err := coord.Execute(context.Background(), Cart{
		UserID:        userID,
		PaymentMethod: "efectivo",
		Items:         []CartItem{{LotID: lotID, Quantity: 5}},
	})
	require.NoError(t, err)
	assert.NotZero(t, receipt.SaleID)
	assert.InDelta(t, 12.50, receipt.Total, 1e-9)

	assert.Equal(t, int64(95), lotQuantity(t, db, lotID))

	var total float64
	require.NoError(t, db.Get(&total, `SELECT total FROM sales WHERE id = $1`, receipt.SaleID))
	assert.InDelta(t, 12.50, total, 1e-9)

	var items []struct {
		Quantity  int64   `db:"quantity"`
		UnitPrice float64 `db:"unit_price"`
		Subtotal  float64 `db:"subtotal"`
	}
	require.NoError(t, db.Select(&items, `SELECT quantity, unit_price, subtotal FROM sale_items WHERE sale_id = $1`, receipt.SaleID))
	require.Len(t, items, 1)
	assert.Equal(t, int64(5), items[0].Quantity)
	assert.InDelta(t, 2.50, items[0].UnitPrice, 1e-9)
	assert.InDelta(t, 12.50, items[0].Subtotal, 1e-9)
}

func TestCoordinator_RejectsExpiringLot(t *testing.T) {
	db := setupTestDB(t)
	userID := createUser(t, db)
	medID := createMedication(t, db, "Amoxicilina 250mg", 4.00)
	lotID := createLot(t, db, medID, "L1", expiryIn(5), 50)
	coord := newTestCoordinator(db)

	_, err := coord.Execute(context.Background(), Cart{
		UserID:        userID,
		PaymentMethod: "efectivo",
		Items:         []CartItem{{LotID: lotID, Quantity: 10}},
	})

	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, lotID, rejection.LotID)
	assert.Equal(t, ReasonExpiring, rejection.Reason)

	assert.Equal(t, int64(50), lotQuantity(t, db, lotID))
	assert.Zero(t, countRows(t, db, "sales"))
	assert.Zero(t, countRows(t, db, "sale_items"))
}

func TestCoordinator_ExpiryBoundary(t *testing.T) {
	db := setupTestDB(t)
	userID := createUser(t, db)
	medID := createMedication(t, db, "Ibuprofeno 400mg", 3.00)
	coord := newTestCoordinator(db)

	t.Run("exactly thirty days is rejected", func(t *testing.T) {
		lotID := createLot(t, db, medID, "B30", expiryIn(30), 20)
		_, err := coord.Execute(context.Background(), Cart{
			UserID:        userID,
			PaymentMethod: "tarjeta",
			Items:         []CartItem{{LotID: lotID, Quantity: 1}},
		})
		var rejection *RejectionError
		require.ErrorAs(t, err, &rejection)
		assert.Equal(t, ReasonExpiring, rejection.Reason)
	})

	t.Run("thirty-one days is sellable", func(t *testing.T) {
		lotID := createLot(t, db, medID, "B31", expiryIn(31), 20)
		_, err := coord.Execute(context.Background(), Cart{
			UserID:        userID,
			PaymentMethod: "tarjeta",
			Items:         []CartItem{{LotID: lotID, Quantity: 1}},
		})
		require.NoError(t, err)
	})
}

func TestCoordinator_AtomicRollback(t *testing.T) {
	db := setupTestDB(t)
	userID := createUser(t, db)
	medID := createMedication(t, db, "Loratadina 10mg", 1.80)
	lot1 := createLot(t, db, medID, "A1", expiryIn(100), 40)
	lot2 := createLot(t, db, medID, "A2", expiryIn(10), 40) // inside the window
	lot3 := createLot(t, db, medID, "A3", expiryIn(100), 40)
	coord := newTestCoordinator(db)

	_, err := coord.Execute(context.Background(), Cart{
		UserID:        userID,
		PaymentMethod: "efectivo",
		Items: []CartItem{
			{LotID: lot1, Quantity: 2},
			{LotID: lot2, Quantity: 2},
			{LotID: lot3, Quantity: 2},
		},
	})

	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, lot2, rejection.LotID)

	assert.Equal(t, int64(40), lotQuantity(t, db, lot1))
	assert.Equal(t, int64(40), lotQuantity(t, db, lot2))
	assert.Equal(t, int64(40), lotQuantity(t, db, lot3))
	assert.Zero(t, countRows(t, db, "sales"))
	assert.Zero(t, countRows(t, db, "sale_items"))
}

func TestCoordinator_TotalAcrossLines(t *testing.T) {
	db := setupTestDB(t)
	userID := createUser(t, db)
	medA := createMedication(t, db, "Omeprazol 20mg", 2.50)
	medB := createMedication(t, db, "Azitromicina 500mg", 15.00)
	lotA := createLot(t, db, medA, "OA", expiryIn(90), 30)
	lotB := createLot(t, db, medB, "AZ", expiryIn(90), 30)
	coord := newTestCoordinator(db)

	receipt, err := coord.Execute(context.Background(), Cart{
		UserID:        userID,
		PaymentMethod: "tarjeta",
		Items: []CartItem{
			{LotID: lotA, Quantity: 3},
			{LotID: lotB, Quantity: 1},
		},
	})
	require.NoError(t, err)
	assert.InDelta(t, 22.50, receipt.Total, 1e-9)

	var subtotals []float64
	require.NoError(t, db.Select(&subtotals, `SELECT subtotal FROM sale_items WHERE sale_id = $1 ORDER BY lot_id`, receipt.SaleID))
	require.Len(t, subtotals, 2)
	assert.InDelta(t, 7.50, subtotals[0], 1e-9)
	assert.InDelta(t, 15.00, subtotals[1], 1e-9)
}

func TestCoordinator_FreezesUnitPrice(t *testing.T) {
	db := setupTestDB(t)
	userID := createUser(t, db)
	medID := createMedication(t, db, "Metformina 850mg", 2.50)
	lotID := createLot(t, db, medID, "M1", expiryIn(200), 60)
	coord := newTestCoordinator(db)

	receipt, err := coord.Execute(context.Background(), Cart{
		UserID:        userID,
		PaymentMethod: "efectivo",
		Items:         []CartItem{{LotID: lotID, Quantity: 4}},
	})
	require.NoError(t, err)

	// Price changes after the sale must not rewrite history.
	_, err = db.Exec(`UPDATE medications SET sale_price = 9.99 WHERE id = $1`, medID)
	require.NoError(t, err)

	var unitPrice float64
	require.NoError(t, db.Get(&unitPrice, `SELECT unit_price FROM sale_items WHERE sale_id = $1`, receipt.SaleID))
	assert.InDelta(t, 2.50, unitPrice, 1e-9)

	// A later sale picks up the new price.
	receipt2, err := coord.Execute(context.Background(), Cart{
		UserID:        userID,
		PaymentMethod: "efectivo",
		Items:         []CartItem{{LotID: lotID, Quantity: 1}},
	})
	require.NoError(t, err)
	assert.InDelta(t, 9.99, receipt2.Total, 1e-9)
}

func TestCoordinator_CustomerUpsert(t *testing.T) {
	db := setupTestDB(t)
	userID := createUser(t, db)
	medID := createMedication(t, db, "Diclofenaco 50mg", 1.20)
	lotID := createLot(t, db, medID, "D1", expiryIn(90), 100)
	coord := newTestCoordinator(db)

	t.Run("first sale creates the customer", func(t *testing.T) {
		_, err := coord.Execute(context.Background(), Cart{
			CustomerID:    "45678901",
			CustomerName:  "Maria Lopez",
			UserID:        userID,
			PaymentMethod: "efectivo",
			Items:         []CartItem{{LotID: lotID, Quantity: 1}},
		})
		require.NoError(t, err)

		var name string
		require.NoError(t, db.Get(&name, `SELECT name FROM customers WHERE national_id = '45678901'`))
		assert.Equal(t, "Maria Lopez", name)
	})

	t.Run("second sale does not overwrite the name", func(t *testing.T) {
		_, err := coord.Execute(context.Background(), Cart{
			CustomerID:    "45678901",
			CustomerName:  "Somebody Else",
			UserID:        userID,
			PaymentMethod: "tarjeta",
			Items:         []CartItem{{LotID: lotID, Quantity: 1}},
		})
		require.NoError(t, err)

		assert.Equal(t, int64(1), countRows(t, db, "customers"))
		var name string
		require.NoError(t, db.Get(&name, `SELECT name FROM customers WHERE national_id = '45678901'`))
		assert.Equal(t, "Maria Lopez", name)
	})

	t.Run("missing name falls back to the placeholder", func(t *testing.T) {
		_, err := coord.Execute(context.Background(), Cart{
			CustomerID:    "99900011",
			UserID:        userID,
			PaymentMethod: "efectivo",
			Items:         []CartItem{{LotID: lotID, Quantity: 1}},
		})
		require.NoError(t, err)

		var name string
		require.NoError(t, db.Get(&name, `SELECT name FROM customers WHERE national_id = '99900011'`))
		assert.Equal(t, DefaultCustomerName, name)
	})

	t.Run("walk-in sale stores no customer", func(t *testing.T) {
		receipt, err := coord.Execute(context.Background(), Cart{
			UserID:        userID,
			PaymentMethod: "efectivo",
			Items:         []CartItem{{LotID: lotID, Quantity: 1}},
		})
		require.NoError(t, err)

		var customerID *string
		require.NoError(t, db.Get(&customerID, `SELECT customer_id FROM sales WHERE id = $1`, receipt.SaleID))
		assert.Nil(t, customerID)
	})
}

func TestCoordinator_InputValidation(t *testing.T) {
	db := setupTestDB(t)
	userID := createUser(t, db)
	coord := newTestCoordinator(db)

	t.Run("empty cart", func(t *testing.T) {
		_, err := coord.Execute(context.Background(), Cart{UserID: userID, PaymentMethod: "efectivo"})
		assert.ErrorIs(t, err, ErrEmptyCart)
	})

	t.Run("non-positive quantity", func(t *testing.T) {
		_, err := coord.Execute(context.Background(), Cart{
			UserID:        userID,
			PaymentMethod: "efectivo",
			Items:         []CartItem{{LotID: 1, Quantity: 0}},
		})
		assert.ErrorIs(t, err, ErrInvalidQuantity)
	})

	t.Run("unknown lot", func(t *testing.T) {
		_, err := coord.Execute(context.Background(), Cart{
			UserID:        userID,
			PaymentMethod: "efectivo",
			Items:         []CartItem{{LotID: 424242, Quantity: 1}},
		})
		assert.ErrorIs(t, err, ErrLotNotFound)
	})
}

func TestCoordinator_NoOversell(t *testing.T) {
	db := setupTestDB(t)
	userID := createUser(t, db)
	medID := createMedication(t, db, "Insulina NPH", 25.00)
	lotID := createLot(t, db, medID, "I1", expiryIn(180), 10)
	coord := newTestCoordinator(db)

	// Two concurrent carts each want 6 of 10 units; exactly one may win.
	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := coord.Execute(context.Background(), Cart{
				UserID:        userID,
				PaymentMethod: "efectivo",
				Items:         []CartItem{{LotID: lotID, Quantity: 6}},
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, rejections int
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		var rejection *RejectionError
		require.True(t, errors.As(err, &rejection), "unexpected error: %v", err)
		assert.Equal(t, ReasonInsufficientStock, rejection.Reason)
		rejections++
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, rejections)
	assert.Equal(t, int64(4), lotQuantity(t, db, lotID))
}
