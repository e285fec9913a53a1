package migrations

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Run creates the database schema. The DDL is kept per dialect because the
// service runs against PostgreSQL in production and SQLite in tests.
func Run(db *sqlx.DB) error {
	schema := sqliteSchema
	if db.DriverName() == "pgx" {
		schema = postgresSchema
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
        id BIGSERIAL PRIMARY KEY,
        username TEXT NOT NULL UNIQUE,
        password_hash TEXT NOT NULL,
        role TEXT NOT NULL DEFAULT 'seller',
        active BOOLEAN NOT NULL DEFAULT TRUE,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );`,
	`CREATE TABLE IF NOT EXISTS medications (
        id BIGSERIAL PRIMARY KEY,
        name TEXT NOT NULL,
        active_ingredient TEXT NOT NULL DEFAULT '',
        location TEXT NOT NULL DEFAULT '',
        min_stock BIGINT NOT NULL DEFAULT 0,
        sale_price DOUBLE PRECISION NOT NULL,
        requires_prescription BOOLEAN NOT NULL DEFAULT FALSE,
        active BOOLEAN NOT NULL DEFAULT TRUE,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );`,
	`CREATE TABLE IF NOT EXISTS lots (
        id BIGSERIAL PRIMARY KEY,
        medication_id BIGINT NOT NULL REFERENCES medications(id),
        lot_code TEXT NOT NULL,
        expiry_date DATE NOT NULL,
        quantity BIGINT NOT NULL CHECK (quantity >= 0),
        purchase_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        UNIQUE (medication_id, lot_code)
    );`,
	`CREATE TABLE IF NOT EXISTS customers (
        national_id TEXT PRIMARY KEY,
        name TEXT NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );`,
	`CREATE TABLE IF NOT EXISTS sales (
        id BIGSERIAL PRIMARY KEY,
        customer_id TEXT REFERENCES customers(national_id),
        user_id BIGINT NOT NULL REFERENCES users(id),
        payment_method TEXT NOT NULL,
        total DOUBLE PRECISION NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );`,
	`CREATE TABLE IF NOT EXISTS sale_items (
        id BIGSERIAL PRIMARY KEY,
        sale_id BIGINT NOT NULL REFERENCES sales(id) ON DELETE CASCADE,
        lot_id BIGINT NOT NULL REFERENCES lots(id),
        quantity BIGINT NOT NULL,
        unit_price DOUBLE PRECISION NOT NULL,
        subtotal DOUBLE PRECISION NOT NULL
    );`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        username TEXT NOT NULL UNIQUE,
        password_hash TEXT NOT NULL,
        role TEXT NOT NULL DEFAULT 'seller',
        active BOOLEAN NOT NULL DEFAULT TRUE,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );`,
	`CREATE TABLE IF NOT EXISTS medications (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        name TEXT NOT NULL,
        active_ingredient TEXT NOT NULL DEFAULT '',
        location TEXT NOT NULL DEFAULT '',
        min_stock INTEGER NOT NULL DEFAULT 0,
        sale_price REAL NOT NULL,
        requires_prescription BOOLEAN NOT NULL DEFAULT FALSE,
        active BOOLEAN NOT NULL DEFAULT TRUE,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );`,
	`CREATE TABLE IF NOT EXISTS lots (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        medication_id INTEGER NOT NULL REFERENCES medications(id),
        lot_code TEXT NOT NULL,
        expiry_date DATE NOT NULL,
        quantity INTEGER NOT NULL CHECK (quantity >= 0),
        purchase_cost REAL NOT NULL DEFAULT 0,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        UNIQUE (medication_id, lot_code)
    );`,
	`CREATE TABLE IF NOT EXISTS customers (
        national_id TEXT PRIMARY KEY,
        name TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );`,
	`CREATE TABLE IF NOT EXISTS sales (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        customer_id TEXT REFERENCES customers(national_id),
        user_id INTEGER NOT NULL REFERENCES users(id),
        payment_method TEXT NOT NULL,
        total REAL NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );`,
	`CREATE TABLE IF NOT EXISTS sale_items (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        sale_id INTEGER NOT NULL REFERENCES sales(id) ON DELETE CASCADE,
        lot_id INTEGER NOT NULL REFERENCES lots(id),
        quantity INTEGER NOT NULL,
        unit_price REAL NOT NULL,
        subtotal REAL NOT NULL
    );`,
}
