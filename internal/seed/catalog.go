package seed

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// LoadMedications ingests the CSV catalog into the medications table. The
// catalog is only loaded into an empty table, so restarts never duplicate or
// clobber edited rows.
//
// Expected columns: name, active_ingredient, location, min_stock, sale_price,
// requires_prescription.
func LoadMedications(db *sqlx.DB, csvPath string, log zerolog.Logger) {
	var existing int64
	if err := db.Get(&existing, `SELECT COUNT(*) FROM medications`); err != nil {
		log.Warn().Err(err).Msg("unable to check medication catalog")
		return
	}
	if existing > 0 {
		return
	}

	file, err := os.Open(csvPath)
	if err != nil {
		log.Warn().Str("path", csvPath).Err(err).Msg("no medication catalog to seed")
		return
	}
	defer file.Close()

	reader := csv.NewReader(file)
	// Skip header
	if _, err := reader.Read(); err != nil {
		log.Warn().Err(err).Msg("unable to read catalog header")
		return
	}

	tx, err := db.Beginx()
	if err != nil {
		log.Warn().Err(err).Msg("unable to start catalog transaction")
		return
	}
	stmt, err := tx.Preparex(`INSERT INTO medications (name, active_ingredient, location, min_stock, sale_price, requires_prescription) VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		log.Warn().Err(err).Msg("unable to prepare catalog insert")
		_ = tx.Rollback()
		return
	}
	defer stmt.Close()

	rows := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn().Err(err).Msg("unable to read catalog row")
			continue
		}
		if len(record) < 6 {
			continue
		}
		name := strings.TrimSpace(record[0])
		if name == "" {
			continue
		}
		ingredient := strings.TrimSpace(record[1])
		location := strings.TrimSpace(record[2])
		minStock, _ := strconv.ParseInt(strings.TrimSpace(record[3]), 10, 64)
		price, err := strconv.ParseFloat(strings.TrimSpace(record[4]), 64)
		if err != nil || price <= 0 {
			continue
		}
		prescription := strings.EqualFold(strings.TrimSpace(record[5]), "true")

		if _, err := stmt.Exec(name, ingredient, location, minStock, price, prescription); err != nil {
			log.Warn().Str("medication", name).Err(err).Msg("unable to insert medication")
		} else {
			rows++
		}
	}

	if err := tx.Commit(); err != nil {
		log.Warn().Err(err).Msg("unable to commit catalog seed")
		return
	}
	log.Info().Int("rows", rows).Msg("seeded medication catalog")
}

// EnsureAdminUser creates the bootstrap admin account when no users exist.
func EnsureAdminUser(db *sqlx.DB, username, password string) error {
	var existing int64
	if err := db.Get(&existing, `SELECT COUNT(*) FROM users`); err != nil {
		return fmt.Errorf("check users: %w", err)
	}
	if existing > 0 {
		return nil
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	if _, err := db.Exec(`INSERT INTO users (username, password_hash, role) VALUES ($1, $2, 'admin')`, username, hashed); err != nil {
		return fmt.Errorf("insert admin user: %w", err)
	}
	return nil
}
