package seed

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
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

func TestLoadMedications(t *testing.T) {
	db := setupTestDB(t)
	csvPath := filepath.Join(t.TempDir(), "catalog.csv")
	catalog := "name,active_ingredient,location,min_stock,sale_price,requires_prescription\n" +
		"Paracetamol 500mg,Paracetamol,A-1,20,2.50,false\n" +
		"Amoxicilina 250mg,Amoxicilina,B-3,10,4.00,true\n" +
		"Sin precio,Nada,C-9,5,not-a-price,false\n"
	require.NoError(t, os.WriteFile(csvPath, []byte(catalog), 0o644))

	LoadMedications(db, csvPath, zerolog.Nop())

	var count int64
	require.NoError(t, db.Get(&count, `SELECT COUNT(*) FROM medications`))
	assert.Equal(t, int64(2), count)

	var prescription bool
	require.NoError(t, db.Get(&prescription, `SELECT requires_prescription FROM medications WHERE name = 'Amoxicilina 250mg'`))
	assert.True(t, prescription)

	// A second boot against a populated table must not duplicate the catalog.
	LoadMedications(db, csvPath, zerolog.Nop())
	require.NoError(t, db.Get(&count, `SELECT COUNT(*) FROM medications`))
	assert.Equal(t, int64(2), count)
}

func TestEnsureAdminUser(t *testing.T) {
	db := setupTestDB(t)

	require.NoError(t, EnsureAdminUser(db, "admin", "secret123"))
	require.NoError(t, EnsureAdminUser(db, "admin", "secret123"))

	var count int64
	require.NoError(t, db.Get(&count, `SELECT COUNT(*) FROM users`))
	assert.Equal(t, int64(1), count)

	var hash string
	require.NoError(t, db.Get(&hash, `SELECT password_hash FROM users WHERE username = 'admin'`))
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret123")))
}
