package domain

type Medication struct {
	ID                   int64   `db:"id" json:"id"`
	Name                 string  `db:"name" json:"name"`
	ActiveIngredient     string  `db:"active_ingredient" json:"active_ingredient"`
	Location             string  `db:"location" json:"location"`
	MinStock             int64   `db:"min_stock" json:"min_stock"`
	SalePrice            float64 `db:"sale_price" json:"sale_price"`
	RequiresPrescription bool    `db:"requires_prescription" json:"requires_prescription"`
	Active               bool    `db:"active" json:"active"`
	CreatedAt            string  `db:"created_at" json:"created_at,omitempty"`
}
