package domain

type Customer struct {
	NationalID string `db:"national_id" json:"national_id"`
	Name       string `db:"name" json:"name"`
	CreatedAt  string `db:"created_at" json:"created_at,omitempty"`
}
