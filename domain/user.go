package domain

type User struct {
	ID           int64  `json:"id" db:"id"`
	Username     string `json:"username" db:"username"`
	PasswordHash string `json:"-" db:"password_hash"`
	Role         string `json:"role" db:"role"`
	Active       bool   `json:"active" db:"active"`
	CreatedAt    string `json:"created_at,omitempty" db:"created_at"`
}
