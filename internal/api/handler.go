package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"sigfarma/m/domain"
	"sigfarma/m/internal/metrics"
	"sigfarma/m/internal/sales"
)

type ctxKey string

const (
	ctxUserID ctxKey = "userID"
	ctxRole   ctxKey = "role"
)

const tokenTTL = 8 * time.Hour

// Handler bundles dependencies for HTTP handlers.
type Handler struct {
	db     *sqlx.DB
	coord  *sales.Coordinator
	secret string
	log    zerolog.Logger
}

// New constructs a Handler.
func New(db *sqlx.DB, secret string, log zerolog.Logger) *Handler {
	return &Handler{db: db, coord: sales.NewCoordinator(db), secret: secret, log: log}
}

// Router wires up the HTTP API.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", h.login)
		r.Group(func(protected chi.Router) {
			protected.Use(h.authMiddleware)
			protected.Post("/register", h.register)
			protected.Post("/reset-password", h.resetPassword)
		})
	})

	r.Group(func(pr chi.Router) {
		pr.Use(h.authMiddleware)

		pr.Route("/medications", func(r chi.Router) {
			r.Get("/", h.listMedications)
			r.Get("/{id}", h.getMedication)
			r.Post("/", h.createMedication)
			r.Put("/{id}", h.updateMedication)
			r.Delete("/{id}", h.deactivateMedication)
			r.Post("/{id}/lots", h.createLot)
			r.Get("/{id}/lots", h.listLots)
		})

		pr.Post("/lots/{id}/stock", h.replenishLot)
		pr.Get("/lots/{id}/eligibility", h.lotEligibility)

		pr.Get("/customers", h.listCustomers)

		pr.Route("/sales", func(r chi.Router) {
			r.Post("/", h.createSale)
			r.Get("/", h.listSales)
			r.Get("/{id}", h.getSale)
		})

		pr.Route("/alerts", func(r chi.Router) {
			r.Get("/expiry", h.expiryAlerts)
			r.Get("/stock", h.stockAlerts)
		})

		pr.Route("/reports", func(r chi.Router) {
			r.Get("/sales/daily", h.dailySales)
			r.Get("/sales/monthly", h.monthlySales)
			r.Get("/sales", h.salesReport)
		})
	})

	return r
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Authentication helpers

type authClaims struct {
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

func (h *Handler) generateToken(userID int64, role string) (string, error) {
	claims := authClaims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(h.secret))
}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(strings.ToLower(header), "bearer ") {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}
		tokenString := strings.TrimSpace(header[len("Bearer "):])
		token, err := jwt.ParseWithClaims(tokenString, &authClaims{}, func(token *jwt.Token) (interface{}, error) {
			if token.Method != jwt.SigningMethodHS256 {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(h.secret), nil
		})
		if err != nil || !token.Valid {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
			return
		}
		claims, ok := token.Claims.(*authClaims)
		if !ok {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token claims")
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserID, claims.UserID)
		ctx = context.WithValue(ctx, ctxRole, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) requireRole(w http.ResponseWriter, r *http.Request, allowed ...string) bool {
	role := r.Context().Value(ctxRole)
	if role == nil {
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing role")
		return false
	}
	current := role.(string)
	for _, allowedRole := range allowed {
		if current == allowedRole {
			return true
		}
	}
	respondError(w, http.StatusForbidden, "FORBIDDEN", "insufficient permissions")
	return false
}

// Auth handlers

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if req.Username == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "username and password are required")
		return
	}

	var user domain.User
	err := h.db.Get(&user, `SELECT id, username, password_hash, role, active FROM users WHERE username = $1`, req.Username)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials")
		return
	}
	if !user.Active {
		respondError(w, http.StatusForbidden, "USER_DISABLED", "user is disabled")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		respondError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials")
		return
	}

	token, err := h.generateToken(user.ID, user.Role)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORAGE_ERROR", "unable to generate token")
		return
	}
	respondJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, "admin") {
		return
	}
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if req.Username == "" || req.Password == "" || req.Role == "" {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "username, password and role are required")
		return
	}
	if req.Role != "admin" && req.Role != "seller" {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "role must be admin or seller")
		return
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORAGE_ERROR", "unable to secure password")
		return
	}

	var userID int64
	err = h.db.QueryRowx(`INSERT INTO users (username, password_hash, role) VALUES ($1, $2, $3) RETURNING id`,
		req.Username, hashed, req.Role).Scan(&userID)
	if err != nil {
		respondError(w, http.StatusConflict, "USERNAME_TAKEN", "username already exists")
		return
	}
	respondJSON(w, http.StatusCreated, domain.User{ID: userID, Username: req.Username, Role: req.Role, Active: true})
}

func (h *Handler) resetPassword(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		NewPassword string `json:"new_password"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if payload.NewPassword == "" {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "new_password is required")
		return
	}
	uid := r.Context().Value(ctxUserID).(int64)
	hashed, err := bcrypt.GenerateFromPassword([]byte(payload.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORAGE_ERROR", "unable to secure password")
		return
	}
	if _, err := h.db.Exec(`UPDATE users SET password_hash = $1 WHERE id = $2`, hashed, uid); err != nil {
		respondError(w, http.StatusInternalServerError, "STORAGE_ERROR", "unable to update password")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "password updated"})
}

// Medication handlers

type lotView struct {
	ID           int64     `json:"id"`
	LotCode      string    `json:"lot_code"`
	ExpiryDate   time.Time `json:"expiry_date"`
	Quantity     int64     `json:"quantity"`
	PurchaseCost float64   `json:"purchase_cost"`
}

type medicationWithLots struct {
	ID                   int64     `json:"id"`
	Name                 string    `json:"name"`
	ActiveIngredient     string    `json:"active_ingredient"`
	Location             string    `json:"location"`
	MinStock             int64     `json:"min_stock"`
	SalePrice            float64   `json:"sale_price"`
	RequiresPrescription bool      `json:"requires_prescription"`
	StockTotal           int64     `json:"stock_total"`
	Lots                 []lotView `json:"lots"`
}

type medicationLotRow struct {
	MedicationID         int64      `db:"medication_id"`
	Name                 string     `db:"name"`
	ActiveIngredient     string     `db:"active_ingredient"`
	Location             string     `db:"location"`
	MinStock             int64      `db:"min_stock"`
	SalePrice            float64    `db:"sale_price"`
	RequiresPrescription bool       `db:"requires_prescription"`
	LotID                *int64     `db:"lot_id"`
	LotCode              *string    `db:"lot_code"`
	ExpiryDate           *time.Time `db:"expiry_date"`
	Quantity             *int64     `db:"quantity"`
	PurchaseCost         *float64   `db:"purchase_cost"`
}

func (h *Handler) listMedications(w http.ResponseWriter, r *http.Request) {
	var rows []medicationLotRow
	err := h.db.Select(&rows, `SELECT
            m.id AS medication_id, m.name, m.active_ingredient, m.location,
            m.min_stock, m.sale_price, m.requires_prescription,
            l.id AS lot_id, l.lot_code, l.expiry_date, l.quantity, l.purchase_cost
        FROM medications m
        LEFT JOIN lots l ON l.medication_id = m.id
        WHERE m.active
        ORDER BY m.id, l.expiry_date ASC`)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORAGE_ERROR", "unable to list medications")
		return
	}

	index := make(map[int64]int)
	result := make([]medicationWithLots, 0)
	for _, row := range rows {
		i, seen := index[row.MedicationID]
		if !seen {
			i = len(result)
			index[row.MedicationID] = i
			result = append(result, medicationWithLots{
				ID:                   row.MedicationID,
				Name:                 row.Name,
				ActiveIngredient:     row.ActiveIngredient,
				Location:             row.Location,
				MinStock:             row.MinStock,
				SalePrice:            row.SalePrice,
				RequiresPrescription: row.RequiresPrescription,
				Lots:                 []lotView{},
			})
		}
		if row.LotID != nil {
			result[i].Lots = append(result[i].Lots, lotView{
				ID:           *row.LotID,
				LotCode:      *row.LotCode,
				ExpiryDate:   *row.ExpiryDate,
				Quantity:     *row.Quantity,
				PurchaseCost: *row.PurchaseCost,
			})
			result[i].StockTotal += *row.Quantity
		}
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) getMedication(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid medication id")
		return
	}
	var med struct {
		domain.Medication
		StockTotal int64 `db:"stock_total" json:"stock_total"`
	}
	err = h.db.Get(&med, `SELECT
            m.id, m.name, m.active_ingredient, m.location, m.min_stock,
            m.sale_price, m.requires_prescription, m.active, m.created_at,
            COALESCE(SUM(l.quantity), 0) AS stock_total
        FROM medications m
        LEFT JOIN lots l ON l.medication_id = m.id
        WHERE m.id = $1
        GROUP BY m.id, m.name, m.active_ingredient, m.location, m.min_stock,
                 m.sale_price, m.requires_prescription, m.active, m.created_at`, id)
	if errors.Is(err, sql.ErrNoRows) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "medication not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORAGE_ERROR", "unable to fetch medication")
		return
	}
	respondJSON(w, http.StatusOK, med)
}

type medicationRequest struct {
	Name                 string  `json:"name"`
	ActiveIngredient     string  `json:"active_ingredient"`
	Location             string  `json:"location"`
	MinStock             int64   `json:"min_stock"`
	SalePrice            float64 `json:"sale_price"`
	RequiresPrescription bool    `json:"requires_prescription"`
}

func (req *medicationRequest) validate() string {
	if strings.TrimSpace(req.Name) == "" {
		return "name is required"
	}
	if req.SalePrice <= 0 {
		return "sale_price must be greater than zero"
	}
	if req.MinStock < 0 {
		return "min_stock must not be negative"
	}
	return ""
}

func (h *Handler) createMedication(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, "admin") {
		return
	}
	var req medicationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if msg := req.validate(); msg != "" {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", msg)
		return
	}
	var id int64
	err := h.db.QueryRowx(`INSERT INTO medications (name, active_ingredient, location, min_stock, sale_price, requires_prescription)
        VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		req.Name, req.ActiveIngredient, req.Location, req.MinStock, req.SalePrice, req.RequiresPrescription).Scan(&id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORAGE_ERROR", "unable to create medication")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"id": id, "name": req.Name})
}

func (h *Handler) updateMedication(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, "admin") {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid medication id")
		return
	}
	var req medicationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if msg := req.validate(); msg != "" {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", msg)
		return
	}
	res, err := h.db.Exec(`UPDATE medications SET name = $1, active_ingredient = $2, location = $3, min_stock = $4, sale_price = $5, requires_prescription = $6 WHERE id = $7`,
		req.Name, req.ActiveIngredient, req.Location, req.MinStock, req.SalePrice, req.RequiresPrescription, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORAGE_ERROR", "unable to update medication")
		return
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "medication not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// deactivateMedication retires a medication from the sale path. Rows are never
// deleted; history keeps pointing at them.
func (h *Handler) deactivateMedication(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, "admin") {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid medication id")
		return
	}
	res, err := h.db.Exec(`UPDATE medications SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORAGE_ERROR", "unable to deactivate medication")
		return
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "medication not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

// Lot handlers

type lotRequest struct {
	LotCode      string  `json:"lot_code"`
	ExpiryDate   string  `json:"expiry_date"`
	Quantity     int64   `json:"quantity"`
	PurchaseCost float64 `json:"purchase_cost"`
}

func (h *Handler) createLot(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, "admin", "seller") {
		return
	}
	medicationID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid medication id")
		return
	}
	var req lotRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if strings.TrimSpace(req.LotCode) == "" || req.Quantity <= 0 || req.PurchaseCost < 0 {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "lot_code, a positive quantity and a non-negative purchase_cost are required")
		return
	}
	expiry, err := time.Parse("2006-01-02", req.ExpiryDate)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "expiry_date must be in YYYY-MM-DD format")
		return
	}

	var active bool
	if err := h.db.Get(&active, `SELECT active FROM medications WHERE id = $1`, medicationID); err != nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "medication not found")
		return
	}
	if !active {
		respondError(w, http.StatusConflict, "MEDICATION_INACTIVE", "medication is deactivated")
		return
	}

	var id int64
	err = h.db.QueryRowx(`INSERT INTO lots (medication_id, lot_code, expiry_date, quantity, purchase_cost)
        VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		medicationID, req.LotCode, expiry, req.Quantity, req.PurchaseCost).Scan(&id)
	if err != nil {
		respondError(w, http.StatusConflict, "LOT_EXISTS", "lot code already exists for this medication")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"id": id, "lot_code": req.LotCode})
}

func (h *Handler) listLots(w http.ResponseWriter, r *http.Request) {
	medicationID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid medication id")
		return
	}
	var lots []domain.Lot
	err = h.db.Select(&lots, `SELECT id, medication_id, lot_code, expiry_date, quantity, purchase_cost, created_at
        FROM lots WHERE medication_id = $1 ORDER BY expiry_date ASC`, medicationID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORAGE_ERROR", "unable to list lots")
		return
	}
	respondJSON(w, http.StatusOK, lots)
}

// lotEligibility is the advisory pre-check behind the cashier's lot lookup.
// Its answer can go stale at any moment; the sale transaction re-validates
// every lot under a row lock before committing.
func (h *Handler) lotEligibility(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid lot id")
		return
	}
	quantity, err := strconv.ParseInt(r.URL.Query().Get("quantity"), 10, 64)
	if err != nil || quantity <= 0 {
		quantity = 1
	}
	var lot domain.Lot
	err = h.db.Get(&lot, `SELECT id, medication_id, lot_code, expiry_date, quantity, purchase_cost, created_at FROM lots WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		respondError(w, http.StatusNotFound, "LOT_NOT_FOUND", "lot not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORAGE_ERROR", "unable to fetch lot")
		return
	}
	judgment := sales.CheckEligibility(lot.ExpiryDate, lot.Quantity, quantity, time.Now())
	respondJSON(w, http.StatusOK, map[string]any{
		"lot_id":   lot.ID,
		"lot_code": lot.LotCode,
		"judgment": judgment,
	})
}

func (h *Handler) replenishLot(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, "admin", "seller") {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid lot id")
		return
	}
	var payload struct {
		Quantity int64 `json:"quantity"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if payload.Quantity <= 0 {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "quantity must be positive")
		return
	}
	res, err := h.db.Exec(`UPDATE lots SET quantity = quantity + $1 WHERE id = $2`, payload.Quantity, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORAGE_ERROR", "unable to update stock")
		return
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "lot not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "stock updated"})
}

// Customer handlers

func (h *Handler) listCustomers(w http.ResponseWriter, r *http.Request) {
	var customers []domain.Customer
	if err := h.db.Select(&customers, `SELECT national_id, name, created_at FROM customers ORDER BY name`); err != nil {
		respondError(w, http.StatusInternalServerError, "STORAGE_ERROR", "unable to list customers")
		return
	}
	respondJSON(w, http.StatusOK, customers)
}

// Sales handlers

type saleItemRequest struct {
	LotID    int64 `json:"lot_id"`
	Quantity int64 `json:"quantity"`
}

type saleRequest struct {
	BuyerID       *string           `json:"buyer_id"`
	BuyerName     *string           `json:"buyer_name"`
	SellerID      int64             `json:"seller_id"`
	PaymentMethod string            `json:"payment_method"`
	Items         []saleItemRequest `json:"items"`
}

func (h *Handler) createSale(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, "admin", "seller") {
		return
	}
	var req saleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if strings.TrimSpace(req.PaymentMethod) == "" {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "payment_method is required")
		return
	}

	// The authenticated user is the seller of record; the seller_id field is
	// accepted for older clients but never trusted over the token.
	sellerID := r.Context().Value(ctxUserID).(int64)

	cart := sales.Cart{
		UserID:        sellerID,
		PaymentMethod: req.PaymentMethod,
		Items:         make([]sales.CartItem, 0, len(req.Items)),
	}
	if req.BuyerID != nil {
		cart.CustomerID = strings.TrimSpace(*req.BuyerID)
	}
	if req.BuyerName != nil {
		cart.CustomerName = strings.TrimSpace(*req.BuyerName)
	}
	for _, item := range req.Items {
		cart.Items = append(cart.Items, sales.CartItem{LotID: item.LotID, Quantity: item.Quantity})
	}

	receipt, err := h.coord.Execute(r.Context(), cart)
	if err != nil {
		h.respondSaleError(w, err)
		return
	}
	metrics.SalesCompleted.Inc()
	respondJSON(w, http.StatusCreated, map[string]any{"sale_id": receipt.SaleID, "total": receipt.Total})
}

func (h *Handler) respondSaleError(w http.ResponseWriter, err error) {
	var rejection *sales.RejectionError
	switch {
	case errors.Is(err, sales.ErrEmptyCart), errors.Is(err, sales.ErrInvalidQuantity):
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, sales.ErrLotNotFound):
		metrics.SalesRejected.WithLabelValues("lot_not_found").Inc()
		respondError(w, http.StatusNotFound, "LOT_NOT_FOUND", err.Error())
	case errors.As(err, &rejection):
		metrics.SalesRejected.WithLabelValues("ineligible").Inc()
		respondError(w, http.StatusBadRequest, "LOT_REJECTED", rejection.Error())
	default:
		metrics.SalesRejected.WithLabelValues("storage").Inc()
		h.log.Error().Err(err).Msg("sale transaction failed")
		respondError(w, http.StatusInternalServerError, "STORAGE_ERROR", "unable to complete sale")
	}
}

type saleHistoryEntry struct {
	ID            int64   `db:"id" json:"id"`
	Total         float64 `db:"total" json:"total"`
	PaymentMethod string  `db:"payment_method" json:"payment_method"`
	CreatedAt     string  `db:"created_at" json:"created_at"`
	CustomerID    *string `db:"customer_id" json:"customer_id,omitempty"`
	CustomerName  string  `db:"customer_name" json:"customer_name"`
	SellerName    string  `db:"seller_name" json:"seller_name"`
}

func (h *Handler) listSales(w http.ResponseWriter, r *http.Request) {
	var entries []saleHistoryEntry
	err := h.db.Select(&entries, fmt.Sprintf(`SELECT
            s.id, s.total, s.payment_method, s.created_at, s.customer_id,
            COALESCE(c.name, '%s') AS customer_name,
            COALESCE(u.username, 'Admin') AS seller_name
        FROM sales s
        LEFT JOIN customers c ON c.national_id = s.customer_id
        LEFT JOIN users u ON u.id = s.user_id
        ORDER BY s.created_at DESC`, sales.DefaultCustomerName))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORAGE_ERROR", "unable to fetch sales")
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

func (h *Handler) getSale(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid sale id")
		return
	}
	var sale domain.Sale
	err = h.db.Get(&sale, `SELECT id, customer_id, user_id, payment_method, total, created_at FROM sales WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "sale not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORAGE_ERROR", "unable to fetch sale")
		return
	}
	var items []domain.SaleItem
	if err := h.db.Select(&items, `SELECT id, sale_id, lot_id, quantity, unit_price, subtotal FROM sale_items WHERE sale_id = $1 ORDER BY id`, id); err != nil {
		respondError(w, http.StatusInternalServerError, "STORAGE_ERROR", "unable to fetch sale items")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"sale": sale, "items": items})
}

// Alert handlers

type expiryAlertEntry struct {
	LotID          int64     `db:"lot_id" json:"lot_id"`
	LotCode        string    `db:"lot_code" json:"lot_code"`
	ExpiryDate     time.Time `db:"expiry_date" json:"expiry_date"`
	Quantity       int64     `db:"quantity" json:"quantity"`
	MedicationID   int64     `db:"medication_id" json:"medication_id"`
	MedicationName string    `db:"name" json:"medication_name"`
	DaysRemaining  int       `db:"-" json:"days_remaining"`
	Status         string    `db:"-" json:"status"`
}

// expiryAlerts lists lots that are expired or about to expire. The window
// matches the sale cutoff by default, so everything listed here would also be
// rejected at the register.
func (h *Handler) expiryAlerts(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	if days <= 0 {
		days = sales.ExpiryWindowDays
	}
	now := time.Now().UTC()
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, days)

	var entries []expiryAlertEntry
	err := h.db.Select(&entries, `SELECT
            l.id AS lot_id, l.lot_code, l.expiry_date, l.quantity,
            m.id AS medication_id, m.name
        FROM lots l
        JOIN medications m ON m.id = l.medication_id
        WHERE m.active AND l.quantity > 0 AND l.expiry_date <= $1
        ORDER BY l.expiry_date ASC`, cutoff)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORAGE_ERROR", "unable to fetch alerts")
		return
	}
	for i := range entries {
		entries[i].DaysRemaining = sales.DaysRemaining(entries[i].ExpiryDate, now)
		if entries[i].DaysRemaining <= 0 {
			entries[i].Status = "expired"
		} else {
			entries[i].Status = "expiring"
		}
	}
	respondJSON(w, http.StatusOK, entries)
}

type stockAlertEntry struct {
	MedicationID int64  `db:"id" json:"medication_id"`
	Name         string `db:"name" json:"name"`
	MinStock     int64  `db:"min_stock" json:"min_stock"`
	StockTotal   int64  `db:"stock_total" json:"stock_total"`
}

func (h *Handler) stockAlerts(w http.ResponseWriter, r *http.Request) {
	var entries []stockAlertEntry
	err := h.db.Select(&entries, `SELECT
            m.id, m.name, m.min_stock,
            COALESCE(SUM(l.quantity), 0) AS stock_total
        FROM medications m
        LEFT JOIN lots l ON l.medication_id = m.id
        WHERE m.active
        GROUP BY m.id, m.name, m.min_stock
        HAVING COALESCE(SUM(l.quantity), 0) <= m.min_stock`)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORAGE_ERROR", "unable to fetch stock alerts")
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

// Reports

func (h *Handler) dailySales(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	h.salesSummarySince(w, start)
}

func (h *Handler) monthlySales(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	h.salesSummarySince(w, start)
}

func (h *Handler) salesSummarySince(w http.ResponseWriter, start time.Time) {
	var revenue float64
	var count int64
	err := h.db.QueryRow(`SELECT COALESCE(SUM(total), 0) AS revenue, COUNT(*) AS count FROM sales WHERE created_at >= $1`,
		start.Format("2006-01-02 15:04:05")).Scan(&revenue, &count)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORAGE_ERROR", "unable to fetch sales summary")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"revenue": revenue, "sales_count": count})
}

type saleItemDetail struct {
	SaleID         int64   `db:"sale_id" json:"sale_id"`
	LotID          int64   `db:"lot_id" json:"lot_id"`
	LotCode        string  `db:"lot_code" json:"lot_code"`
	MedicationName string  `db:"medication_name" json:"medication_name"`
	Quantity       int64   `db:"quantity" json:"quantity"`
	UnitPrice      float64 `db:"unit_price" json:"unit_price"`
	Subtotal       float64 `db:"subtotal" json:"subtotal"`
}

type saleReportEntry struct {
	saleHistoryEntry
	Items []saleItemDetail `json:"items"`
}

func (h *Handler) salesReport(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, "admin") {
		return
	}

	var (
		args    []any
		clauses []string
	)

	startDate := strings.TrimSpace(r.URL.Query().Get("start_date"))
	if startDate != "" {
		if _, err := time.Parse("2006-01-02", startDate); err != nil {
			respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "start_date must be in YYYY-MM-DD format")
			return
		}
		args = append(args, startDate+" 00:00:00")
		clauses = append(clauses, fmt.Sprintf("s.created_at >= $%d", len(args)))
	}

	endDate := strings.TrimSpace(r.URL.Query().Get("end_date"))
	if endDate != "" {
		if _, err := time.Parse("2006-01-02", endDate); err != nil {
			respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "end_date must be in YYYY-MM-DD format")
			return
		}
		args = append(args, endDate+" 23:59:59")
		clauses = append(clauses, fmt.Sprintf("s.created_at <= $%d", len(args)))
	}

	query := fmt.Sprintf(`SELECT
            s.id, s.total, s.payment_method, s.created_at, s.customer_id,
            COALESCE(c.name, '%s') AS customer_name,
            COALESCE(u.username, 'Admin') AS seller_name
        FROM sales s
        LEFT JOIN customers c ON c.national_id = s.customer_id
        LEFT JOIN users u ON u.id = s.user_id`, sales.DefaultCustomerName)
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY s.created_at DESC"

	var entries []saleHistoryEntry
	if err := h.db.Select(&entries, query, args...); err != nil {
		respondError(w, http.StatusInternalServerError, "STORAGE_ERROR", "unable to fetch sales report")
		return
	}
	if len(entries) == 0 {
		respondJSON(w, http.StatusOK, []saleReportEntry{})
		return
	}

	ids := make([]int64, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID
	}

	itemsQuery, itemsArgs, err := sqlx.In(`SELECT
            si.sale_id, si.lot_id, l.lot_code, m.name AS medication_name,
            si.quantity, si.unit_price, si.subtotal
        FROM sale_items si
        JOIN lots l ON l.id = si.lot_id
        JOIN medications m ON m.id = l.medication_id
        WHERE si.sale_id IN (?)`, ids)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORAGE_ERROR", "unable to prepare sale items query")
		return
	}
	itemsQuery = h.db.Rebind(itemsQuery)

	var rows []saleItemDetail
	if err := h.db.Select(&rows, itemsQuery, itemsArgs...); err != nil {
		respondError(w, http.StatusInternalServerError, "STORAGE_ERROR", "unable to load sale items")
		return
	}
	itemsBySale := make(map[int64][]saleItemDetail)
	for _, row := range rows {
		itemsBySale[row.SaleID] = append(itemsBySale[row.SaleID], row)
	}

	report := make([]saleReportEntry, len(entries))
	for i, entry := range entries {
		report[i] = saleReportEntry{saleHistoryEntry: entry, Items: itemsBySale[entry.ID]}
	}

	respondJSON(w, http.StatusOK, report)
}

// Helpers

func decodeJSON(r *http.Request, dest interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]string{"code": code, "error": message})
}
