package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// DefaultCurrency applies when a revenue is created without one.
const DefaultCurrency = "JPY"

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Revenue is a user-owned revenue entry. Amount is in minor units.
type Revenue struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	ProjectID  string    `json:"project_id,omitempty"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
	RecordedOn string    `json:"recorded_on"`
	Note       string    `json:"note"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RevenueInput carries client-supplied fields. Nil fields are left
// untouched on update.
type RevenueInput struct {
	ProjectID  *string `json:"project_id"`
	Amount     *int64  `json:"amount"`
	Currency   *string `json:"currency"`
	RecordedOn *string `json:"recorded_on"`
	Note       *string `json:"note"`
}

func (in RevenueInput) validate(creating bool) error {
	if creating {
		if in.Amount == nil {
			return &ValidationError{Field: "amount", Message: "is required"}
		}
		if in.RecordedOn == nil {
			return &ValidationError{Field: "recorded_on", Message: "is required"}
		}
	}
	if in.Amount != nil && *in.Amount < 0 {
		return &ValidationError{Field: "amount", Message: "must not be negative"}
	}
	if in.Currency != nil && !currencyPattern.MatchString(*in.Currency) {
		return &ValidationError{Field: "currency", Message: "must be a three-letter ISO 4217 code"}
	}
	if in.RecordedOn != nil {
		if _, err := time.Parse(time.DateOnly, *in.RecordedOn); err != nil {
			return &ValidationError{Field: "recorded_on", Message: "must be a YYYY-MM-DD date"}
		}
	}
	return nil
}

const revenueColumns = `id, user_id, project_id, amount, currency, recorded_on, note, created_at, updated_at`

func scanRevenue(sc scanner) (*Revenue, error) {
	var (
		r                Revenue
		created, updated int64
	)
	if err := sc.Scan(&r.ID, &r.UserID, &r.ProjectID, &r.Amount, &r.Currency, &r.RecordedOn, &r.Note, &created, &updated); err != nil {
		return nil, err
	}
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	return &r, nil
}

// ListRevenues returns the revenues owned by userID, most recent first.
func (s *Store) ListRevenues(ctx context.Context, userID string) ([]Revenue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+revenueColumns+` FROM revenues WHERE user_id = ? ORDER BY recorded_on DESC, created_at DESC`, userID)
	if err != nil {
		return nil, dbErr("list revenues", err)
	}
	defer rows.Close()

	out := []Revenue{}
	for rows.Next() {
		r, err := scanRevenue(rows)
		if err != nil {
			return nil, dbErr("list revenues", err)
		}
		out = append(out, *r)
	}
	return out, dbErr("list revenues", rows.Err())
}

// GetRevenue returns one revenue of userID.
func (s *Store) GetRevenue(ctx context.Context, userID, id string) (*Revenue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+revenueColumns+` FROM revenues WHERE user_id = ? AND id = ?`, userID, id)
	r, err := scanRevenue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, dbErr("get revenue", err)
	}
	return r, nil
}

// CreateRevenue inserts a revenue for userID.
func (s *Store) CreateRevenue(ctx context.Context, userID string, in RevenueInput) (*Revenue, error) {
	if err := in.validate(true); err != nil {
		return nil, err
	}
	currency := DefaultCurrency
	if in.Currency != nil {
		currency = *in.Currency
	}
	var projectID, note string
	if in.ProjectID != nil {
		projectID = *in.ProjectID
	}
	if in.Note != nil {
		note = *in.Note
	}

	id := uuid.NewString()
	now := s.nowMillis()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO revenues (`+revenueColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, userID, projectID, *in.Amount, currency, *in.RecordedOn, note, now, now)
	if err != nil {
		return nil, dbErr("create revenue", err)
	}
	return s.GetRevenue(ctx, userID, id)
}

// UpdateRevenue applies the non-nil fields of in to a revenue of userID.
func (s *Store) UpdateRevenue(ctx context.Context, userID, id string, in RevenueInput) (*Revenue, error) {
	if err := in.validate(false); err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE revenues SET
			project_id = COALESCE(?1, project_id),
			amount = COALESCE(?2, amount),
			currency = COALESCE(?3, currency),
			recorded_on = COALESCE(?4, recorded_on),
			note = COALESCE(?5, note),
			updated_at = ?6
		WHERE user_id = ?7 AND id = ?8`,
		in.ProjectID, in.Amount, in.Currency, in.RecordedOn, in.Note, s.nowMillis(), userID, id)
	if err := affectedOne("update revenue", res, err); err != nil {
		return nil, err
	}
	return s.GetRevenue(ctx, userID, id)
}

// DeleteRevenue removes a revenue of userID.
func (s *Store) DeleteRevenue(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM revenues WHERE user_id = ? AND id = ?`, userID, id)
	return affectedOne("delete revenue", res, err)
}
