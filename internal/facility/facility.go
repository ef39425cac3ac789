// Package facility holds the per-facility DHPO configuration: endpoint,
// encrypted credentials and the persisted breaker state.
package facility

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/resilience"
)

// Facility is one row of facility_dhpo_config.
type Facility struct {
	ID                  int64
	Code                string
	Name                string
	EndpointURL         string
	Active              bool
	LoginCT             []byte
	PwdCT               []byte
	EncMeta             json.RawMessage
	LastErrorCode       string
	ConsecutiveFailures int
	BreakerOpenUntil    *time.Time
	LastSuccessAt       *time.Time
}

// BreakerState reports the breaker phase at now.
func (f Facility) BreakerState(now time.Time) resilience.State {
	return resilience.StateAt(now, f.BreakerOpenUntil, f.ConsecutiveFailures)
}

// Repository reads facilities and records the outcome of each poll.
type Repository struct {
	db *postgres.Client
}

func NewRepository(db *postgres.Client) *Repository {
	return &Repository{db: db}
}

const selectFacility = `SELECT id, facility_code, facility_name, endpoint_url, active,
	login_ct, pwd_ct, enc_meta, last_error_code, consecutive_failures,
	breaker_open_until, last_success_at
	FROM facility_dhpo_config`

type scanner interface {
	Scan(dest ...any) error
}

func scanFacility(row scanner) (Facility, error) {
	var (
		f         Facility
		endpoint  sql.NullString
		lastCode  sql.NullString
		openUntil sql.NullTime
		success   sql.NullTime
		meta      []byte
	)
	err := row.Scan(&f.ID, &f.Code, &f.Name, &endpoint, &f.Active,
		&f.LoginCT, &f.PwdCT, &meta, &lastCode, &f.ConsecutiveFailures,
		&openUntil, &success)
	if err != nil {
		return Facility{}, err
	}
	f.EndpointURL = endpoint.String
	f.LastErrorCode = lastCode.String
	f.EncMeta = json.RawMessage(meta)
	if openUntil.Valid {
		t := openUntil.Time
		f.BreakerOpenUntil = &t
	}
	if success.Valid {
		t := success.Time
		f.LastSuccessAt = &t
	}
	return f, nil
}

// Active returns every active facility ordered by code.
func (r *Repository) Active(ctx context.Context) ([]Facility, error) {
	rows, err := r.db.DB.QueryContext(ctx, selectFacility+` WHERE active = TRUE ORDER BY facility_code`)
	if err != nil {
		return nil, fmt.Errorf("querying active facilities: %w", err)
	}
	defer rows.Close()

	var out []Facility
	for rows.Next() {
		f, err := scanFacility(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning facility: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating facilities: %w", err)
	}
	return out, nil
}

func (r *Repository) Get(ctx context.Context, code string) (Facility, error) {
	f, err := scanFacility(r.db.DB.QueryRowContext(ctx, selectFacility+` WHERE facility_code = $1`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return Facility{}, fmt.Errorf("facility %s: %w", code, apperrors.ErrNotFound)
	}
	if err != nil {
		return Facility{}, fmt.Errorf("loading facility %s: %w", code, err)
	}
	return f, nil
}

// RecordFailure counts one more consecutive failure and opens the breaker
// once the policy threshold is reached. It returns the new open-until time,
// or nil while the breaker stays closed.
func (r *Repository) RecordFailure(ctx context.Context, code, errCode string, policy resilience.CooldownPolicy, now time.Time) (*time.Time, error) {
	var openUntil *time.Time
	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		var failures int
		err := tx.QueryRowContext(ctx,
			`UPDATE facility_dhpo_config SET
				consecutive_failures = consecutive_failures + 1,
				last_error_code = $2,
				updated_at = NOW()
			WHERE facility_code = $1
			RETURNING consecutive_failures`, code, errCode).Scan(&failures)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("facility %s: %w", code, apperrors.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("counting facility failure: %w", err)
		}
		until, open := policy.OpenUntil(now, failures)
		if !open {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE facility_dhpo_config SET breaker_open_until = $2 WHERE facility_code = $1`,
			code, until); err != nil {
			return fmt.Errorf("opening facility breaker: %w", err)
		}
		openUntil = &until
		return nil
	})
	return openUntil, err
}

// RecordSuccess closes the breaker and clears the failure count.
func (r *Repository) RecordSuccess(ctx context.Context, code string, now time.Time) error {
	_, err := r.db.DB.ExecContext(ctx,
		`UPDATE facility_dhpo_config SET
			consecutive_failures = 0,
			last_error_code = NULL,
			breaker_open_until = NULL,
			last_success_at = $2,
			updated_at = NOW()
		WHERE facility_code = $1`, code, now)
	if err != nil {
		return fmt.Errorf("recording facility success: %w", err)
	}
	return nil
}

// Upsert inserts or replaces the facility row identified by f.Code. Breaker
// state is left untouched on update.
func (r *Repository) Upsert(ctx context.Context, f Facility) (int64, error) {
	meta := []byte(f.EncMeta)
	if len(meta) == 0 {
		meta = []byte(`{}`)
	}
	var endpoint sql.NullString
	if f.EndpointURL != "" {
		endpoint = sql.NullString{String: f.EndpointURL, Valid: true}
	}
	var id int64
	err := r.db.DB.QueryRowContext(ctx,
		`INSERT INTO facility_dhpo_config
			(facility_code, facility_name, endpoint_url, active, login_ct, pwd_ct, enc_meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (facility_code) DO UPDATE SET
			facility_name = EXCLUDED.facility_name,
			endpoint_url = EXCLUDED.endpoint_url,
			active = EXCLUDED.active,
			login_ct = EXCLUDED.login_ct,
			pwd_ct = EXCLUDED.pwd_ct,
			enc_meta = EXCLUDED.enc_meta,
			updated_at = NOW()
		RETURNING id`,
		f.Code, f.Name, endpoint, f.Active, f.LoginCT, f.PwdCT, meta).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upserting facility %s: %w", f.Code, err)
	}
	return id, nil
}
