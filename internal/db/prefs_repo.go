package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"notifly/internal/types"
)

// PreferencesRepository provides data access for the user_preferences table.
// Rows are created lazily: a user with no row is reported as not found and
// the caller falls back to defaults, materializing a row on first write.
type PreferencesRepository struct {
	db DBTX
}

// NewPreferencesRepository creates a new PreferencesRepository backed by the
// given database connection (pool or transaction).
func NewPreferencesRepository(db DBTX) *PreferencesRepository {
	return &PreferencesRepository{db: db}
}

// prefsColumns defines the standard set of columns selected for preference
// queries. Column order must match scanPreferencesRow.
const prefsColumns = `user_id, email_enabled, sms_enabled, push_enabled,
	categories, email_frequency, quiet_hours_start, quiet_hours_end,
	timezone, created_at, updated_at`

// Get retrieves the stored preferences for a user. Returns
// ErrCodeNotFoundPreferences when no row exists; callers decide whether that
// means defaults or an error.
func (r *PreferencesRepository) Get(ctx context.Context, userID string) (*types.UserPreferences, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+prefsColumns+` FROM user_preferences WHERE user_id = $1`,
		userID,
	)

	prefs, err := scanPreferencesRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPreferences, "preferences not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve preferences", err)
	}
	return prefs, nil
}

// Upsert inserts or fully replaces the preference row for p.UserID.
// Preference rows are never hard-deleted; an unsubscribe writes a row with
// the affected channels switched off. The row's timestamps are written back
// into p on success.
func (r *PreferencesRepository) Upsert(ctx context.Context, p *types.UserPreferences) error {
	row := r.db.QueryRow(ctx,
		`INSERT INTO user_preferences
		 (user_id, email_enabled, sms_enabled, push_enabled, categories,
		  email_frequency, quiet_hours_start, quiet_hours_end, timezone)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (user_id) DO UPDATE SET
			email_enabled = EXCLUDED.email_enabled,
			sms_enabled = EXCLUDED.sms_enabled,
			push_enabled = EXCLUDED.push_enabled,
			categories = EXCLUDED.categories,
			email_frequency = EXCLUDED.email_frequency,
			quiet_hours_start = EXCLUDED.quiet_hours_start,
			quiet_hours_end = EXCLUDED.quiet_hours_end,
			timezone = EXCLUDED.timezone,
			updated_at = NOW()
		 RETURNING created_at, updated_at`,
		p.UserID,
		p.EmailEnabled,
		p.SMSEnabled,
		p.PushEnabled,
		p.Categories,
		string(p.EmailFrequency),
		p.QuietHoursStart,
		p.QuietHoursEnd,
		p.Timezone,
	)
	if err := row.Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert preferences", err)
	}
	return nil
}

// scanPreferencesRow scans a preference row from a single pgx.Row.
// Column order must match prefsColumns.
func scanPreferencesRow(row pgx.Row) (*types.UserPreferences, error) {
	var p types.UserPreferences
	err := row.Scan(
		&p.UserID,
		&p.EmailEnabled,
		&p.SMSEnabled,
		&p.PushEnabled,
		&p.Categories,
		&p.EmailFrequency,
		&p.QuietHoursStart,
		&p.QuietHoursEnd,
		&p.Timezone,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
