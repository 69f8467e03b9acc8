package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/autoconnect/internal/model"
)

type linkSessionRow struct {
	OwnerKey  string `db:"owner_key"`
	SessionID string `db:"session_id"`
	Code      string `db:"code"`
	State     string `db:"state"`
	Payload   string `db:"payload"`
	ExpiresAt int64  `db:"expires_at"`
	UpdatedAt int64  `db:"updated_at"`
}

type sqlLinkSessionRepo struct {
	db *sqlx.DB
}

// NewSQLLinkSessionRepository works against postgres and sqlite alike;
// timestamps are stored as unix milliseconds so both compare them the same.
func NewSQLLinkSessionRepository(db *sqlx.DB) LinkSessionRepository {
	return &sqlLinkSessionRepo{db: db}
}

func (r *sqlLinkSessionRepo) Save(ctx context.Context, ownerKey string, session *model.LinkSession) error {
	payload, err := encodeSession(session)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO link_sessions (owner_key, session_id, code, state, payload, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_key) DO UPDATE SET
			session_id = excluded.session_id,
			code = excluded.code,
			state = excluded.state,
			payload = excluded.payload,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`), ownerKey, session.ID, session.Code, string(session.State), string(payload),
		recordExpiry(session).UnixMilli(), time.Now().UnixMilli())
	return err
}

func (r *sqlLinkSessionRepo) Load(ctx context.Context, ownerKey string) (*model.LinkSession, error) {
	var row linkSessionRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT owner_key, session_id, code, state, payload, expires_at, updated_at
		FROM link_sessions
		WHERE owner_key = ? AND expires_at > ?
	`), ownerKey, time.Now().UnixMilli())
	found, err := HandleNotFound(&row, err)
	if err != nil || found == nil {
		return nil, err
	}
	return decodeSession([]byte(found.Payload))
}

func (r *sqlLinkSessionRepo) Delete(ctx context.Context, ownerKey string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM link_sessions WHERE owner_key = ?
	`), ownerKey)
	return err
}

func (r *sqlLinkSessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM link_sessions WHERE expires_at <= ?
	`), time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
