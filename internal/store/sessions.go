package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"webldap/internal/models"
)

func (s *Store) CreateSession(ctx context.Context, sess models.Session) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO sessions(id,uid,bind_dn,token_hash,bind_secret,is_admin,admin_checked_at,ip_hint,user_agent_hash,expires_at,idle_expires_at,created_at,last_seen_at) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		sess.ID, sess.UID, sess.BindDN, sess.TokenHash, sess.BindSecret, nullBool(sess.IsAdmin), nullTime(sess.AdminChecked),
		sess.IPHint, sess.UserAgentHash, sess.ExpiresAt, sess.IdleExpiresAt, sess.CreatedAt, sess.LastSeenAt,
	)
	return err
}

func (s *Store) GetSessionByTokenHash(ctx context.Context, tokenHash string) (models.Session, error) {
	var sess models.Session
	var isAdmin sql.NullBool
	var checked, revoked sql.NullTime
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT id,uid,bind_dn,token_hash,bind_secret,is_admin,admin_checked_at,ip_hint,user_agent_hash,expires_at,idle_expires_at,created_at,last_seen_at,revoked_at FROM sessions WHERE token_hash=?`),
		tokenHash,
	).Scan(&sess.ID, &sess.UID, &sess.BindDN, &sess.TokenHash, &sess.BindSecret, &isAdmin, &checked,
		&sess.IPHint, &sess.UserAgentHash, &sess.ExpiresAt, &sess.IdleExpiresAt, &sess.CreatedAt, &sess.LastSeenAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, ErrNotFound
	}
	if err != nil {
		return models.Session{}, err
	}
	if isAdmin.Valid {
		v := isAdmin.Bool
		sess.IsAdmin = &v
	}
	if checked.Valid {
		t := checked.Time
		sess.AdminChecked = &t
	}
	if revoked.Valid {
		t := revoked.Time
		sess.RevokedAt = &t
	}
	return sess, nil
}

func (s *Store) TouchSession(ctx context.Context, id string, idleExpiry time.Time) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET last_seen_at=?, idle_expires_at=? WHERE id=?`), now, idleExpiry, id)
	return err
}

func (s *Store) RevokeSession(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET revoked_at=? WHERE id=?`), now, id)
	return err
}

// RevokeUserSessions ends every live session of uid and reports how many.
func (s *Store) RevokeUserSessions(ctx context.Context, uid string) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET revoked_at=? WHERE uid=? AND revoked_at IS NULL`), now, uid)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateSessionSecret stores a freshly encrypted bind password, used after the
// user changed their own password.
func (s *Store) UpdateSessionSecret(ctx context.Context, id, secret string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET bind_secret=? WHERE id=? AND revoked_at IS NULL`), secret, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) SetSessionAdmin(ctx context.Context, id string, isAdmin bool, checkedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET is_admin=?, admin_checked_at=? WHERE id=?`), isAdmin, checkedAt, id)
	return err
}

// PurgeSessions deletes sessions that expired or were revoked before cutoff.
func (s *Store) PurgeSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM sessions WHERE expires_at<? OR (revoked_at IS NOT NULL AND revoked_at<?)`), cutoff, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrNotFound
	}
	return nil
}

func nullBool(v *bool) sql.NullBool {
	if v == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}
