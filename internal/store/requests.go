package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"webldap/internal/models"
)

// RequestStore persists pending confirmations. Lookups never return a request
// whose ExpiresAt is not after now. Claim hands a request to exactly one
// caller until the lease lapses; Renew extends a lease that is still held,
// Complete consumes the request and Release returns it.
type RequestStore interface {
	CreateRequest(ctx context.Context, req models.Request) error
	FindRequest(ctx context.Context, tokenHash string, now time.Time) (models.Request, error)
	Claim(ctx context.Context, tokenHash string, now time.Time, lease time.Duration) (models.Request, string, error)
	Renew(ctx context.Context, tokenHash, claimID string, now time.Time, lease time.Duration) error
	Complete(ctx context.Context, tokenHash, claimID string) error
	Release(ctx context.Context, tokenHash, claimID string) error
	DeleteRequest(ctx context.Context, tokenHash string) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
	Ping(ctx context.Context) error
}

var _ RequestStore = (*Store)(nil)

const requestColumns = `token_hash,kind,uid,payload,created_at,expires_at`

func (s *Store) CreateRequest(ctx context.Context, req models.Request) error {
	kind, payload, err := models.EncodePayload(req.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		s.q(`INSERT INTO requests(`+requestColumns+`) VALUES(?,?,?,?,?,?)`),
		req.TokenHash, string(kind), req.UID, string(payload), req.CreatedAt.UnixMilli(), req.ExpiresAt.UnixMilli(),
	)
	return err
}

func (s *Store) FindRequest(ctx context.Context, tokenHash string, now time.Time) (models.Request, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+requestColumns+` FROM requests WHERE token_hash=? AND expires_at>?`),
		tokenHash, now.UnixMilli(),
	)
	return scanRequest(row)
}

// Claim is a single conditional UPDATE; a concurrent caller either loses the
// race on the row or finds an unexpired claim and gets ErrNotFound.
func (s *Store) Claim(ctx context.Context, tokenHash string, now time.Time, lease time.Duration) (models.Request, string, error) {
	claimID := uuid.NewString()
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE requests SET claim_id=?, claimed_until=? WHERE token_hash=? AND expires_at>? AND (claimed_until IS NULL OR claimed_until<=?)`),
		claimID, now.Add(lease).UnixMilli(), tokenHash, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return models.Request{}, "", fmt.Errorf("claim request: %w", err)
	}
	if err := expectOne(res); err != nil {
		return models.Request{}, "", err
	}
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+requestColumns+` FROM requests WHERE token_hash=? AND claim_id=?`),
		tokenHash, claimID,
	)
	req, err := scanRequest(row)
	if err != nil {
		return models.Request{}, "", err
	}
	return req, claimID, nil
}

// Renew pushes claimed_until forward only while claimID still holds an
// unexpired lease.
func (s *Store) Renew(ctx context.Context, tokenHash, claimID string, now time.Time, lease time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE requests SET claimed_until=? WHERE token_hash=? AND claim_id=? AND claimed_until>?`),
		now.Add(lease).UnixMilli(), tokenHash, claimID, now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("renew claim: %w", err)
	}
	return expectOne(res)
}

func (s *Store) Complete(ctx context.Context, tokenHash, claimID string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM requests WHERE token_hash=? AND claim_id=?`), tokenHash, claimID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) Release(ctx context.Context, tokenHash, claimID string) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE requests SET claim_id=NULL, claimed_until=NULL WHERE token_hash=? AND claim_id=?`),
		tokenHash, claimID,
	)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) DeleteRequest(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM requests WHERE token_hash=?`), tokenHash)
	return err
}

func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM requests WHERE expires_at<=?`), now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanRequest(row *sql.Row) (models.Request, error) {
	var (
		req                  models.Request
		kind, payload        string
		createdMs, expiresMs int64
	)
	err := row.Scan(&req.TokenHash, &kind, &req.UID, &payload, &createdMs, &expiresMs)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Request{}, ErrNotFound
	}
	if err != nil {
		return models.Request{}, err
	}
	p, err := models.DecodePayload(models.Kind(kind), []byte(payload))
	if err != nil {
		return models.Request{}, err
	}
	req.Payload = p
	req.CreatedAt = time.UnixMilli(createdMs).UTC()
	req.ExpiresAt = time.UnixMilli(expiresMs).UTC()
	return req, nil
}
