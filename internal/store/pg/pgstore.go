package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"provenance.org/internal/ledger"
)

// Constraint names from ops/migrations/sql/0001_passports.up.sql.
const (
	tokenConstraint       = "passports_token_key"
	activeOrderConstraint = "passports_active_order_idx"
	eventsPKConstraint    = "passport_events_pkey"

	uniqueViolation = "23505"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ ledger.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing handle; the caller keeps ownership of pool settings.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

func (s *Store) PutPassport(ctx context.Context, p ledger.Passport, genesis ledger.Event) error {
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return ledger.Invalid("metadata", err.Error())
	}
	if p.Metadata == nil {
		meta = []byte("{}")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into passports(id, order_id, token, status, metadata, metadata_version, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, p.ID, p.OrderID, p.Token, string(ledger.StatusActive), string(meta), p.MetadataVersion, p.CreatedAt, p.UpdatedAt); err != nil {
		return classify(err)
	}
	if err := insertEvent(ctx, tx, p.ID, genesis); err != nil {
		return err
	}
	return classify(tx.Commit())
}

func (s *Store) GetByToken(ctx context.Context, token string) (ledger.Record, error) {
	return s.getRecord(ctx, `where token=$1`, token)
}

func (s *Store) GetByID(ctx context.Context, id string) (ledger.Record, error) {
	return s.getRecord(ctx, `where id=$1`, id)
}

func (s *Store) getRecord(ctx context.Context, where string, arg string) (ledger.Record, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return ledger.Record{}, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	p, err := scanPassport(tx.QueryRowContext(ctx, passportColumns+where, arg))
	if err != nil {
		return ledger.Record{}, err
	}

	rows, err := tx.QueryContext(ctx, `
		select sequence, actor_reference, event_kind, prior_hash, entry_hash, occurred_at
		from passport_events
		where passport_id=$1
		order by sequence asc
	`, p.ID)
	if err != nil {
		return ledger.Record{}, classify(err)
	}
	defer rows.Close()

	var events []ledger.Event
	for rows.Next() {
		var (
			e           ledger.Event
			kind        string
			prior, hash []byte
		)
		if err := rows.Scan(&e.Sequence, &e.ActorReference, &kind, &prior, &hash, &e.OccurredAt); err != nil {
			return ledger.Record{}, classify(err)
		}
		e.PassportID = p.ID
		e.Kind = ledger.EventKind(kind)
		// A malformed digest column is left zeroed; chain verification flags it.
		e.PriorHash, _ = ledger.DigestFromBytes(prior)
		e.EntryHash, _ = ledger.DigestFromBytes(hash)
		e.OccurredAt = e.OccurredAt.UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return ledger.Record{}, classify(err)
	}
	if err := tx.Commit(); err != nil {
		return ledger.Record{}, classify(err)
	}
	return ledger.Record{Passport: p, Events: events}, nil
}

func (s *Store) AppendEvent(ctx context.Context, passportID string, e ledger.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	// Row lock serialises appenders on one passport; others proceed in parallel.
	var status string
	err = tx.QueryRowContext(ctx, `select status from passports where id=$1 for update`, passportID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrNotFound
	}
	if err != nil {
		return classify(err)
	}
	if ledger.Status(status) == ledger.StatusRevoked {
		return ledger.ErrRevoked
	}

	var tail int64
	if err := tx.QueryRowContext(ctx, `
		select coalesce(max(sequence), -1) from passport_events where passport_id=$1
	`, passportID).Scan(&tail); err != nil {
		return classify(err)
	}
	if int64(e.Sequence) != tail+1 {
		return ledger.ErrSequenceConflict
	}

	if err := insertEvent(ctx, tx, passportID, e); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `update passports set updated_at=$2 where id=$1`, passportID, s.now()); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

func (s *Store) Revoke(ctx context.Context, passportID string, rev ledger.Revocation) (ledger.Passport, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Passport{}, false, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update passports
		set status=$2, revoked_at=$3, revocation_reason=$4, revoked_by=$5, updated_at=$3
		where id=$1 and status=$6
	`, passportID, string(ledger.StatusRevoked), rev.At.UTC(), string(rev.Reason), rev.Actor, string(ledger.StatusActive))
	if err != nil {
		return ledger.Passport{}, false, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.Passport{}, false, classify(err)
	}

	p, err := scanPassport(tx.QueryRowContext(ctx, passportColumns+`where id=$1`, passportID))
	if err != nil {
		return ledger.Passport{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Passport{}, false, classify(err)
	}
	return p, n == 1, nil
}

// --- helpers ---

const passportColumns = `
	select id, order_id, token, status, metadata, metadata_version,
	       created_at, updated_at, revoked_at, revocation_reason, revoked_by
	from passports
	`

func scanPassport(row *sql.Row) (ledger.Passport, error) {
	var (
		p         ledger.Passport
		status    string
		meta      []byte
		revokedAt sql.NullTime
		reason    sql.NullString
		revokedBy sql.NullString
	)
	err := row.Scan(&p.ID, &p.OrderID, &p.Token, &status, &meta, &p.MetadataVersion,
		&p.CreatedAt, &p.UpdatedAt, &revokedAt, &reason, &revokedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Passport{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Passport{}, classify(err)
	}
	p.Status = ledger.Status(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &p.Metadata); err != nil {
			return ledger.Passport{}, fmt.Errorf("decode metadata of passport %s: %w", p.ID, err)
		}
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	if revokedAt.Valid {
		at := revokedAt.Time.UTC()
		p.RevokedAt = &at
	}
	p.RevocationReason = ledger.RevocationReason(reason.String)
	p.RevokedBy = revokedBy.String
	return p, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, ex execer, passportID string, e ledger.Event) error {
	_, err := ex.ExecContext(ctx, `
		insert into passport_events(passport_id, sequence, actor_reference, event_kind, prior_hash, entry_hash, occurred_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, passportID, int64(e.Sequence), e.ActorReference, string(e.Kind), e.PriorHash[:], e.EntryHash[:], e.OccurredAt.UTC())
	return classify(err)
}

// classify maps driver errors onto ledger sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == uniqueViolation && pgErr.ConstraintName == tokenConstraint:
			return ledger.ErrConflict
		case pgErr.Code == uniqueViolation && pgErr.ConstraintName == activeOrderConstraint:
			return ledger.ErrDuplicateOrder
		case pgErr.Code == uniqueViolation && pgErr.ConstraintName == eventsPKConstraint:
			return ledger.ErrSequenceConflict
		case len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "57"):
			// connection exception / operator intervention
			return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
		}
		return err
	}
	var (
		connErr *pgconn.ConnectError
		netErr  net.Error
	)
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.As(err, &connErr) || errors.As(err, &netErr) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}
	return err
}
