package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/itskum47/FieldSync/sync_agent/observability"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store and Coordinator using a PostgreSQL backend.
// Cached records are kept as JSONB documents; the queue has real columns so
// ordering and dedup are enforced by the database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS reports (
	id         TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL,
	doc        JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS photos (
	id_key    TEXT PRIMARY KEY,
	report_id TEXT NOT NULL,
	doc       JSONB NOT NULL,
	blob      BYTEA
);
CREATE INDEX IF NOT EXISTS photos_report_idx ON photos (report_id);
CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL,
	doc        JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS sync_queue (
	id          BIGSERIAL PRIMARY KEY,
	type        TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	data        JSONB,
	created_at  TIMESTAMPTZ NOT NULL,
	retry_count INT NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT '',
	priority    INT NOT NULL,
	dedup_key   TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS sync_queue_dedup_idx ON sync_queue (dedup_key) WHERE dedup_key <> '';
CREATE INDEX IF NOT EXISTS sync_queue_order_idx ON sync_queue (priority DESC, created_at ASC, id ASC);
CREATE TABLE IF NOT EXISTS sync_dead_letters (
	id           BIGINT PRIMARY KEY,
	type         TEXT NOT NULL,
	entity_id    TEXT NOT NULL,
	data         JSONB,
	created_at   TIMESTAMPTZ NOT NULL,
	retry_count  INT NOT NULL,
	last_error   TEXT NOT NULL,
	priority     INT NOT NULL,
	dedup_key    TEXT NOT NULL,
	abandoned_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS settings (
	id  TEXT PRIMARY KEY,
	doc JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS sync_leases (
	key        TEXT PRIMARY KEY,
	holder     TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

const dropDDL = `
DROP TABLE IF EXISTS reports, photos, notifications, sync_queue, sync_dead_letters, settings;
`

// NewPostgresStore initializes a new PostgresStore with a connection pool and
// makes sure the schema matches SchemaVersion.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	// A sync agent is a low-concurrency client
	config.MaxConns = 8
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS fieldsync_meta (id INT PRIMARY KEY, schema_version INT NOT NULL)`); err != nil {
		return fmt.Errorf("create meta table: %w", err)
	}

	var current int
	err = tx.QueryRow(ctx, `SELECT schema_version FROM fieldsync_meta WHERE id = 1 FOR UPDATE`).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// fresh database
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case current != SchemaVersion:
		log.Printf("[STORE] schema version conflict (found %d, want %d): recreating local store", current, SchemaVersion)
		if _, err := tx.Exec(ctx, dropDDL); err != nil {
			return fmt.Errorf("drop tables: %w", err)
		}
		observability.StoreRecreated.Inc()
	}

	if _, err := tx.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO fieldsync_meta (id, schema_version) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET schema_version = EXCLUDED.schema_version
	`, SchemaVersion); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return tx.Commit(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) getDoc(ctx context.Context, query string, id interface{}, v interface{}) (bool, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, query, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(doc, v); err != nil {
		return false, err
	}
	return true, nil
}

// --- Mission Operations ---

func (s *PostgresStore) PutMission(ctx context.Context, m *Mission) error {
	m.OfflineUpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal mission: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO reports (id, created_at, doc) VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (id) DO UPDATE SET created_at = EXCLUDED.created_at, doc = EXCLUDED.doc
	`, m.ID, m.CreatedAt, string(doc))
	return err
}

func (s *PostgresStore) GetMission(ctx context.Context, id string) (*Mission, error) {
	var m Mission
	found, err := s.getDoc(ctx, `SELECT doc FROM reports WHERE id = $1`, id, &m)
	if err != nil || !found {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) ListMissions(ctx context.Context) ([]*Mission, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM reports ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var missions []*Mission
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var m Mission
		if err := json.Unmarshal(doc, &m); err != nil {
			return nil, err
		}
		missions = append(missions, &m)
	}
	return missions, rows.Err()
}

// --- Photo Operations ---

func (s *PostgresStore) PutPhoto(ctx context.Context, p *Photo) error {
	p.OfflineUpdatedAt = time.Now().UTC()
	p.Preview = ""
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal photo: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO photos (id_key, report_id, doc, blob) VALUES ($1, $2, $3::jsonb, $4)
		ON CONFLICT (id_key) DO UPDATE SET report_id = EXCLUDED.report_id, doc = EXCLUDED.doc, blob = EXCLUDED.blob
	`, p.ID.Key(), p.MissionID, string(doc), p.Blob)
	return err
}

func (s *PostgresStore) GetPhoto(ctx context.Context, id EntityID) (*Photo, error) {
	var doc, blob []byte
	err := s.pool.QueryRow(ctx, `SELECT doc, blob FROM photos WHERE id_key = $1`, id.Key()).Scan(&doc, &blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p Photo
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, err
	}
	p.Blob = blob
	return &p, nil
}

func (s *PostgresStore) ListPhotos(ctx context.Context, missionID string) ([]*Photo, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc, blob FROM photos WHERE report_id = $1`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var photos []*Photo
	for rows.Next() {
		var doc, blob []byte
		if err := rows.Scan(&doc, &blob); err != nil {
			return nil, err
		}
		var p Photo
		if err := json.Unmarshal(doc, &p); err != nil {
			return nil, err
		}
		p.Blob = blob
		attachPreview(&p)
		photos = append(photos, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortPhotos(photos)
	return photos, nil
}

func (s *PostgresStore) PromotePhoto(ctx context.Context, from EntityID, confirmed *Photo) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var oldBlob []byte
	err = tx.QueryRow(ctx, `DELETE FROM photos WHERE id_key = $1 RETURNING blob`, from.Key()).Scan(&oldBlob)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	blob := confirmed.Blob
	if len(blob) == 0 {
		blob = oldBlob
	}
	confirmed.OfflineUpdatedAt = time.Now().UTC()
	confirmed.Preview = ""
	doc, err := json.Marshal(confirmed)
	if err != nil {
		return fmt.Errorf("failed to marshal photo: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO photos (id_key, report_id, doc, blob) VALUES ($1, $2, $3::jsonb, $4)
		ON CONFLICT (id_key) DO UPDATE SET report_id = EXCLUDED.report_id, doc = EXCLUDED.doc, blob = EXCLUDED.blob
	`, confirmed.ID.Key(), confirmed.MissionID, string(doc), blob); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Notification Operations ---

func (s *PostgresStore) PutNotification(ctx context.Context, n *Notification) error {
	n.OfflineUpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO notifications (id, created_at, doc) VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (id) DO UPDATE SET created_at = EXCLUDED.created_at, doc = EXCLUDED.doc
	`, n.ID, n.CreatedAt, string(doc))
	return err
}

func (s *PostgresStore) GetNotification(ctx context.Context, id string) (*Notification, error) {
	var n Notification
	found, err := s.getDoc(ctx, `SELECT doc FROM notifications WHERE id = $1`, id, &n)
	if err != nil || !found {
		return nil, err
	}
	return &n, nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context) ([]*Notification, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM notifications ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var n Notification
		if err := json.Unmarshal(doc, &n); err != nil {
			return nil, err
		}
		notifications = append(notifications, &n)
	}
	return notifications, rows.Err()
}

// --- Queue Operations ---

const queueColumns = `id, type, entity_id, data, created_at, retry_count, last_error, priority, dedup_key`

func scanEntry(row pgx.Row) (*QueueEntry, error) {
	var e QueueEntry
	var data []byte
	if err := row.Scan(&e.ID, &e.Type, &e.EntityID, &data, &e.CreatedAt, &e.RetryCount, &e.LastError, &e.Priority, &e.DedupKey); err != nil {
		return nil, err
	}
	e.Data = data
	return &e, nil
}

func jsonArg(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}

func (s *PostgresStore) Enqueue(ctx context.Context, e *QueueEntry) (*QueueEntry, bool, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	// The conflicting entry may be removed between the insert and the lookup;
	// the second insert then succeeds.
	for attempt := 0; ; attempt++ {
		row := s.pool.QueryRow(ctx, `
			INSERT INTO sync_queue (type, entity_id, data, created_at, retry_count, last_error, priority, dedup_key)
			VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7, $8)
			ON CONFLICT (dedup_key) WHERE dedup_key <> '' DO NOTHING
			RETURNING `+queueColumns,
			e.Type, e.EntityID, jsonArg(e.Data), e.CreatedAt, e.RetryCount, e.LastError, e.Priority, e.DedupKey,
		)
		stored, err := scanEntry(row)
		if err == nil {
			e.ID = stored.ID
			return stored, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, err
		}

		existing, err := scanEntry(s.pool.QueryRow(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE dedup_key = $1`, e.DedupKey))
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) || attempt >= 2 {
			return nil, false, fmt.Errorf("load duplicate entry: %w", err)
		}
	}
}

func (s *PostgresStore) ListQueue(ctx context.Context) ([]*QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+queueColumns+` FROM sync_queue ORDER BY priority DESC, created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) GetQueueEntry(ctx context.Context, id int64) (*QueueEntry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (s *PostgresStore) RecordQueueFailure(ctx context.Context, id int64, msg string) (*QueueEntry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx, `
		UPDATE sync_queue SET retry_count = retry_count + 1, last_error = $2
		WHERE id = $1
		RETURNING `+queueColumns, id, msg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *PostgresStore) RemoveQueueEntry(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sync_queue WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) AbandonQueueEntry(ctx context.Context, id int64, at time.Time) (*DeadLetter, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	e, err := scanEntry(tx.QueryRow(ctx, `DELETE FROM sync_queue WHERE id = $1 RETURNING `+queueColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO sync_dead_letters (`+queueColumns+`, abandoned_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET last_error = EXCLUDED.last_error, retry_count = EXCLUDED.retry_count, abandoned_at = EXCLUDED.abandoned_at
	`, e.ID, e.Type, e.EntityID, jsonArg(e.Data), e.CreatedAt, e.RetryCount, e.LastError, e.Priority, e.DedupKey, at); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &DeadLetter{QueueEntry: *e, AbandonedAt: at}, nil
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context) ([]*DeadLetter, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+queueColumns+`, abandoned_at FROM sync_dead_letters ORDER BY abandoned_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []*DeadLetter
	for rows.Next() {
		var d DeadLetter
		var data []byte
		if err := rows.Scan(&d.ID, &d.Type, &d.EntityID, &data, &d.CreatedAt, &d.RetryCount, &d.LastError, &d.Priority, &d.DedupKey, &d.AbandonedAt); err != nil {
			return nil, err
		}
		d.Data = data
		letters = append(letters, &d)
	}
	return letters, rows.Err()
}

func (s *PostgresStore) RemoveDeadLetter(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sync_dead_letters WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) PurgeDeadLetters(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sync_dead_letters WHERE abandoned_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- Settings ---

func (s *PostgresStore) GetSettings(ctx context.Context) (*Settings, error) {
	var st Settings
	found, err := s.getDoc(ctx, `SELECT doc FROM settings WHERE id = $1`, SettingsID, &st)
	if err != nil {
		return nil, err
	}
	if !found {
		return defaultSettings(), nil
	}
	return &st, nil
}

func (s *PostgresStore) PutSettings(ctx context.Context, st *Settings) error {
	st.ID = SettingsID
	doc, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO settings (id, doc) VALUES ($1, $2::jsonb)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc
	`, SettingsID, string(doc))
	return err
}

// ClearAll truncates every collection in a single statement.
func (s *PostgresStore) ClearAll(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE reports, photos, notifications, sync_queue, sync_dead_letters, settings`)
	return err
}

// --- Coordinator ---

func (s *PostgresStore) AcquireLease(ctx context.Context, key string, holder string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sync_leases (key, holder, expires_at) VALUES ($1, $2, now() + make_interval(secs => $3::float8))
		ON CONFLICT (key) DO UPDATE SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE sync_leases.expires_at < now() OR sync_leases.holder = EXCLUDED.holder
	`, key, holder, ttl.Seconds())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) RenewLease(ctx context.Context, key string, holder string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_leases SET expires_at = now() + make_interval(secs => $3::float8)
		WHERE key = $1 AND holder = $2 AND expires_at >= now()
	`, key, holder, ttl.Seconds())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, key string, holder string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sync_leases WHERE key = $1 AND holder = $2`, key, holder)
	return err
}

func (s *PostgresStore) LeaseHolder(ctx context.Context, key string) (string, error) {
	var holder string
	err := s.pool.QueryRow(ctx, `SELECT holder FROM sync_leases WHERE key = $1 AND expires_at >= now()`, key).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return holder, err
}
