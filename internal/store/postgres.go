package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"bookrecon/internal/model"
)

// Postgres is the durable Store implementation.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// MigrateDir applies the .sql files in dir in lexical order. Statements are
// written to be re-runnable (IF NOT EXISTS), so this is safe on startup.
func (p *Postgres) MigrateDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		sqlBytes, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if _, err := p.db.Exec(string(sqlBytes)); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
	}
	return nil
}

const bookingCols = `id::text, COALESCE(external_ref,''), status,
	COALESCE(schedule_provider,''), COALESCE(schedule_ref,''),
	COALESCE(payment_provider,''), COALESCE(payment_ref,''),
	amount_cents, COALESCE(currency,''), start_at, end_at,
	COALESCE(builder_id,''), COALESCE(client_id,''),
	version, last_seq, payment_attempts, refund_requested, created_at, updated_at`

func scanBooking(row interface{ Scan(...any) error }) (model.Booking, error) {
	var b model.Booking
	var start, end sql.NullTime
	err := row.Scan(&b.ID, &b.ExternalRef, &b.Status,
		&b.ScheduleProvider, &b.ScheduleRef,
		&b.PaymentProvider, &b.PaymentRef,
		&b.AmountCents, &b.Currency, &start, &end,
		&b.BuilderID, &b.ClientID,
		&b.Version, &b.LastSeq, &b.PaymentAttempts, &b.RefundRequested, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return b, ErrNotFound
		}
		return b, err
	}
	if start.Valid {
		t := start.Time
		b.StartAt = &t
	}
	if end.Valid {
		t := end.Time
		b.EndAt = &t
	}
	return b, nil
}

func (p *Postgres) CreateBooking(ctx context.Context, b model.Booking) (model.Booking, error) {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.Status == "" {
		b.Status = model.StatusCreated
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO bookings
		(id, external_ref, status, schedule_provider, schedule_ref, payment_provider, payment_ref,
		 amount_cents, currency, start_at, end_at, builder_id, client_id, version, last_seq, payment_attempts, refund_requested)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		b.ID, nullIfEmpty(b.ExternalRef), b.Status,
		nullIfEmpty(b.ScheduleProvider), nullIfEmpty(b.ScheduleRef),
		nullIfEmpty(b.PaymentProvider), nullIfEmpty(b.PaymentRef),
		b.AmountCents, nullIfEmpty(b.Currency), b.StartAt, b.EndAt,
		nullIfEmpty(b.BuilderID), nullIfEmpty(b.ClientID), b.Version, b.LastSeq, b.PaymentAttempts, b.RefundRequested)
	if err != nil {
		return model.Booking{}, err
	}
	return p.GetBooking(ctx, b.ID)
}

func (p *Postgres) GetBooking(ctx context.Context, id string) (model.Booking, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bookingCols+` FROM bookings WHERE id=$1`, id)
	return scanBooking(row)
}

func (p *Postgres) findBookingBy(ctx context.Context, col, ref string) (model.Booking, error) {
	if ref == "" {
		return model.Booking{}, ErrNotFound
	}
	row := p.db.QueryRowContext(ctx, `SELECT `+bookingCols+` FROM bookings WHERE `+col+`=$1 ORDER BY created_at LIMIT 1`, ref)
	return scanBooking(row)
}

func (p *Postgres) FindBookingByExternalRef(ctx context.Context, ref string) (model.Booking, error) {
	return p.findBookingBy(ctx, "external_ref", ref)
}

func (p *Postgres) FindBookingByScheduleRef(ctx context.Context, ref string) (model.Booking, error) {
	return p.findBookingBy(ctx, "schedule_ref", ref)
}

func (p *Postgres) FindBookingByPaymentRef(ctx context.Context, ref string) (model.Booking, error) {
	return p.findBookingBy(ctx, "payment_ref", ref)
}

func (p *Postgres) ListBookings(ctx context.Context, status, cursor string, limit int) ([]model.Booking, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT ` + bookingCols + ` FROM bookings WHERE 1=1`
	args := []any{}
	idx := 1
	if status != "" {
		q += fmt.Sprintf(` AND status=$%d`, idx)
		args = append(args, status)
		idx++
	}
	if cursor != "" {
		q += fmt.Sprintf(` AND id::text > $%d`, idx)
		args = append(args, cursor)
		idx++
	}
	q += fmt.Sprintf(` ORDER BY id LIMIT $%d`, idx)
	args = append(args, limit)
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Booking{}
	var last string
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, b)
		last = b.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

// SaveBookingWithEvent updates the booking guarded by the expected version
// and settles the ledger row in the same transaction.
func (p *Postgres) SaveBookingWithEvent(ctx context.Context, b model.Booking, expectedVersion int, evt model.ProcessedEvent) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE bookings SET
		external_ref=$2, status=$3, schedule_provider=$4, schedule_ref=$5,
		payment_provider=$6, payment_ref=$7, amount_cents=$8, currency=$9,
		start_at=$10, end_at=$11, builder_id=$12, client_id=$13,
		version=$14, last_seq=$15, payment_attempts=$16, refund_requested=$17, updated_at=now()
		WHERE id=$1 AND version=$18`,
		b.ID, nullIfEmpty(b.ExternalRef), b.Status,
		nullIfEmpty(b.ScheduleProvider), nullIfEmpty(b.ScheduleRef),
		nullIfEmpty(b.PaymentProvider), nullIfEmpty(b.PaymentRef),
		b.AmountCents, nullIfEmpty(b.Currency), b.StartAt, b.EndAt,
		nullIfEmpty(b.BuilderID), nullIfEmpty(b.ClientID),
		b.Version, b.LastSeq, b.PaymentAttempts, b.RefundRequested, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM bookings WHERE id=$1)`, b.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	if evt.EventID != "" {
		_, err = tx.ExecContext(ctx, `INSERT INTO processed_events (provider, event_id, outcome, booking_id, detail)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (provider, event_id) DO UPDATE SET outcome=EXCLUDED.outcome, booking_id=EXCLUDED.booking_id, detail=EXCLUDED.detail`,
			evt.Provider, evt.EventID, evt.Outcome, nullIfEmpty(evt.BookingID), nullIfEmpty(evt.Detail))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *Postgres) RecordEventIfNew(ctx context.Context, provider, eventID string) (bool, model.ProcessedEvent, error) {
	res, err := p.db.ExecContext(ctx, `INSERT INTO processed_events (provider, event_id, outcome)
		VALUES ($1,$2,'received') ON CONFLICT (provider, event_id) DO NOTHING`, provider, eventID)
	if err != nil {
		return false, model.ProcessedEvent{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, model.ProcessedEvent{}, err
	}
	if n > 0 {
		return true, model.ProcessedEvent{}, nil
	}
	var prior model.ProcessedEvent
	row := p.db.QueryRowContext(ctx, `SELECT provider, event_id, outcome, COALESCE(booking_id::text,''), COALESCE(detail,''), recorded_at
		FROM processed_events WHERE provider=$1 AND event_id=$2`, provider, eventID)
	if err := row.Scan(&prior.Provider, &prior.EventID, &prior.Outcome, &prior.BookingID, &prior.Detail, &prior.RecordedAt); err != nil {
		return false, model.ProcessedEvent{}, err
	}
	return false, prior, nil
}

func (p *Postgres) FinalizeEvent(ctx context.Context, provider, eventID string, outcome model.EventOutcome, bookingID, detail string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE processed_events SET outcome=$3, booking_id=$4, detail=$5
		WHERE provider=$1 AND event_id=$2`, provider, eventID, outcome, nullIfEmpty(bookingID), nullIfEmpty(detail))
	return err
}

func (p *Postgres) ListProcessedEvents(ctx context.Context, provider, cursor string, limit int) ([]model.ProcessedEvent, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT provider, event_id, outcome, COALESCE(booking_id::text,''), COALESCE(detail,''), recorded_at FROM processed_events WHERE 1=1`
	args := []any{}
	idx := 1
	if provider != "" {
		q += fmt.Sprintf(` AND provider=$%d`, idx)
		args = append(args, provider)
		idx++
	}
	if cursor != "" {
		q += fmt.Sprintf(` AND provider || '|' || event_id > $%d`, idx)
		args = append(args, cursor)
		idx++
	}
	q += fmt.Sprintf(` ORDER BY provider, event_id LIMIT $%d`, idx)
	args = append(args, limit)
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.ProcessedEvent{}
	var last string
	for rows.Next() {
		var e model.ProcessedEvent
		if err := rows.Scan(&e.Provider, &e.EventID, &e.Outcome, &e.BookingID, &e.Detail, &e.RecordedAt); err != nil {
			return nil, "", err
		}
		out = append(out, e)
		last = e.Provider + "|" + e.EventID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (p *Postgres) PurgeProcessedEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM processed_events WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *Postgres) ParkEvent(ctx context.Context, externalRef string, evt model.NormalizedEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO pending_events (id, external_ref, seq, payload) VALUES ($1,$2,$3,$4)`,
		uuid.New().String(), externalRef, evt.Seq, payload)
	if err != nil {
		return err
	}
	// Bound the buffer per ref: keep the newest entries by sequence.
	_, err = p.db.ExecContext(ctx, `DELETE FROM pending_events WHERE id IN (
		SELECT id FROM pending_events WHERE external_ref=$1
		ORDER BY seq DESC, created_at DESC OFFSET $2)`, externalRef, maxParkedPerRef)
	return err
}

func (p *Postgres) TakeParkedEvents(ctx context.Context, externalRef string) ([]model.NormalizedEvent, error) {
	rows, err := p.db.QueryContext(ctx, `DELETE FROM pending_events WHERE external_ref=$1 RETURNING payload, seq`, externalRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	type item struct {
		evt model.NormalizedEvent
		seq int
	}
	items := []item{}
	for rows.Next() {
		var payload []byte
		var seq int
		if err := rows.Scan(&payload, &seq); err != nil {
			return nil, err
		}
		var evt model.NormalizedEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			continue
		}
		items = append(items, item{evt: evt, seq: seq})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	out := make([]model.NormalizedEvent, 0, len(items))
	for _, it := range items {
		out = append(out, it.evt)
	}
	return out, nil
}

func (p *Postgres) EnqueueOutboundCall(ctx context.Context, call model.OutboundCall) (string, error) {
	if call.ID == "" {
		call.ID = uuid.New().String()
	}
	var id string
	err := p.db.QueryRowContext(ctx, `INSERT INTO outbound_calls
		(id, provider, kind, booking_id, idempotency_key, url, payload, status, attempts, next_attempt_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,now())
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING id::text`,
		call.ID, call.Provider, call.Kind, nullIfEmpty(call.BookingID),
		nullIfEmpty(call.IdempotencyKey), call.URL, call.Payload).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict on the idempotency key; hand back the call already queued.
		err = p.db.QueryRowContext(ctx, `SELECT id::text FROM outbound_calls WHERE idempotency_key = $1`,
			call.IdempotencyKey).Scan(&id)
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) FetchDueOutboundCalls(ctx context.Context, limit int) ([]model.OutboundCall, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, provider, kind, COALESCE(booking_id::text,''),
		COALESCE(idempotency_key,''), url, COALESCE(payload,''::bytea), status, attempts
		FROM outbound_calls WHERE status IN ('pending','retry') AND next_attempt_at <= now()
		ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.OutboundCall{}
	for rows.Next() {
		var c model.OutboundCall
		if err := rows.Scan(&c.ID, &c.Provider, &c.Kind, &c.BookingID, &c.IdempotencyKey, &c.URL, &c.Payload, &c.Status, &c.Attempts); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (p *Postgres) MarkOutboundCall(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode, latencyMs int) error {
	if !success {
		if nextAttemptAt == nil {
			t := time.Now().Add(time.Minute)
			nextAttemptAt = &t
		}
		_, err := p.db.ExecContext(ctx, `UPDATE outbound_calls SET attempts=attempts+1, status='retry',
			last_error=$2, next_attempt_at=$3, response_code=$4, latency_ms=$5, updated_at=now() WHERE id=$1`,
			id, nullIfEmpty(lastError), *nextAttemptAt, responseCode, latencyMs)
		return err
	}
	_, err := p.db.ExecContext(ctx, `UPDATE outbound_calls SET status='done', done_at=now(),
		response_code=$2, latency_ms=$3, updated_at=now() WHERE id=$1`, id, responseCode, latencyMs)
	return err
}

func (p *Postgres) FailOutboundCall(ctx context.Context, id, lastError string, responseCode, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE outbound_calls SET status='failed', attempts=attempts+1,
		last_error=$2, response_code=$3, latency_ms=$4, updated_at=now() WHERE id=$1`,
		id, nullIfEmpty(lastError), responseCode, latencyMs)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO outbound_dlq (id, call_id, provider, kind, booking_id, url, payload, attempts, last_error)
		SELECT gen_random_uuid(), id, provider, kind, booking_id, url, payload, attempts, $2
		FROM outbound_calls WHERE id=$1`, id, nullIfEmpty(lastError))
	return err
}

func (p *Postgres) ListOutboundCalls(ctx context.Context, status, cursor string, limit int) ([]model.OutboundCall, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, provider, kind, COALESCE(booking_id::text,''), COALESCE(idempotency_key,''),
		url, status, attempts, COALESCE(last_error,''), COALESCE(response_code,0), COALESCE(latency_ms,0)
		FROM outbound_calls WHERE 1=1`
	args := []any{}
	idx := 1
	if status != "" {
		q += fmt.Sprintf(` AND status=$%d`, idx)
		args = append(args, status)
		idx++
	}
	if cursor != "" {
		q += fmt.Sprintf(` AND id::text > $%d`, idx)
		args = append(args, cursor)
		idx++
	}
	q += fmt.Sprintf(` ORDER BY id LIMIT $%d`, idx)
	args = append(args, limit)
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.OutboundCall{}
	var last string
	for rows.Next() {
		var c model.OutboundCall
		if err := rows.Scan(&c.ID, &c.Provider, &c.Kind, &c.BookingID, &c.IdempotencyKey, &c.URL, &c.Status, &c.Attempts, &c.LastError, &c.ResponseCode, &c.LatencyMs); err != nil {
			return nil, "", err
		}
		out = append(out, c)
		last = c.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (p *Postgres) RetryOutboundCall(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE outbound_calls SET status='retry', next_attempt_at=now(), updated_at=now() WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListOutboundDLQ(ctx context.Context, cursor string, limit int) ([]map[string]any, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, COALESCE(call_id::text,''), provider, kind, COALESCE(booking_id::text,''), url, attempts, COALESCE(last_error,''), created_at FROM outbound_dlq`
	args := []any{}
	if cursor != "" {
		q += ` WHERE id::text > $1 ORDER BY id LIMIT $2`
		args = append(args, cursor, limit)
	} else {
		q += ` ORDER BY id LIMIT $1`
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []map[string]any{}
	var last string
	for rows.Next() {
		var id, callID, provider, kind, bookingID, url, lastErr string
		var attempts int
		var created time.Time
		if err := rows.Scan(&id, &callID, &provider, &kind, &bookingID, &url, &attempts, &lastErr, &created); err != nil {
			return nil, "", err
		}
		out = append(out, map[string]any{
			"id": id, "callId": callID, "provider": provider, "kind": kind,
			"bookingId": bookingID, "url": url, "attempts": attempts,
			"lastError": lastErr, "createdAt": created,
		})
		last = id
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (p *Postgres) RequeueOutboundDLQ(ctx context.Context, id string) error {
	var callID sql.NullString
	err := p.db.QueryRowContext(ctx, `SELECT call_id::text FROM outbound_dlq WHERE id=$1`, id).Scan(&callID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if callID.Valid && callID.String != "" {
		if err := p.RetryOutboundCall(ctx, callID.String); err != nil {
			return err
		}
	}
	_, err = p.db.ExecContext(ctx, `DELETE FROM outbound_dlq WHERE id=$1`, id)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
