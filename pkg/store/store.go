// Package store implements the CFD event store: an append-only per-CFD
// event log, plus the atomic multi-row relational persistence of a
// RolloverCompleted event's DLC.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/estuary/cfd-daemon/pkg/cfd"
	"github.com/estuary/cfd-daemon/pkg/cfderrors"
	"github.com/estuary/cfd-daemon/pkg/cfdid"
)

// Store is a SQLite-backed CFD event store. One *Store is safe for
// concurrent use: the store is accessed via connection handles acquired
// per operation, never held across actor boundaries.
type Store struct {
	db  *sql.DB
	log *logrus.Entry

	// loadGroup collapses concurrent identical RolloverCompleted loads
	// (e.g. two handlers reading the same CFD's DLC at once) into one
	// query, the same role singleflight plays collapsing duplicate
	// concurrent cache fills in other Go services.
	loadGroup singleflight.Group
}

// Open opens (creating if necessary) a SQLite database at dsn and
// bootstraps its schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	var db, err = sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store %q: %w", dsn, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver serializes writers; avoid SQLITE_BUSY under concurrent actors.

	var s = &Store{db: db, log: logrus.WithField("component", "store")}
	if err := s.bootstrap(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) bootstrap(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("bootstrapping store schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// ensureCfd returns the row id for orderId, inserting a new cfds row if
// one doesn't already exist.
func (s *Store) ensureCfd(ctx context.Context, tx *sql.Tx, orderId cfdid.OrderId) (int64, error) {
	var id int64
	var err = tx.QueryRowContext(ctx, `SELECT id FROM cfds WHERE uuid = ?`, orderId.String()).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("looking up cfd %s: %w", orderId, err)
	}

	var res sql.Result
	res, err = tx.ExecContext(ctx, `INSERT INTO cfds (uuid, created_at) VALUES (?, ?)`, orderId.String(), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("inserting cfd %s: %w", orderId, err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading inserted cfd id for %s: %w", orderId, err)
	}
	return id, nil
}

// AppendEvent appends ev to orderId's event history and returns the
// assigned event row id, which the caller passes to InsertEventData for
// RolloverCompleted events.
func (s *Store) AppendEvent(ctx context.Context, orderId cfdid.OrderId, ev cfd.CfdEvent) (cfdRowId int64, eventRowId int64, err error) {
	var tx *sql.Tx
	tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("beginning append-event transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	cfdRowId, err = s.ensureCfd(ctx, tx, orderId)
	if err != nil {
		return 0, 0, err
	}

	var payload []byte
	payload, err = json.Marshal(ev.Event)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: marshaling event payload: %v", cfderrors.ErrDeserialization, err)
	}

	var res sql.Result
	res, err = tx.ExecContext(ctx,
		`INSERT INTO cfd_events (cfd_id, kind, payload, timestamp) VALUES (?, ?, ?, ?)`,
		cfdRowId, string(ev.Event.Tag), string(payload), ev.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		appendCounter.WithLabelValues(string(ev.Event.Tag), "failed").Inc()
		return 0, 0, fmt.Errorf("inserting cfd event: %w", err)
	}
	eventRowId, err = res.LastInsertId()
	if err != nil {
		return 0, 0, fmt.Errorf("reading inserted event id: %w", err)
	}

	if err = tx.Commit(); err != nil {
		appendCounter.WithLabelValues(string(ev.Event.Tag), "failed").Inc()
		return 0, 0, fmt.Errorf("committing append-event transaction: %w", err)
	}
	tx = nil
	appendCounter.WithLabelValues(string(ev.Event.Tag), "ok").Inc()
	s.log.WithFields(logrus.Fields{
		"order_id": orderId.String(),
		"kind":     string(ev.Event.Tag),
		"event_id": eventRowId,
	}).Debug("appended cfd event")
	return cfdRowId, eventRowId, nil
}

// LoadHistory returns orderId's full event history in insertion order.
func (s *Store) LoadHistory(ctx context.Context, orderId cfdid.OrderId) ([]cfd.CfdEvent, error) {
	var rows, err = s.db.QueryContext(ctx, `
		SELECT e.kind, e.payload, e.timestamp
		FROM cfd_events e JOIN cfds c ON c.id = e.cfd_id
		WHERE c.uuid = ?
		ORDER BY e.id ASC`, orderId.String())
	if err != nil {
		return nil, fmt.Errorf("querying cfd history for %s: %w", orderId, err)
	}
	defer rows.Close()

	var history []cfd.CfdEvent
	for rows.Next() {
		var kind, payload, timestamp string
		if err := rows.Scan(&kind, &payload, &timestamp); err != nil {
			return nil, fmt.Errorf("scanning cfd event row: %w", err)
		}
		var ev cfd.EventKind
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("%w: unmarshaling event payload: %v", cfderrors.ErrDeserialization, err)
		}
		var ts time.Time
		if ts, err = time.Parse(time.RFC3339Nano, timestamp); err != nil {
			return nil, fmt.Errorf("%w: parsing event timestamp: %v", cfderrors.ErrDeserialization, err)
		}
		history = append(history, cfd.CfdEvent{Id: orderId, Event: ev, Timestamp: ts})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cfd history for %s: %w", orderId, err)
	}
	return history, nil
}

// ProjectCfd loads orderId's history and replays it from empty, so the
// projection a caller observes is always the replay of what was stored.
func (s *Store) ProjectCfd(ctx context.Context, orderId cfdid.OrderId) (cfd.Cfd, error) {
	var history, err = s.LoadHistory(ctx, orderId)
	if err != nil {
		return cfd.Cfd{}, err
	}
	return cfd.Project(orderId, history)
}
