package sqlstore

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/agentgate/agentgate/internal/domain/gateerr"
	"github.com/agentgate/agentgate/internal/domain/trace"
)

func TestAppendMapsStoreFailureToTraceWriteFailed(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	store := NewWithDB(db, BackendSQLite)

	mock.ExpectQuery(`SELECT MAX\(event_id\) FROM trace_events`).
		WillReturnError(errors.New("disk I/O error"))

	_, err = store.Append(context.Background(), trace.Event{
		SessionID: "s1", TenantID: "t1", Kind: trace.KindDecision,
	})
	if !gateerr.IsKind(err, gateerr.KindTraceWriteFailed) {
		t.Fatalf("got %v, want trace_write_failed", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAppendRetriesSequenceRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	store := NewWithDB(db, BackendSQLite)

	// First attempt loses the (session_id, event_id) race; the second
	// re-reads the sequence and succeeds.
	mock.ExpectQuery(`SELECT MAX\(event_id\) FROM trace_events`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(3))
	mock.ExpectExec(`INSERT INTO trace_events`).
		WillReturnError(errors.New("UNIQUE constraint failed: trace_events.session_id, trace_events.event_id"))
	mock.ExpectQuery(`SELECT MAX\(event_id\) FROM trace_events`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(4))
	mock.ExpectExec(`INSERT INTO trace_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ev, err := store.Append(context.Background(), trace.Event{
		SessionID: "s1", TenantID: "t1", Kind: trace.KindDecision,
	})
	if err != nil {
		t.Fatal(err)
	}
	if ev.EventID != 5 {
		t.Errorf("event id = %d, want 5", ev.EventID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
