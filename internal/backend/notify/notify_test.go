package notify_test

import (
	"embed"
	"io/fs"
	"os"
	"testing"
	"time"

	faker "github.com/go-faker/faker/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveset/liveset/internal/backend"
	"github.com/liveset/liveset/internal/backend/notify"
	"github.com/liveset/liveset/internal/engine"
	"github.com/liveset/liveset/pkg/pgtest"
)

//go:embed testdata/migrations/*.sql
var testMigrations embed.FS

func TestMain(m *testing.M) {
	sub, err := fs.Sub(testMigrations, "testdata/migrations")
	if err != nil {
		panic(err)
	}
	pgtest.BootOnce(&testing.T{}, pgtest.WithMigrations(sub))
	code := m.Run()
	_ = pgtest.ShutdownNow()
	os.Exit(code)
}

type suppliedPayload struct {
	db, table string
	rows      []engine.CandidateRow
}

type recordingSink struct {
	ingress chan suppliedPayload
	errs    chan error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		ingress: make(chan suppliedPayload, 16),
		errs:    make(chan error, 16),
	}
}

func (s *recordingSink) Ingress(evt engine.RowEvent) {}

func (s *recordingSink) IngressSuppliedPayload(database, table string, rows []engine.CandidateRow) {
	s.ingress <- suppliedPayload{database, table, rows}
}

func (s *recordingSink) ReportIngressError(err error) { s.errs <- err }

func TestNotifyBackend_InsertDeliversCandidateRow(t *testing.T) {
	sbx := pgtest.NewSandbox(t)

	sink := newRecordingSink()
	be := notify.New(sbx.ConnString, sink)

	require.NoError(t, be.Start(engine.InterestSet{"public": {"widgets"}}))
	defer be.Stop()

	// give the listener a moment to complete its LISTEN before we notify.
	time.Sleep(200 * time.Millisecond)

	name := faker.Username()

	_, err := sbx.DB.Exec(`INSERT INTO widgets (id, name, price) VALUES (1, $1, 9.99)`, name)
	require.NoError(t, err)

	select {
	case got := <-sink.ingress:
		assert.Equal(t, "public", got.db)
		assert.Equal(t, "widgets", got.table)
		require.Len(t, got.rows, 1)
		assert.Equal(t, engine.OpInsert, got.rows[0].Op)
		assert.Equal(t, name, got.rows[0].Fields["name"])
	case err := <-sink.errs:
		t.Fatalf("unexpected ingress error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for NOTIFY delivery")
	}
}

func TestNotifyBackend_UpdateDeliversOldAndNewImages(t *testing.T) {
	sbx := pgtest.NewSandbox(t)

	sink := newRecordingSink()
	be := notify.New(sbx.ConnString, sink)

	require.NoError(t, be.Start(engine.InterestSet{"public": {"widgets"}}))
	defer be.Stop()

	time.Sleep(200 * time.Millisecond)

	_, err := sbx.DB.Exec(`INSERT INTO widgets (id, name, price) VALUES (2, 'sprocket', 5.00)`)
	require.NoError(t, err)
	<-sink.ingress // drain the insert notification

	_, err = sbx.DB.Exec(`UPDATE widgets SET price = 6.50 WHERE id = 2`)
	require.NoError(t, err)

	select {
	case got := <-sink.ingress:
		require.Len(t, got.rows, 2)
		ops := map[string]engine.CandidateRow{}
		for _, r := range got.rows {
			ops[r.Key] = r
		}
		newRow, ok := ops[engine.KeyNewData]
		require.True(t, ok)
		oldRow, ok := ops[engine.KeyOldData]
		require.True(t, ok)
		assert.EqualValues(t, 6.5, newRow.Fields["price"])
		assert.EqualValues(t, 5.0, oldRow.Fields["price"])
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for UPDATE delivery")
	}
}

var _ backend.Sink = (*recordingSink)(nil)
