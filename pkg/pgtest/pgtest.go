// Package pgtest boots a disposable Postgres container once per test
// binary and hands out per-test schema sandboxes, grounded on the
// teacher's pkg/fixgres. It backs the notify backend's integration test.
package pgtest

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"net/url"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

type config struct {
	image    string
	dbName   string
	user     string
	password string
	gooseUp  bool
	gooseFS  fs.FS
}

// Option configures the shared container boot.
type Option func(*config)

func WithImage(i string) Option    { return func(c *config) { c.image = i } }
func WithDBName(n string) Option   { return func(c *config) { c.dbName = n } }
func WithUser(u string) Option     { return func(c *config) { c.user = u } }
func WithPassword(p string) Option { return func(c *config) { c.password = p } }

// WithMigrations enables goose migrations, read from migFS, against the
// shared container before any sandbox is handed out.
func WithMigrations(migFS fs.FS) Option {
	return func(c *config) {
		c.gooseUp = true
		c.gooseFS = migFS
	}
}

var (
	once       sync.Once
	container  *postgres.PostgresContainer
	mu         sync.Mutex
	connString string
	bootErr    error
)

// BootOnce starts the shared container the first time it's called in a
// test binary; subsequent calls are no-ops. Call it from TestMain.
func BootOnce(t *testing.T, opts ...Option) {
	t.Helper()
	once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		cfg := &config{}
		for _, o := range opts {
			o(cfg)
		}
		bootErr = boot(ctx, cfg)
	})
	if bootErr != nil {
		t.Fatalf("pgtest: boot failed: %v", bootErr)
	}
}

func boot(ctx context.Context, c *config) error {
	if c.image == "" {
		c.image = "docker.io/postgres:16-alpine"
	}
	if c.dbName == "" {
		c.dbName = "liveset"
	}
	if c.user == "" {
		c.user = "postgres"
	}
	if c.password == "" {
		c.password = "pass"
	}

	pg, err := postgres.Run(ctx,
		c.image,
		postgres.WithDatabase(c.dbName),
		postgres.WithUsername(c.user),
		postgres.WithPassword(c.password),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return err
	}
	container = pg

	host, _ := pg.Host(ctx)
	port, _ := pg.MappedPort(ctx, "5432/tcp")
	connString = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.user, c.password, host, port.Port(), c.dbName)

	if c.gooseUp {
		if c.gooseFS == nil {
			return fmt.Errorf("pgtest: WithMigrations requires a non-nil fs.FS")
		}
		db, err := sql.Open("pgx", connString)
		if err != nil {
			return err
		}
		defer db.Close()

		goose.SetBaseFS(c.gooseFS)
		if err := goose.SetDialect("postgres"); err != nil {
			return err
		}
		return goose.Up(db, ".")
	}
	return nil
}

// Sandbox is a per-test schema, isolated from every other running test
// but sharing the container's one set of installed migrations.
type Sandbox struct {
	DB         *sql.DB
	ConnString string
	Schema     string
	Seed       int64
	Close      func()
}

// NewSandbox creates a uniquely-named schema and returns a *sql.DB whose
// pooled connections default their search_path to it. BootOnce must have
// already run (typically from TestMain).
func NewSandbox(t *testing.T) *Sandbox {
	t.Helper()
	mu.Lock()
	cs := connString
	mu.Unlock()
	if cs == "" {
		t.Fatalf("pgtest: not booted; call pgtest.BootOnce in TestMain first")
	}

	admin, err := sql.Open("pgx", cs)
	if err != nil {
		t.Fatalf("pgtest: open admin conn: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := fmt.Sprintf("t_%x", time.Now().UnixNano())
	if _, err := admin.ExecContext(ctx, `CREATE SCHEMA "`+schema+`"`); err != nil {
		t.Fatalf("pgtest: create schema: %v", err)
	}

	sbxDSN := withSearchPath(cs, schema)
	db, err := sql.Open("pgx", sbxDSN)
	if err != nil {
		t.Fatalf("pgtest: open sandbox conn: %v", err)
	}

	sbx := &Sandbox{
		DB:         db,
		ConnString: sbxDSN,
		Schema:     schema,
		Seed:       time.Now().UnixNano(),
	}
	sbx.Close = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = admin.ExecContext(ctx, `DROP SCHEMA IF EXISTS "`+schema+`" CASCADE`)
		_ = db.Close()
		_ = admin.Close()
	}
	t.Cleanup(sbx.Close)
	return sbx
}

// ShutdownNow tears down the shared container immediately, bypassing its
// ryuk-managed lifetime. Tests don't need to call this.
func ShutdownNow() error {
	mu.Lock()
	defer mu.Unlock()
	if container == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return container.Terminate(ctx)
}

func withSearchPath(base, schema string) string {
	u, _ := url.Parse(base)
	q := u.Query()
	q.Set("options", fmt.Sprintf("-csearch_path=%s,public", schema))
	u.RawQuery = q.Encode()
	return u.String()
}
