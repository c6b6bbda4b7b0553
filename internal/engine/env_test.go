package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-faker/faker/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"recordapi/internal/config"
	"recordapi/internal/metadata"
	"recordapi/internal/realtime"
	"recordapi/internal/store"
)

const testSchema = `
CREATE TABLE _user (
	id BLOB PRIMARY KEY NOT NULL CHECK(is_uuid_v7(id)) DEFAULT (uuid_v7()),
	email TEXT NOT NULL UNIQUE
) STRICT;

CREATE TABLE posts (
	id INTEGER PRIMARY KEY,
	owner BLOB REFERENCES _user(id),
	title TEXT NOT NULL,
	body TEXT,
	score INTEGER NOT NULL DEFAULT 0,
	secret INTEGER NOT NULL DEFAULT 0,
	_note TEXT,
	internal TEXT
) STRICT;

CREATE TABLE tags (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	hits INTEGER NOT NULL DEFAULT 0
) STRICT;

CREATE VIEW public_posts AS SELECT id, title, score FROM posts WHERE secret = 0;
`

func ptr(s string) *string { return &s }

func testConfigs() []metadata.RecordApiConfig {
	return []metadata.RecordApiConfig{
		{
			Name:                         "posts",
			ACLWorld:                     metadata.PermRead | metadata.PermSchema,
			ACLAuthenticated:             metadata.PermAll,
			ReadAccessRule:               ptr("_ROW_.secret = 0 OR _ROW_.owner = _USER_.id"),
			CreateAccessRule:             ptr("_REQ_.owner = _USER_.id"),
			UpdateAccessRule:             ptr("_ROW_.owner = _USER_.id AND (_REQ_.owner IS NULL OR _REQ_.owner = _USER_.id)"),
			DeleteAccessRule:             ptr("_ROW_.owner = _USER_.id"),
			ExcludedColumns:              []string{"internal"},
			Expand:                       []string{"owner"},
			EnableSubscriptions:          true,
			AutofillMissingUserIDColumns: true,
		},
		{
			Name:             "users",
			TableName:        "_user",
			ACLAuthenticated: metadata.PermRead,
			ReadAccessRule:   ptr("_ROW_.id = _USER_.id"),
		},
		{
			Name:             "tags",
			ACLWorld:         metadata.PermAll,
			UpdateAccessRule: ptr("_ROW_.hits = 0"),
		},
		{
			Name:               "tags_replace",
			TableName:          "tags",
			ACLWorld:           metadata.PermAll,
			ConflictResolution: metadata.ConflictReplace,
		},
		{
			Name:               "tags_ignore",
			TableName:          "tags",
			ACLWorld:           metadata.PermAll,
			ConflictResolution: metadata.ConflictIgnore,
		},
		{
			Name:       "public_posts",
			ACLWorld:   metadata.PermAll,
			PrimaryKey: "id",
		},
		{
			Name:             "broken",
			TableName:        "posts",
			ACLAuthenticated: metadata.PermRead,
			ReadAccessRule:   ptr("_ROW_.no_such_column = 1"),
		},
	}
}

type testEnv struct {
	t     *testing.T
	ctx   context.Context
	store *store.Store
	reg   *metadata.Registry
	bus   *realtime.Bus
	eng   *Engine

	alice *metadata.UserContext
	bob   *metadata.UserContext
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	ctx := context.Background()

	s, err := store.New(ctx, config.DatabaseConfig{
		Path:            filepath.Join(t.TempDir(), "records.db"),
		ReadPoolSize:    4,
		MaxWriteRetries: 5,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Exec(ctx, testSchema))

	tables, err := s.LoadSchemas(ctx)
	require.NoError(t, err)

	bus := realtime.NewBus(realtime.Options{QueueSize: 64}, nil)
	t.Cleanup(bus.Close)

	reg := metadata.NewRegistry()
	eng := New(s, reg, bus, nil, opts)
	_, err = reg.Load(testConfigs(), tables)
	require.NoError(t, err)

	env := &testEnv{t: t, ctx: ctx, store: s, reg: reg, bus: bus, eng: eng}
	env.alice = env.addUser(faker.Email())
	env.bob = env.addUser(faker.Email())
	return env
}

func (env *testEnv) addUser(email string) *metadata.UserContext {
	env.t.Helper()
	id := uuid.Must(uuid.NewV7())
	require.NoError(env.t, env.store.Exec(env.ctx, `INSERT INTO _user (id, email) VALUES (?1, ?2)`, id[:], email))
	return &metadata.UserContext{ID: id[:]}
}

// reload republishes the configs after mutate edits them.
func (env *testEnv) reload(mutate func([]metadata.RecordApiConfig)) {
	env.t.Helper()
	cfgs := testConfigs()
	mutate(cfgs)
	tables, err := env.store.LoadSchemas(env.ctx)
	require.NoError(env.t, err)
	_, err = env.reg.Load(cfgs, tables)
	require.NoError(env.t, err)
}

func jsonBody(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func (env *testEnv) create(api string, user *metadata.UserContext, fields any) (*CreateResult, error) {
	return env.eng.Create(env.ctx, Request{
		API:         api,
		User:        user,
		ContentType: "application/json",
		Body:        jsonBody(env.t, fields),
	})
}

func (env *testEnv) mustCreate(api string, user *metadata.UserContext, fields map[string]any) int64 {
	env.t.Helper()
	res, err := env.create(api, user, fields)
	require.NoError(env.t, err)
	require.Len(env.t, res.IDs, 1)
	id, ok := res.IDs[0].(int64)
	require.True(env.t, ok, "integer key expected, got %T", res.IDs[0])
	return id
}

func (env *testEnv) post(user *metadata.UserContext, secret bool, score int) int64 {
	env.t.Helper()
	s := 0
	if secret {
		s = 1
	}
	return env.mustCreate("posts", user, map[string]any{
		"title":  faker.Sentence(),
		"body":   faker.Paragraph(),
		"score":  score,
		"secret": s,
	})
}

func (env *testEnv) list(api string, user *metadata.UserContext, query string) (*ListResult, error) {
	return env.eng.List(env.ctx, Request{API: api, User: user, Query: query})
}

func (env *testEnv) read(api string, user *metadata.UserContext, id any, query string) (Record, error) {
	return env.eng.Read(env.ctx, Request{API: api, User: user, RecordID: keyText(id), Query: query})
}

func keyText(id any) string {
	return fmt.Sprint(id)
}

func receive(t *testing.T, sub *realtime.Subscription) map[string]any {
	t.Helper()
	select {
	case msg := <-sub.Events():
		var out map[string]any
		require.NoError(t, json.Unmarshal(msg, &out))
		return out
	case <-sub.Done():
		t.Fatalf("subscription closed: %v", sub.Err())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func expectNoEvent(t *testing.T, sub *realtime.Subscription) {
	t.Helper()
	select {
	case msg := <-sub.Events():
		t.Fatalf("unexpected event %s", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func appCode(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	appErr, ok := err.(*AppError)
	require.True(t, ok, "expected *AppError, got %T: %v", err, err)
	return appErr.Code
}
