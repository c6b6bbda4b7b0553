package engine

import (
	"fmt"
	"net/url"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recordapi/internal/metadata"
)

func TestCreate_ExcludedColumnRejected(t *testing.T) {
	env := newTestEnv(t, Options{})

	_, err := env.create("posts", env.alice, map[string]any{"title": "x", "internal": "nope"})
	assert.Equal(t, "BAD_REQUEST", appCode(t, err))
}

func TestRead_ProjectsReadableColumns(t *testing.T) {
	env := newTestEnv(t, Options{})
	id := env.mustCreate("posts", env.alice, map[string]any{"title": "hello", "_note": "hidden", "score": 3})

	rec, err := env.read("posts", env.alice, id, "")
	require.NoError(t, err)
	assert.Equal(t, id, rec["id"])
	assert.Equal(t, "hello", rec["title"])
	assert.Equal(t, int64(3), rec["score"])
	assert.Nil(t, rec["body"])
	assert.Contains(t, rec, "body")
	assert.NotContains(t, rec, "_note")
	assert.NotContains(t, rec, "internal")

	// Autofilled from the requester.
	alice, err := uuid.FromBytes(env.alice.ID.([]byte))
	require.NoError(t, err)
	assert.Equal(t, alice.String(), rec["owner"])

	var note any
	require.NoError(t, env.store.Reader.QueryRow(`SELECT _note FROM posts WHERE id = ?`, id).Scan(&note))
	assert.Equal(t, "hidden", note)
}

func TestCreate_RuleSeesRequest(t *testing.T) {
	env := newTestEnv(t, Options{})
	bob, err := uuid.FromBytes(env.bob.ID.([]byte))
	require.NoError(t, err)

	_, err = env.create("posts", env.alice, map[string]any{"title": "spoof", "owner": bob.String()})
	assert.Equal(t, "FORBIDDEN", appCode(t, err))

	res, err := env.list("posts", env.alice, "count=true")
	require.NoError(t, err)
	assert.Equal(t, int64(0), *res.TotalCount)
}

func TestACLCheckedBeforeRule(t *testing.T) {
	env := newTestEnv(t, Options{})

	// No READ bit for anonymous users: the malformed rule is never compiled.
	_, err := env.list("broken", nil, "")
	assert.Equal(t, "FORBIDDEN", appCode(t, err))
	_, err = env.read("broken", nil, int64(1), "")
	assert.Equal(t, "FORBIDDEN", appCode(t, err))

	// With the bit present the rule is compiled and fails.
	_, err = env.list("broken", env.alice, "")
	assert.Equal(t, "INTERNAL_ERROR", appCode(t, err))

	// Anonymous users may read posts but not write them.
	_, err = env.create("posts", nil, map[string]any{"title": "anon"})
	assert.Equal(t, "FORBIDDEN", appCode(t, err))
}

func TestUnknownAPI(t *testing.T) {
	env := newTestEnv(t, Options{})
	_, err := env.list("nope", env.alice, "")
	assert.Equal(t, "NOT_FOUND", appCode(t, err))
}

func TestRead_InaccessibleLooksMissing(t *testing.T) {
	env := newTestEnv(t, Options{})
	secret := env.post(env.alice, true, 1)

	_, err := env.read("posts", env.bob, secret, "")
	assert.Equal(t, "NOT_FOUND", appCode(t, err))
	_, err = env.read("posts", env.bob, int64(9999), "")
	assert.Equal(t, "NOT_FOUND", appCode(t, err))

	rec, err := env.read("posts", env.alice, secret, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec["secret"])
}

func TestRevealForbidden(t *testing.T) {
	env := newTestEnv(t, Options{RevealForbidden: true})
	secret := env.post(env.alice, true, 1)

	_, err := env.read("posts", env.bob, secret, "")
	assert.Equal(t, "FORBIDDEN", appCode(t, err))
	_, err = env.read("posts", env.bob, int64(9999), "")
	assert.Equal(t, "NOT_FOUND", appCode(t, err))

	err = env.eng.Delete(env.ctx, Request{API: "posts", User: env.bob, RecordID: keyText(secret)})
	assert.Equal(t, "FORBIDDEN", appCode(t, err))
}

func TestRead_InvalidID(t *testing.T) {
	env := newTestEnv(t, Options{})
	_, err := env.eng.Read(env.ctx, Request{API: "posts", User: env.alice, RecordID: "abc"})
	assert.Equal(t, "BAD_REQUEST", appCode(t, err))
}

func TestList_RowLevelRule(t *testing.T) {
	env := newTestEnv(t, Options{})
	for i := 0; i < 3; i++ {
		env.post(env.alice, false, i)
	}
	for i := 0; i < 2; i++ {
		env.post(env.alice, true, i)
	}

	res, err := env.list("posts", env.bob, "count=true")
	require.NoError(t, err)
	assert.Len(t, res.Records, 3)
	assert.Equal(t, int64(3), *res.TotalCount)
	for _, rec := range res.Records {
		assert.Equal(t, int64(0), rec["secret"])
	}

	res, err = env.list("posts", env.alice, "count=true")
	require.NoError(t, err)
	assert.Len(t, res.Records, 5)
	assert.Equal(t, int64(5), *res.TotalCount)

	res, err = env.list("posts", nil, "")
	require.NoError(t, err)
	assert.Len(t, res.Records, 3)
	assert.Nil(t, res.TotalCount)
	assert.Empty(t, res.Cursor)
}

func seedTags(t *testing.T, env *testEnv) {
	t.Helper()
	for i, name := range []string{"alpha", "beta", "gamma", "delta"} {
		env.mustCreate("tags", nil, map[string]any{"name": name, "hits": i})
	}
}

func tagNames(res *ListResult) []string {
	var names []string
	for _, r := range res.Records {
		names = append(names, r["name"].(string))
	}
	sort.Strings(names)
	return names
}

func TestList_Filters(t *testing.T) {
	env := newTestEnv(t, Options{})
	seedTags(t, env)

	cases := []struct {
		query string
		want  []string
	}{
		{"filter[hits][$gte]=2", []string{"delta", "gamma"}},
		{"filter[hits][$gt]=0&filter[hits][$lt]=3", []string{"beta", "gamma"}},
		{"filter[$or][0][hits][$lt]=1&filter[$or][1][hits][$gt]=2", []string{"alpha", "delta"}},
		{"filter[name][$like]=g%25", []string{"gamma"}},
		{"filter[name][$re]=" + url.QueryEscape("^(al|de)"), []string{"alpha", "delta"}},
		{"filter[name][$ne]=alpha", []string{"beta", "delta", "gamma"}},
		{"name=beta", []string{"beta"}},
		{"filter[name][$eq]=beta", []string{"beta"}},
		{"filter[$and][0][$or][0][name]=alpha&filter[$and][0][$or][1][name]=beta&filter[$and][1][hits]=1", []string{"beta"}},
		{"filter[id][$is]=!NULL&filter[hits][$lte]=0", []string{"alpha"}},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			res, err := env.list("tags", nil, tc.query)
			require.NoError(t, err)
			assert.Equal(t, tc.want, tagNames(res))
		})
	}
}

func TestList_FilterIsNull(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.mustCreate("posts", env.alice, map[string]any{"title": "no body"})
	env.mustCreate("posts", env.alice, map[string]any{"title": "with body", "body": "text"})

	res, err := env.list("posts", env.alice, "filter[body][$is]=NULL")
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "no body", res.Records[0]["title"])
}

func TestList_RejectsBadInput(t *testing.T) {
	env := newTestEnv(t, Options{})

	queries := []string{
		"filter[internal]=x",
		"filter[_note]=x",
		"filter[nope]=x",
		"filter[title][$between]=1",
		"filter[body][$is]=empty",
		"filter[title][$re]=(",
		"filter[score]=abc",
		"order=internal",
		"order=title,title",
		"limit=0",
		"limit=-5",
		"limit=many",
		"offset=-1",
		"count=maybe",
		"expand=title",
		"cursor=%%%",
		"filter[" + url.QueryEscape(`title" = '' OR 1=1; DROP TABLE posts; --`) + "]=x",
		"order=" + url.QueryEscape(`title"; DROP TABLE posts; --`),
	}
	for _, q := range queries {
		t.Run(q, func(t *testing.T) {
			_, err := env.list("posts", env.alice, q)
			assert.Equal(t, "BAD_REQUEST", appCode(t, err))
		})
	}

	var n int64
	require.NoError(t, env.store.Reader.QueryRow(`SELECT count(*) FROM sqlite_master WHERE name = 'posts'`).Scan(&n))
	assert.Equal(t, int64(1), n)
}

func TestList_HardLimit(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.reload(func(cfgs []metadata.RecordApiConfig) { cfgs[2].ListingHardLimit = 2 })
	seedTags(t, env)
	env.mustCreate("tags", nil, map[string]any{"name": "epsilon"})

	var names []string
	cursor := ""
	for page := 0; ; page++ {
		require.Less(t, page, 5, "pagination did not terminate")
		q := "limit=10"
		if cursor != "" {
			q += "&cursor=" + cursor
		}
		res, err := env.list("tags", nil, q)
		require.NoError(t, err)
		require.LessOrEqual(t, len(res.Records), 2)
		for _, r := range res.Records {
			names = append(names, r["name"].(string))
		}
		if page == 0 {
			assert.NotEmpty(t, res.Cursor)
		}
		if res.Cursor == "" {
			break
		}
		cursor = res.Cursor
	}
	assert.ElementsMatch(t, []string{"alpha", "beta", "gamma", "delta", "epsilon"}, names)

	// Without an explicit limit the default is clamped too.
	res, err := env.list("tags", nil, "")
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)
}

func TestList_CursorPagination(t *testing.T) {
	env := newTestEnv(t, Options{})

	type key struct {
		score int64
		id    int64
	}
	var want []key
	for i := 0; i < 25; i++ {
		id := env.post(env.alice, i%3 == 0, i%4)
		want = append(want, key{score: int64(i % 4), id: id})
	}
	sort.Slice(want, func(i, j int) bool {
		if want[i].score != want[j].score {
			return want[i].score > want[j].score
		}
		return want[i].id < want[j].id
	})

	var got []key
	cursor := ""
	for page := 0; ; page++ {
		require.Less(t, page, 10, "pagination did not terminate")
		q := "order=-score&limit=10"
		if cursor != "" {
			q += "&cursor=" + cursor
		}
		res, err := env.list("posts", env.alice, q)
		require.NoError(t, err)
		for _, r := range res.Records {
			got = append(got, key{score: r["score"].(int64), id: r["id"].(int64)})
		}
		if page == 0 {
			// A row sorting before the cursor must not shift later pages.
			env.post(env.alice, false, 100)
		}
		if res.Cursor == "" {
			break
		}
		cursor = res.Cursor
	}
	assert.Equal(t, want, got)
}

func TestList_CursorBoundToOrder(t *testing.T) {
	env := newTestEnv(t, Options{})
	for i := 0; i < 3; i++ {
		env.post(env.alice, false, i)
	}

	res, err := env.list("posts", env.alice, "order=-score&limit=1")
	require.NoError(t, err)
	require.NotEmpty(t, res.Cursor)

	_, err = env.list("posts", env.alice, "order=title&limit=1&cursor="+res.Cursor)
	assert.Equal(t, "BAD_REQUEST", appCode(t, err))

	_, err = env.list("tags", env.alice, "limit=1&cursor="+res.Cursor)
	assert.Equal(t, "BAD_REQUEST", appCode(t, err))

	// The cursor wins over an offset.
	next, err := env.list("posts", env.alice, "order=-score&limit=1&offset=50&cursor="+res.Cursor)
	require.NoError(t, err)
	require.Len(t, next.Records, 1)
	assert.Equal(t, int64(1), next.Records[0]["score"])
}

func TestList_Offset(t *testing.T) {
	env := newTestEnv(t, Options{})
	seedTags(t, env)

	res, err := env.list("tags", nil, "order=name&limit=2&offset=1")
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "beta", res.Records[0]["name"])
	assert.Equal(t, "delta", res.Records[1]["name"])
}

func TestUpdate(t *testing.T) {
	env := newTestEnv(t, Options{})
	id := env.mustCreate("posts", env.alice, map[string]any{"title": "draft", "body": "text"})

	update := func(user *metadata.UserContext, body any) error {
		return env.eng.Update(env.ctx, Request{
			API: "posts", User: user, RecordID: keyText(id),
			ContentType: "application/json", Body: jsonBody(t, body),
		})
	}

	require.NoError(t, update(env.alice, map[string]any{"title": "final"}))
	rec, err := env.read("posts", env.alice, id, "")
	require.NoError(t, err)
	assert.Equal(t, "final", rec["title"])
	assert.Equal(t, "text", rec["body"], "absent fields are untouched")

	require.NoError(t, update(env.alice, map[string]any{"body": nil}))
	rec, err = env.read("posts", env.alice, id, "")
	require.NoError(t, err)
	assert.Nil(t, rec["body"])

	// Not the owner.
	assert.Equal(t, "NOT_FOUND", appCode(t, update(env.bob, map[string]any{"title": "mine"})))

	// Handing the row over is rejected by the _REQ_ part of the rule.
	bob, _ := uuid.FromBytes(env.bob.ID.([]byte))
	assert.Equal(t, "NOT_FOUND", appCode(t, update(env.alice, map[string]any{"owner": bob.String()})))

	assert.Equal(t, "BAD_REQUEST", appCode(t, update(env.alice, map[string]any{"id": id + 1})))
	assert.Equal(t, "BAD_REQUEST", appCode(t, update(env.alice, map[string]any{"internal": "x"})))
	assert.Equal(t, "BAD_REQUEST", appCode(t, update(env.alice, []any{map[string]any{"title": "a"}})))
}

func TestUpdate_RequestFields(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.reload(func(cfgs []metadata.RecordApiConfig) {
		cfgs[0].UpdateAccessRule = ptr("_ROW_.owner = _USER_.id AND NOT 'secret' IN _REQ_FIELDS_")
	})
	id := env.post(env.alice, false, 1)

	update := func(body string) error {
		return env.eng.Update(env.ctx, Request{
			API: "posts", User: env.alice, RecordID: keyText(id),
			ContentType: "application/json", Body: []byte(body),
		})
	}
	assert.NoError(t, update(`{"title": "ok"}`))
	assert.Equal(t, "NOT_FOUND", appCode(t, update(`{"secret": 1}`)))
	// An explicit null is still a sent field.
	assert.Equal(t, "NOT_FOUND", appCode(t, update(`{"secret": null}`)))
}

func TestUpdate_ConcurrentExclusive(t *testing.T) {
	env := newTestEnv(t, Options{})
	id := env.mustCreate("tags", nil, map[string]any{"name": "hot"})

	const writers = 10
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = env.eng.Update(env.ctx, Request{
				API: "tags", RecordID: keyText(id),
				ContentType: "application/json", Body: []byte(fmt.Sprintf(`{"hits": %d}`, i+1)),
			})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.Equal(t, "NOT_FOUND", appCode(t, err))
	}
	assert.Equal(t, 1, ok)
}

func TestDelete(t *testing.T) {
	env := newTestEnv(t, Options{})
	id := env.post(env.alice, false, 1)

	del := func(user *metadata.UserContext) error {
		return env.eng.Delete(env.ctx, Request{API: "posts", User: user, RecordID: keyText(id)})
	}
	assert.Equal(t, "NOT_FOUND", appCode(t, del(env.bob)))
	assert.Equal(t, "FORBIDDEN", appCode(t, del(nil)))
	require.NoError(t, del(env.alice))
	assert.Equal(t, "NOT_FOUND", appCode(t, del(env.alice)))

	_, err := env.read("posts", env.alice, id, "")
	assert.Equal(t, "NOT_FOUND", appCode(t, err))
}

func TestConflictResolution(t *testing.T) {
	env := newTestEnv(t, Options{})
	first := env.mustCreate("tags", nil, map[string]any{"name": "dup", "hits": 1})

	_, err := env.create("tags", nil, map[string]any{"name": "dup"})
	assert.Equal(t, "CONFLICT", appCode(t, err))

	res, err := env.create("tags_ignore", nil, map[string]any{"name": "dup", "hits": 7})
	require.NoError(t, err)
	assert.Empty(t, res.IDs)

	second := env.mustCreate("tags_replace", nil, map[string]any{"name": "dup", "hits": 5})
	assert.NotEqual(t, first, second)

	list, err := env.list("tags", nil, "name=dup")
	require.NoError(t, err)
	require.Len(t, list.Records, 1)
	assert.Equal(t, int64(5), list.Records[0]["hits"])
	assert.Equal(t, second, list.Records[0]["id"])
}

func TestBulkCreate(t *testing.T) {
	env := newTestEnv(t, Options{})

	res, err := env.create("posts", env.alice, []map[string]any{
		{"title": "one"}, {"title": "two"}, {"title": "three"},
	})
	require.NoError(t, err)
	assert.Len(t, res.IDs, 3)

	bob, _ := uuid.FromBytes(env.bob.ID.([]byte))
	_, err = env.create("posts", env.alice, []map[string]any{
		{"title": "four"}, {"title": "spoof", "owner": bob.String()},
	})
	assert.Equal(t, "FORBIDDEN", appCode(t, err))

	list, err := env.list("posts", env.alice, "count=true")
	require.NoError(t, err)
	assert.Equal(t, int64(3), *list.TotalCount, "a rejected bulk insert leaves nothing behind")
}

func TestFormBody(t *testing.T) {
	env := newTestEnv(t, Options{})
	res, err := env.eng.Create(env.ctx, Request{
		API: "tags", ContentType: "application/x-www-form-urlencoded",
		Body: []byte("name=form&hits=4"),
	})
	require.NoError(t, err)
	require.Len(t, res.IDs, 1)

	rec, err := env.read("tags", nil, res.IDs[0], "")
	require.NoError(t, err)
	assert.Equal(t, "form", rec["name"])
	assert.Equal(t, int64(4), rec["hits"])
}

func TestView_ReadOnly(t *testing.T) {
	env := newTestEnv(t, Options{})
	public := env.post(env.alice, false, 2)
	env.post(env.alice, true, 3)

	res, err := env.list("public_posts", nil, "")
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, public, res.Records[0]["id"])

	rec, err := env.read("public_posts", nil, public, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec["score"])

	_, err = env.create("public_posts", nil, map[string]any{"title": "x"})
	assert.Equal(t, "FORBIDDEN", appCode(t, err))
	err = env.eng.Delete(env.ctx, Request{API: "public_posts", RecordID: keyText(public)})
	assert.Equal(t, "FORBIDDEN", appCode(t, err))
}

func TestExpand(t *testing.T) {
	env := newTestEnv(t, Options{})
	id := env.post(env.alice, false, 1)
	alice, _ := uuid.FromBytes(env.alice.ID.([]byte))

	rec, err := env.read("posts", env.alice, id, "expand=owner")
	require.NoError(t, err)
	owner, ok := rec["owner"].(map[string]any)
	require.True(t, ok, "owner should be expanded, got %T", rec["owner"])
	assert.Equal(t, alice.String(), owner["id"])
	data, ok := owner["data"].(Record)
	require.True(t, ok)
	assert.Equal(t, alice.String(), data["id"])
	assert.NotEmpty(t, data["email"])

	// Bob may read the post but not alice's user row.
	res, err := env.list("posts", env.bob, "expand=owner")
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	owner = res.Records[0]["owner"].(map[string]any)
	assert.Equal(t, alice.String(), owner["id"])
	assert.NotContains(t, owner, "data")

	// Anonymous readers lack the READ bit on users.
	res, err = env.list("posts", nil, "expand=owner")
	require.NoError(t, err)
	assert.NotContains(t, res.Records[0]["owner"].(map[string]any), "data")
}
