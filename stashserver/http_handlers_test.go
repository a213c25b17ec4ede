package stashserver

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/mobiletoly/go-stashsync/stashsync"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *TestServer {
	t.Helper()
	ts, err := NewTestServer(&ServerConfig{
		JWTSecret: "test-secret",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(ts.Close)
	return ts
}

type apiClient struct {
	t     *testing.T
	base  string
	token string
}

func newAPIClient(t *testing.T, ts *TestServer, user string) *apiClient {
	t.Helper()
	token, err := ts.GenerateToken(user, "device-"+user, time.Hour)
	require.NoError(t, err)
	return &apiClient{t: t, base: ts.URL(), token: token}
}

func (c *apiClient) call(method, path string, body any, out any) int {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	require.NoError(c.t, err)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (c *apiClient) create(collection string, patch stashsync.Patch) stashsync.RemoteSummary {
	c.t.Helper()
	var s stashsync.RemoteSummary
	require.Equal(c.t, http.StatusCreated, c.call(http.MethodPost, "/v1/"+collection, patch, &s))
	return s
}

func (c *apiClient) list(collection string) []stashsync.RemoteSummary {
	c.t.Helper()
	var resp stashsync.CollectionResponse
	require.Equal(c.t, http.StatusOK, c.call(http.MethodGet, "/v1/"+collection, nil, &resp))
	return resp.Items
}

func TestHealthIsPublic(t *testing.T) {
	ts := newTestServer(t)
	c := &apiClient{t: t, base: ts.URL()}

	var health stashsync.HealthResponse
	require.Equal(t, http.StatusOK, c.call(http.MethodGet, "/health", nil, &health))
	require.Equal(t, "ok", health.Status)
}

func TestCollectionsRequireToken(t *testing.T) {
	ts := newTestServer(t)
	c := &apiClient{t: t, base: ts.URL()}

	var er stashsync.ErrorResponse
	require.Equal(t, http.StatusUnauthorized, c.call(http.MethodGet, "/v1/bags", nil, &er))
	require.Equal(t, stashsync.ErrorCodeUnauthorized, er.Error)
}

func TestUnknownCollectionIsNotFound(t *testing.T) {
	ts := newTestServer(t)
	c := newAPIClient(t, ts, "u1")

	var er stashsync.ErrorResponse
	require.Equal(t, http.StatusNotFound, c.call(http.MethodGet, "/v1/widgets", nil, &er))
	require.Equal(t, stashsync.ErrorCodeNotFound, er.Error)
}

func TestCreateListUpdateDelete(t *testing.T) {
	ts := newTestServer(t)
	c := newAPIClient(t, ts, "u1")

	first := c.create("bags", stashsync.Patch{Fields: stashsync.Fields{"name": "Gym"}})
	second := c.create("bags", stashsync.Patch{Fields: stashsync.Fields{"name": "Travel"}})
	require.NotEmpty(t, first.RemoteID)
	require.Equal(t, stashsync.EntityBag, first.Type)
	require.EqualValues(t, 1, first.Version)

	items := c.list("bags")
	require.Len(t, items, 2)
	require.Equal(t, first.RemoteID, items[0].RemoteID)
	require.Equal(t, second.RemoteID, items[1].RemoteID)

	var updated stashsync.RemoteSummary
	status := c.call(http.MethodPatch, "/v1/bags/"+first.RemoteID,
		stashsync.Patch{Fields: stashsync.Fields{"name": "Gym bag", "color": "red"}}, &updated)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "Gym bag", updated.Fields["name"])
	require.Equal(t, "red", updated.Fields["color"])
	require.EqualValues(t, 2, updated.Version)

	require.Equal(t, http.StatusNoContent, c.call(http.MethodDelete, "/v1/bags/"+first.RemoteID, nil, nil))
	items = c.list("bags")
	require.Len(t, items, 1)
	require.Equal(t, second.RemoteID, items[0].RemoteID)

	var er stashsync.ErrorResponse
	require.Equal(t, http.StatusNotFound, c.call(http.MethodDelete, "/v1/bags/"+first.RemoteID, nil, &er))
	require.Equal(t, stashsync.ErrorCodeNotFound, er.Error)
}

func TestCreateWithReusedDedupeKeyConflicts(t *testing.T) {
	ts := newTestServer(t)
	c := newAPIClient(t, ts, "u1")

	created := c.create("tags", stashsync.Patch{Fields: stashsync.Fields{"name": "blue"}, DedupeKey: "k-1"})

	var er stashsync.ErrorResponse
	status := c.call(http.MethodPost, "/v1/tags", stashsync.Patch{Fields: stashsync.Fields{"name": "blue"}, DedupeKey: "k-1"}, &er)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, stashsync.ErrorCodeConflict, er.Error)
	require.Equal(t, created.RemoteID, er.RemoteID)
	require.Len(t, c.list("tags"), 1)
}

func TestScopesAreIsolated(t *testing.T) {
	ts := newTestServer(t)
	alice := newAPIClient(t, ts, "alice")
	bob := newAPIClient(t, ts, "bob")

	bag := alice.create("bags", stashsync.Patch{Fields: stashsync.Fields{"name": "Alice's"}})
	require.Empty(t, bob.list("bags"))

	var er stashsync.ErrorResponse
	status := bob.call(http.MethodPatch, "/v1/bags/"+bag.RemoteID, stashsync.Patch{Fields: stashsync.Fields{"name": "mine"}}, &er)
	require.Equal(t, http.StatusNotFound, status)
}

func TestProductRelations(t *testing.T) {
	ts := newTestServer(t)
	c := newAPIClient(t, ts, "u1")

	bag := c.create("bags", stashsync.Patch{Fields: stashsync.Fields{"name": "Gym"}})
	tag := c.create("tags", stashsync.Patch{Fields: stashsync.Fields{"name": "daily"}})
	product := c.create("products", stashsync.Patch{
		Fields:    stashsync.Fields{"name": "Sunscreen"},
		Relations: map[stashsync.EntityType][]string{stashsync.EntityBag: {bag.RemoteID}},
	})
	require.Equal(t, []string{bag.RemoteID}, product.Relations[stashsync.EntityBag])
	require.Empty(t, product.Relations[stashsync.EntityTag])

	var updated stashsync.RemoteSummary
	status := c.call(http.MethodPatch, "/v1/products/"+product.RemoteID, stashsync.Patch{
		Relations: map[stashsync.EntityType][]string{stashsync.EntityTag: {tag.RemoteID}},
	}, &updated)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, []string{bag.RemoteID}, updated.Relations[stashsync.EntityBag], "untouched relation type stays")
	require.Equal(t, []string{tag.RemoteID}, updated.Relations[stashsync.EntityTag])

	require.Equal(t, http.StatusNoContent, c.call(http.MethodDelete, "/v1/bags/"+bag.RemoteID, nil, nil))
	products := c.list("products")
	require.Len(t, products, 1)
	require.Empty(t, products[0].Relations[stashsync.EntityBag], "deleting a bag strips its edges")
	require.Equal(t, []string{tag.RemoteID}, products[0].Relations[stashsync.EntityTag])
}

func TestInvalidRelationsAreRejected(t *testing.T) {
	ts := newTestServer(t)
	c := newAPIClient(t, ts, "u1")

	var er stashsync.ErrorResponse
	status := c.call(http.MethodPost, "/v1/products", stashsync.Patch{
		Fields:    stashsync.Fields{"name": "x"},
		Relations: map[stashsync.EntityType][]string{stashsync.EntityBag: {"missing"}},
	}, &er)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, stashsync.ErrorCodeBadRequest, er.Error)

	bag := c.create("bags", stashsync.Patch{Fields: stashsync.Fields{"name": "Gym"}})
	status = c.call(http.MethodPatch, "/v1/bags/"+bag.RemoteID, stashsync.Patch{
		Relations: map[stashsync.EntityType][]string{stashsync.EntityTag: {}},
	}, &er)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestDummySignin(t *testing.T) {
	ts := newTestServer(t)
	c := &apiClient{t: t, base: ts.URL()}

	var resp struct {
		Token  string `json:"token"`
		User   string `json:"user"`
		Device string `json:"device"`
	}
	status := c.call(http.MethodPost, "/dummy-signin", map[string]string{"user": "carol", "password": "x"}, &resp)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "carol", resp.User)
	require.NotEmpty(t, resp.Device)

	claims, err := ts.JWTAuth.ValidateToken(resp.Token)
	require.NoError(t, err)
	require.Equal(t, "carol", claims.Subject)

	c.token = resp.Token
	require.Empty(t, c.list("products"))
}
