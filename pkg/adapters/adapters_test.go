package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadfoundry/enrich/pkg/cache"
)

// newTestCache builds an APICache whose backing store always misses and
// accepts writes, so each test call reaches the HTTP server exactly once.
func newTestCache(t *testing.T, client *http.Client) *cache.APICache {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 8; i++ {
		mock.ExpectQuery(`SELECT response_json`).
			WillReturnRows(sqlmock.NewRows([]string{"response_json", "response_status"}))
		mock.ExpectExec(`INSERT INTO api_request_cache`).
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	return cache.NewAPICache(db, client, nil)
}

func TestJinaSearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer jina-token", r.Header.Get("Authorization"))
		assert.Equal(t, "acme corp", r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[
			{"title":"Acme Corp","url":"https://acme.example","description":"Makers of anvils"},
			{"title":"Acme on LinkedIn","url":"https://linkedin.com/company/acme"}
		]}`))
	}))
	defer server.Close()

	client := NewJinaClient(newTestCache(t, server.Client()), "jina-token")
	client.searchURL = server.URL

	results, err := client.Search(context.Background(), "acme corp", "tenant-1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "Acme Corp", results[0].Title)
	assert.Equal(t, "https://acme.example", results[0].URL)
	assert.Equal(t, "Makers of anvils", results[0].Description)
}

func TestBuiltWithTechnologies_Deduplicated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "acme.example", r.URL.Query().Get("LOOKUP"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Results":[{"Result":{"Paths":[
			{"Technologies":[{"Name":"Postgres","Tag":"database"},{"Name":"Nginx","Tag":"web-server"}]},
			{"Technologies":[{"Name":"Postgres","Tag":"database"}]}
		]}}]}`))
	}))
	defer server.Close()

	client := NewBuiltWithClient(newTestCache(t, server.Client()), "bw-key")
	client.baseURL = server.URL

	techs, err := client.Technologies(context.Background(), "acme.example", "tenant-1")
	require.NoError(t, err)
	require.Len(t, techs, 2)
	assert.Equal(t, Technology{Name: "Postgres", Category: "database"}, techs[0])
	assert.Equal(t, Technology{Name: "Nginx", Category: "web-server"}, techs[1])
}

func TestProxycurlPersonProfile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"full_name":"Ada Lovelace","occupation":"Engineer"}`))
	}))
	defer server.Close()

	client := NewProxycurlClient(newTestCache(t, server.Client()), "pc-key")
	client.personURL = server.URL

	profile, err := client.PersonProfile(context.Background(), "https://linkedin.com/in/ada", "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", profile["full_name"])
}

func TestProxycurlMissingProfile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewProxycurlClient(newTestCache(t, server.Client()), "pc-key")
	client.personURL = server.URL

	profile, err := client.PersonProfile(context.Background(), "https://linkedin.com/in/nobody", "tenant-1")
	require.NoError(t, err)
	assert.Nil(t, profile)
}

func TestApifyRecentActivity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"type":"posts","html":"<ul><li>post</li></ul>"},
			{"type":"comments","html":"<ul><li>comment</li></ul>"},
			{"type":"reactions","html":"<ul><li>reaction</li></ul>"}
		]`))
	}))
	defer server.Close()

	client := NewApifyClient(newTestCache(t, server.Client()), "apify-token", "")
	client.baseURL = server.URL + "/%s"

	payload, err := client.RecentActivity(context.Background(), "https://linkedin.com/in/ada", "tenant-1")
	require.NoError(t, err)
	assert.Contains(t, payload.PostsHTML, "post")
	assert.Contains(t, payload.CommentsHTML, "comment")
	assert.Contains(t, payload.ReactionsHTML, "reaction")
}
