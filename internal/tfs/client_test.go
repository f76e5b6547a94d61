package tfs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookrelay/internal/external"
	"hookrelay/internal/types"
)

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(external.NewBaseClient(srv.Client(), "tfs", external.RetryPolicy{}, "hookrelay-test"))
}

func TestClient_Changes(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Basic dXNlcjpwYXQ=", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/tfs/_apis/tfvc/changesets/123":
			w.Write([]byte(`{"changesetId":123,"_links":{"changes":{"href":"` + srv.URL + `/tfs/_apis/tfvc/changesets/123/changes"}}}`))
		case "/tfs/_apis/tfvc/changesets/123/changes":
			w.Write([]byte(`{"count":4,"value":[
				{"changeType":"add","item":{"path":"$/Proj/Main/src/new.go"}},
				{"changeType":"edit","item":{"path":"$/Proj/Dev/src/app.go"}},
				{"changeType":"delete","item":{"path":"$/Proj/Main/old.go"}},
				{"changeType":"edit","item":{"path":""}}
			]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	changes, err := newTestClient(srv).Changes(context.Background(), srv.URL+"/tfs/_apis/tfvc/changesets/123", "Basic dXNlcjpwYXQ=")
	require.NoError(t, err)

	assert.Equal(t, []types.FileChange{
		{Path: "$/Proj/Main/src/new.go", Branch: "Main", Change: types.ChangeAdded},
		{Path: "$/Proj/Dev/src/app.go", Branch: "Dev", Change: types.ChangeModified},
		{Path: "$/Proj/Main/old.go", Branch: "Main", Change: types.ChangeRemoved},
	}, changes)
}

func TestClient_Changes_RequiresAuthorization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Changes(context.Background(), srv.URL+"/cs/1", "")
	assert.True(t, types.IsCode(err, types.ErrCodeValidationInvalidParam))
}

func TestClient_Changes_UpstreamRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("TF400813: not authorized"))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Changes(context.Background(), srv.URL+"/cs/1", "Basic abc")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeUpstreamRejected))
}

func TestClient_Changes_MissingChangesLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"changesetId":1}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Changes(context.Background(), srv.URL+"/cs/1", "Basic abc")
	assert.True(t, types.IsCode(err, types.ErrCodeUpstreamRejected))
}

func TestBranchOf(t *testing.T) {
	assert.Equal(t, "Main", BranchOf("$/Proj/Main/src/a.go"))
	assert.Equal(t, "Main", BranchOf("$/Proj/Main"))
	assert.Equal(t, "", BranchOf("$/Proj"))
	assert.Equal(t, "", BranchOf("/not/a/server/path"))
}
