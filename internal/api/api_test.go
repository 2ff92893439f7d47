package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendeck/parley/internal/directory"
	"github.com/opendeck/parley/internal/domain"
	"github.com/opendeck/parley/internal/store"
	"github.com/opendeck/parley/internal/testutil"
)

type noopEvents struct{}

func (noopEvents) ServerCreated(context.Context, *domain.Server)                   {}
func (noopEvents) ChannelCreated(context.Context, string, *domain.Channel)         {}
func (noopEvents) MessageCreated(context.Context, string, string, *domain.Message) {}

func newTestAPI(t *testing.T) (*directory.Service, http.Handler) {
	t.Helper()
	logger := testutil.Logger()
	st, err := store.NewFileStore(filepath.Join(t.TempDir(), "doc.json"), logger)
	require.NoError(t, err)
	dir := directory.NewService(st, noopEvents{}, logger)

	auth := NewAuthHandler(dir, logger)
	servers := NewServerHandler(dir, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", auth.Login)
	mux.HandleFunc("GET /api/users/{userId}", auth.GetUser)
	mux.HandleFunc("GET /api/servers", servers.List)
	mux.HandleFunc("POST /api/servers", servers.Create)
	mux.HandleFunc("POST /api/servers/{serverId}/channels", servers.CreateChannel)
	mux.HandleFunc("GET /api/servers/{serverId}/channels/{channelId}/messages", servers.GetMessages)
	return dir, mux
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestLoginEndpoint(t *testing.T) {
	_, h := newTestAPI(t)

	rec := do(t, h, http.MethodPost, "/api/auth/login", `{"username":"ada"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		User *domain.User `json:"user"`
	}
	decode(t, rec, &resp)
	require.NotNil(t, resp.User)
	assert.Equal(t, "ada", resp.User.Username)
	assert.NotEmpty(t, resp.User.ID)

	again := do(t, h, http.MethodPost, "/api/auth/login", `{"username":"ada"}`)
	require.Equal(t, http.StatusOK, again.Code)
	var resp2 struct {
		User *domain.User `json:"user"`
	}
	decode(t, again, &resp2)
	assert.Equal(t, resp.User.ID, resp2.User.ID)
}

func TestLoginEndpointValidation(t *testing.T) {
	_, h := newTestAPI(t)

	rec := do(t, h, http.MethodPost, "/api/auth/login", `{"username":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/auth/login", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUserEndpoint(t *testing.T) {
	dir, h := newTestAPI(t)
	user, err := dir.Login(context.Background(), "ada")
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/api/users/"+user.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/users/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerEndpoints(t *testing.T) {
	_, h := newTestAPI(t)

	rec := do(t, h, http.MethodPost, "/api/servers", `{"name":"lounge"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		Server *domain.Server `json:"server"`
	}
	decode(t, rec, &created)
	require.NotNil(t, created.Server)
	require.Len(t, created.Server.Channels, 1)
	assert.Equal(t, "general", created.Server.Channels[0].Name)

	rec = do(t, h, http.MethodGet, "/api/servers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Servers []domain.Server `json:"servers"`
	}
	decode(t, rec, &listed)
	assert.Len(t, listed.Servers, 1)

	rec = do(t, h, http.MethodPost, "/api/servers", `{"name":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChannelEndpoints(t *testing.T) {
	dir, h := newTestAPI(t)
	server, err := dir.CreateServer(context.Background(), "lounge")
	require.NoError(t, err)

	rec := do(t, h, http.MethodPost, "/api/servers/"+server.ID+"/channels", `{"name":"radio","type":"voice"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Channel *domain.Channel `json:"channel"`
	}
	decode(t, rec, &created)
	assert.Equal(t, domain.ChannelTypeVoice, created.Channel.Type)

	rec = do(t, h, http.MethodPost, "/api/servers/nope/channels", `{"name":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetMessagesEndpoint(t *testing.T) {
	dir, h := newTestAPI(t)
	ctx := context.Background()
	server, err := dir.CreateServer(ctx, "lounge")
	require.NoError(t, err)
	channelID := server.Channels[0].ID

	_, err = dir.AppendMessage(ctx, server.ID, channelID, "hello", domain.UserRef{ID: "u1", Username: "ada"})
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/api/servers/"+server.ID+"/channels/"+channelID+"/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Messages []domain.Message `json:"messages"`
	}
	decode(t, rec, &resp)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "hello", resp.Messages[0].Content)

	rec = do(t, h, http.MethodGet, "/api/servers/"+server.ID+"/channels/nope/messages", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
