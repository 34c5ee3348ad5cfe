package gotcbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStatsDB struct {
	DBI
	mock.Mock
}

func (m *mockStatsDB) Stats(ctx context.Context) (DBStats, error) {
	args := m.Called(ctx)
	return args.Get(0).(DBStats), args.Error(1)
}

func newTestAPI(t testing.TB, b *Bot) *API {
	t.Helper()
	b.config.API.Enabled = true
	b.config.API.Listen = "127.0.0.1:0"
	api := newAPI(b, b.config.API)
	b.api = api
	return api
}

func apiGet(t testing.TB, api *API, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	return w
}

func TestAPIHealthCheck(t *testing.T) {
	b := newTestBot(t, &fakeModel{}, newMockDiscordSession())
	api := newTestAPI(t, b)
	b.discord.connected.Store(true)

	w := apiGet(t, api, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp healthCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, healthCheckResponse{DiscordGatewayConnected: true}, resp)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))
}

func TestAPIHealthCheckWorkers(t *testing.T) {
	b := newTestBot(t, &fakeModel{}, newMockDiscordSession())
	api := newTestAPI(t, b)

	gate := make(chan struct{})
	b.workers = newTestWorkers(t, func(context.Context, ChatEvent) { <-gate })
	t.Cleanup(func() { close(gate) })
	for i := 0; i < 3; i++ {
		require.NoError(
			t,
			b.workers.Enqueue(
				context.Background(),
				ChatEvent{ID: fmt.Sprintf("%d", i), ChannelID: "a", Timestamp: time.Now()},
			),
		)
	}
	require.Eventually(
		t,
		func() bool { return b.workers.Queued() == 2 },
		time.Second,
		5*time.Millisecond,
	)

	var resp healthCheckResponse
	w := apiGet(t, api, apiHealthCheck, nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Workers)
	assert.Equal(t, 2, resp.QueueSize)
}

func TestAPIRequestID(t *testing.T) {
	b := newTestBot(t, &fakeModel{}, newMockDiscordSession())
	api := newTestAPI(t, b)

	w := apiGet(t, api, apiHealthCheck, http.Header{xRequestIDHeader: []string{"abc-123"}})
	assert.Equal(t, "abc-123", w.Header().Get(xRequestIDHeader))

	first := apiGet(t, api, apiHealthCheck, nil).Header().Get(xRequestIDHeader)
	second := apiGet(t, api, apiHealthCheck, nil).Header().Get(xRequestIDHeader)
	assert.NotEqual(t, first, second)
}

func TestAPIStatus(t *testing.T) {
	session := newMockDiscordSession()
	b := newTestBot(t, &fakeModel{}, session)
	db := newTestDB(t)
	b.db = db
	b.dispatcher = NewReplyDispatcher(session, db, b.config.Dispatch, discardLogger())
	b.startedAt = time.Now().Add(-time.Hour)
	b.images = &fakeImages{}
	b.search = NewSearchAdapter(4, time.Second, discardLogger(), &fakeSearchProvider{name: "duckduckgo"})
	index, err := NewRetrievalIndex(
		b.model,
		EmbeddingRecord{ID: "a", Vector: []float32{1, 0, 0}},
		EmbeddingRecord{ID: "b", Vector: []float32{0, 1, 0}},
	)
	require.NoError(t, err)
	b.index = index
	api := newTestAPI(t, b)

	b.handleEvent(context.Background(), handlerEvent("1", "!help"))

	w := apiGet(t, api, apiPrefix+apiPathStatus, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, testBotUserID, resp.BotUserID)
	assert.Equal(t, int64(1), resp.EventsHandled)
	assert.Equal(t, "fake", resp.ModelBackend)
	assert.Equal(t, "fake", resp.ImageBackend)
	assert.Equal(t, []string{"duckduckgo"}, resp.SearchProviders)
	assert.Equal(t, 2, resp.IndexRecords)
	assert.Equal(t, 3, resp.IndexDimension)
	assert.Equal(t, "1h0m0s", resp.Uptime)
	require.NotNil(t, resp.Database)
	assert.Equal(t, int64(1), resp.Database.Messages)
	assert.Equal(t, int64(1), resp.Database.RepliesSent)

	assert.Equal(
		t,
		map[string]int{"GET " + apiPrefix + apiPathStatus: 1},
		api.RequestMetrics(),
	)
}

func TestAPIStatusWithoutDatabase(t *testing.T) {
	b := newTestBot(t, &fakeModel{}, newMockDiscordSession())
	api := newTestAPI(t, b)

	w := apiGet(t, api, apiPrefix+apiPathStatus, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotContains(t, resp, "database")
	assert.Equal(t, ImageBackendDisabled, resp["image_backend"])
	assert.Equal(t, []any{}, resp["search_providers"])
}

func TestAPIStatusDatabaseError(t *testing.T) {
	b := newTestBot(t, &fakeModel{}, newMockDiscordSession())
	db := &mockStatsDB{DBI: newTestDB(t)}
	db.On("Stats", mock.Anything).Return(DBStats{}, errors.New("database is locked"))
	b.db = db
	api := newTestAPI(t, b)

	w := apiGet(t, api, apiPrefix+apiPathStatus, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	db.AssertExpectations(t)

	var resp httpError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "error getting database stats", resp.Error)
}

func TestAPIServe(t *testing.T) {
	b := newTestBot(t, &fakeModel{}, newMockDiscordSession())
	api := newTestAPI(t, b)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	api.listener = ln

	errCh := make(chan error, 1)
	go func() {
		errCh <- api.Serve(context.Background())
	}()

	url := fmt.Sprintf("http://%s%s", ln.Addr().String(), apiHealthCheck)
	var resp *http.Response
	require.Eventually(
		t,
		func() bool {
			r, getErr := http.Get(url)
			if getErr != nil {
				return false
			}
			resp = r
			return true
		},
		2*time.Second,
		10*time.Millisecond,
	)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "discord_gateway_connected")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, api.httpServer.Shutdown(ctx))
	assert.ErrorIs(t, <-errCh, http.ErrServerClosed)
}

func TestAPIServeListenError(t *testing.T) {
	b := newTestBot(t, &fakeModel{}, newMockDiscordSession())
	b.config.API.Listen = "256.0.0.1:99999"
	api := newAPI(b, b.config.API)

	err := api.Serve(context.Background())
	assert.Error(t, err)
}
