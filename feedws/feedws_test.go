package feedws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ccbrown/keyvaluestore/memorystore"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccbrown/livefeed"
	"github.com/ccbrown/livefeed/backend"
	"github.com/ccbrown/livefeed/model"
	"github.com/ccbrown/livefeed/store"
)

func newTestServer(t *testing.T) (*Server, string) {
	logger, _ := test.NewNullLogger()
	s := &Server{
		Backend: &store.Store{
			Backend: memorystore.NewBackend(),
			Logger:  logger,
		},
		Logger: logger,
	}
	httpServer := httptest.NewServer(s)
	t.Cleanup(func() {
		s.CloseHijackedConnections()
		httpServer.Close()
	})
	return s, "ws" + strings.TrimPrefix(httpServer.URL, "http")
}

func dial(t *testing.T, url string) *Client {
	logger, _ := test.NewNullLogger()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, &DialOptions{
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
	})
	return c
}

func nextSnapshot(t *testing.T, sub *backend.Subscription) *backend.Snapshot {
	select {
	case snapshot, ok := <-sub.Snapshots():
		require.True(t, ok, "subscription ended: %v", sub.Err())
		return snapshot
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for snapshot")
	}
	return nil
}

func decode(t *testing.T, entry backend.Entry) backend.Record {
	r, err := backend.DecodeRecord(entry.Value)
	require.NoError(t, err)
	return r
}

func TestServer_NotWebSocket(t *testing.T) {
	s := &Server{}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest("GET", "/feed", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_HandleInit(t *testing.T) {
	s, url := newTestServer(t)

	type initPayload struct {
		Token string `json:"token"`
	}
	s.HandleInit = func(ctx context.Context, parameters json.RawMessage) (context.Context, error) {
		var payload initPayload
		if err := json.Unmarshal(parameters, &payload); err != nil {
			return nil, err
		} else if payload.Token != "secret" {
			return nil, errors.New("bad token")
		}
		return ctx, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Dial(ctx, url, &DialOptions{
		InitPayload: initPayload{Token: "wrong"},
	})
	assert.Error(t, err)

	c, err := Dial(ctx, url, &DialOptions{
		InitPayload: initPayload{Token: "secret"},
	})
	require.NoError(t, err)
	assert.NoError(t, c.Close())
}

func TestClient(t *testing.T) {
	_, url := newTestServer(t)
	c := dial(t, url)
	ctx := context.Background()

	sub, err := c.SubscribeOrdered(ctx, "messages", "createdAt")
	require.NoError(t, err)
	defer sub.Stop()
	assert.True(t, nextSnapshot(t, sub).IsEmpty())

	key, err := c.Append(ctx, "messages", backend.Record{
		"text":      "hello",
		"createdAt": backend.ServerTimestamp,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, key)

	snapshot := nextSnapshot(t, sub)
	require.Len(t, snapshot.Entries, 1)
	assert.Equal(t, key, snapshot.Entries[0].Key)
	created := decode(t, snapshot.Entries[0])
	assert.Equal(t, "hello", created["text"])
	createdAt, ok := created.Number("createdAt")
	require.True(t, ok)
	assert.True(t, createdAt > 0)

	require.NoError(t, c.Overwrite(ctx, "messages", key, backend.Record{
		"text":      "hello world",
		"createdAt": int64(createdAt),
		"editedAt":  backend.ServerTimestamp,
	}))
	edited := decode(t, nextSnapshot(t, sub).Entries[0])
	assert.Equal(t, "hello world", edited["text"])
	editedAt, ok := edited.Number("editedAt")
	require.True(t, ok)
	assert.True(t, editedAt > createdAt)
	after, _ := edited.Number("createdAt")
	assert.Equal(t, createdAt, after)

	require.NoError(t, c.Remove(ctx, "messages", key))
	assert.True(t, nextSnapshot(t, sub).IsEmpty())

	t.Run("WriteError", func(t *testing.T) {
		err := c.Overwrite(ctx, "messages", "a:b", backend.Record{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid key")
	})

	t.Run("SubscribeError", func(t *testing.T) {
		sub, err := c.SubscribeOrdered(ctx, "", "createdAt")
		require.NoError(t, err)
		for range sub.Snapshots() {
		}
		require.Error(t, sub.Err())
		assert.Contains(t, sub.Err().Error(), "invalid collection")
	})

	t.Run("Stop", func(t *testing.T) {
		sub, err := c.SubscribeOrdered(ctx, "stopped", "createdAt")
		require.NoError(t, err)
		nextSnapshot(t, sub)
		sub.Stop()
		for range sub.Snapshots() {
		}
		assert.NoError(t, sub.Err())

		// the connection is still usable
		_, err = c.Append(ctx, "stopped", backend.Record{})
		assert.NoError(t, err)
	})
}

func TestClient_ConnectionLost(t *testing.T) {
	s, url := newTestServer(t)
	c := dial(t, url)
	ctx := context.Background()

	sub, err := c.SubscribeOrdered(ctx, "messages", "createdAt")
	require.NoError(t, err)
	defer sub.Stop()
	nextSnapshot(t, sub)

	s.CloseHijackedConnections()

	for range sub.Snapshots() {
	}
	assert.Error(t, sub.Err())

	require.Eventually(t, func() bool {
		return c.Err() != nil
	}, 5*time.Second, 10*time.Millisecond)

	_, err = c.Append(ctx, "messages", backend.Record{})
	assert.Error(t, err)
	_, err = c.SubscribeOrdered(ctx, "messages", "createdAt")
	assert.Error(t, err)
}

func TestClient_Close(t *testing.T) {
	_, url := newTestServer(t)
	c := dial(t, url)

	sub, err := c.SubscribeOrdered(context.Background(), "messages", "createdAt")
	require.NoError(t, err)
	nextSnapshot(t, sub)

	require.NoError(t, c.Close())
	for range sub.Snapshots() {
	}
	assert.Equal(t, ErrClientClosed, sub.Err())
	assert.Equal(t, ErrClientClosed, c.Err())
}

func TestFeed(t *testing.T) {
	s, url := newTestServer(t)
	c := dial(t, url)
	ctx := context.Background()
	logger, _ := test.NewNullLogger()

	f, err := livefeed.New(&livefeed.Config{
		Backend: c,
		Logger:  logger,
	})
	require.NoError(t, err)
	require.NoError(t, f.Subscribe(ctx))
	defer f.Unsubscribe()

	waitFor := func(condition func(livefeed.State) bool) livefeed.State {
		var state livefeed.State
		require.Eventually(t, func() bool {
			state = f.State()
			return condition(state)
		}, 5*time.Second, 10*time.Millisecond)
		return state
	}

	waitFor(func(s livefeed.State) bool { return s.Status == livefeed.StatusReady })

	alice := model.Identity{Id: "u1", Name: "Alice"}
	require.NoError(t, f.Create(ctx, "first", alice))
	require.NoError(t, f.Create(ctx, "second", alice))

	state := waitFor(func(s livefeed.State) bool { return len(s.Messages) == 2 })
	assert.Equal(t, "first", state.Messages[0].Text)
	assert.Equal(t, "second", state.Messages[1].Text)
	assert.True(t, state.Messages[0].CreatedAt < state.Messages[1].CreatedAt)
	assert.Equal(t, alice.Name, state.Messages[0].AuthorName)

	require.NoError(t, f.Edit(ctx, state.Messages[0], "first!"))
	state = waitFor(func(s livefeed.State) bool { return len(s.Messages) == 2 && s.Messages[0].IsEdited() })
	assert.Equal(t, "first!", state.Messages[0].Text)
	assert.True(t, *state.Messages[0].EditedAt > state.Messages[0].CreatedAt)

	require.NoError(t, f.Delete(ctx, state.Messages[1].Id))
	waitFor(func(s livefeed.State) bool { return len(s.Messages) == 1 })

	s.CloseHijackedConnections()
	state = waitFor(func(s livefeed.State) bool { return s.Status == livefeed.StatusErrored })
	var subscriptionErr *livefeed.SubscriptionError
	assert.True(t, errors.As(state.Err, &subscriptionErr))
	assert.Len(t, state.Messages, 1)

	err = f.Create(ctx, "offline", alice)
	var writeErr *livefeed.WriteError
	assert.True(t, errors.As(err, &writeErr))
}
