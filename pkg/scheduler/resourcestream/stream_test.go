package resourcestream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/flowmesh/pkg/rlist"
)

// fakeServer speaks the acquire subscription's wire protocol over a
// real websocket, writing exactly the frames the test hands it.
func fakeServer(t *testing.T, frames []frame) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		}
		// Hold the connection open until the client closes it, so
		// reads past the last frame block rather than erroring.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestSubscriptionInitialAndNext(t *testing.T) {
	up := "0-1"
	initial := &rlist.R{Version: 1}
	srv := fakeServer(t, []frame{
		{Type: "initial", R: initial},
		{Type: "update", Up: up},
	})
	defer srv.Close()

	sub, err := Dial(context.Background(), wsURL(srv.URL), nil, nil)
	require.NoError(t, err)
	defer sub.Close()

	r, err := sub.Initial()
	require.NoError(t, err)
	require.Equal(t, 1, r.Version)

	update, err := sub.Next()
	require.NoError(t, err)
	require.NotNil(t, update.Up)
	require.Equal(t, 2, update.Up.Count())
}

func TestSubscriptionInitialRejectsWrongFrameType(t *testing.T) {
	srv := fakeServer(t, []frame{{Type: "update", Up: "0"}})
	defer srv.Close()

	sub, err := Dial(context.Background(), wsURL(srv.URL), nil, nil)
	require.NoError(t, err)
	defer sub.Close()

	_, err = sub.Initial()
	require.Error(t, err)
}

func TestSubscriptionDecodesShrinkAndExpiration(t *testing.T) {
	exp := 123.5
	srv := fakeServer(t, []frame{
		{Type: "initial", R: &rlist.R{Version: 1}},
		{Type: "update", Down: "2-3", Expiration: &exp, Shrink: &rlist.R{
			Version: 1,
			Execution: rlist.RExecution{RLite: []rlist.RLiteEntry{
				{Rank: "3", Children: map[string]string{"core": "0-1"}},
			}},
		}},
	})
	defer srv.Close()

	sub, err := Dial(context.Background(), wsURL(srv.URL), nil, nil)
	require.NoError(t, err)
	defer sub.Close()

	_, err = sub.Initial()
	require.NoError(t, err)

	update, err := sub.Next()
	require.NoError(t, err)
	require.NotNil(t, update.Down)
	require.Equal(t, 2, update.Down.Count())
	require.NotNil(t, update.Shrink)
	require.Equal(t, 1, update.Shrink.Nnodes())
	require.NotNil(t, update.Expiration)
	require.Equal(t, exp, *update.Expiration)
}
