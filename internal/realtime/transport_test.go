package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// startEchoServer upgrades each request and echoes text frames back until the
// client goes away or sendClose asks it to close first.
func startEchoServer(t *testing.T, closeCode int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if closeCode != 0 {
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(closeCode, "going away"),
				time.Now().Add(time.Second),
			)
			// Wait for the client's close response before dropping the socket.
			conn.ReadMessage()
			return
		}

		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebsocketDialerEcho(t *testing.T) {
	srv := startEchoServer(t, 0)

	d := &WebsocketDialer{HandshakeTimeout: 2 * time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := d.Dial(ctx, wsURL(srv))
	require.NoError(t, err)
	defer tr.Close(CloseNormal)

	payload := []byte(`{"type":"ping"}`)
	require.NoError(t, tr.WriteMessage(payload))

	data, err := tr.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, payload, data)
}

func TestWebsocketDialerRefused(t *testing.T) {
	d := &WebsocketDialer{HandshakeTimeout: time.Second}
	_, err := d.Dial(context.Background(), "ws://127.0.0.1:1/ws/realtime/")
	require.Error(t, err)
}

func TestWebsocketCloseCodeSurfaces(t *testing.T) {
	for _, code := range []int{websocket.CloseNormalClosure, websocket.CloseGoingAway} {
		srv := startEchoServer(t, code)

		d := &WebsocketDialer{HandshakeTimeout: 2 * time.Second}
		tr, err := d.Dial(context.Background(), wsURL(srv))
		require.NoError(t, err)

		_, err = tr.ReadMessage()
		require.Error(t, err)

		var ce *CloseError
		require.ErrorAs(t, err, &ce)
		require.Equal(t, code, ce.Code)
		tr.Close(CloseNormal)
	}
}

func TestEndpoints(t *testing.T) {
	tests := []struct {
		name         string
		endpoints    Endpoints
		wantRealtime string
		wantMerchant string
	}{
		{
			name:         "plain host",
			endpoints:    Endpoints{Host: "dashboard.local:8000"},
			wantRealtime: "ws://dashboard.local:8000/ws/realtime/",
			wantMerchant: "ws://dashboard.local:8000/ws/merchant/",
		},
		{
			name:         "secure host",
			endpoints:    Endpoints{Host: "trading.example.com", Secure: true},
			wantRealtime: "wss://trading.example.com/ws/realtime/",
			wantMerchant: "wss://trading.example.com/ws/merchant/",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.wantRealtime, tt.endpoints.Realtime())
			require.Equal(t, tt.wantMerchant, tt.endpoints.Merchant())
		})
	}
}
