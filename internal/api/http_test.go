package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/stocksim/internal/models"
)

func staticQuotes() map[string]models.Quote {
	return map[string]models.Quote{
		"ACME": {Name: "Acme Corp", Price: decimal.RequireFromString("100.5"), ChangePct: decimal.RequireFromString("0.5")},
	}
}

func TestHTTPHandler(t *testing.T) {
	hub := NewQuoteHub(staticQuotes, nil)
	handler := NewHTTPHandler(hub, nil)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "Health",
			path:       "/healthz",
			wantStatus: http.StatusOK,
			wantBody:   `{"status":"ok"}`,
		},
		{
			name:       "Quotes",
			path:       "/quotes",
			wantStatus: http.StatusOK,
			wantBody:   `{"stocks":{"ACME":{"company_name":"Acme Corp","price":100.50,"change":0.50}},"success":true}`,
		},
		{
			name:       "NotFound",
			path:       "/orders",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, rr.Body.String())
			}
		})
	}
}

func TestQuoteHub_Websocket(t *testing.T) {
	hub := NewQuoteHub(staticQuotes, nil)
	srv := httptest.NewServer(NewHTTPHandler(hub, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() map[string]interface{} {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}

	// Snapshot on connect
	msg := read()
	assert.Equal(t, true, msg["success"])
	assert.Contains(t, msg["stocks"], "ACME")

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	hub.Broadcast(map[string]models.Quote{
		"ACME": {Name: "Acme Corp", Price: decimal.RequireFromString("101"), ChangePct: decimal.RequireFromString("1")},
	})
	msg = read()
	acme := msg["stocks"].(map[string]interface{})["ACME"].(map[string]interface{})
	assert.Equal(t, float64(101), acme["price"])

	conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}
