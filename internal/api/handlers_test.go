package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gatewayClient struct {
	t       *testing.T
	handler http.Handler
}

func newGatewayClient(t *testing.T) *gatewayClient {
	r, engine := newTestRouter(t)
	hub := NewQuoteHub(engine.Quotes, nil)
	return &gatewayClient{t: t, handler: NewHTTPHandler(hub, NewGateway(r))}
}

func (c *gatewayClient) do(method, path string, body interface{}, headers map[string]string) (int, map[string]interface{}) {
	c.t.Helper()
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	c.handler.ServeHTTP(rr, req)

	var out map[string]interface{}
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	return rr.Code, out
}

func (c *gatewayClient) login(username string) string {
	c.t.Helper()
	creds := map[string]string{"username": username, "password": "pw"}
	code, _ := c.do(http.MethodPost, "/api/auth/register", creds, nil)
	require.Equal(c.t, http.StatusOK, code)
	code, resp := c.do(http.MethodPost, "/api/auth/login", creds, nil)
	require.Equal(c.t, http.StatusOK, code)
	return resp["token"].(string)
}

func TestGateway_Trading(t *testing.T) {
	c := newGatewayClient(t)
	admin := map[string]string{"X-Admin-Password": testAdminPassword}

	code, _ := c.do(http.MethodPost, "/api/admin/stocks",
		map[string]interface{}{"stock_code": "ACME", "company_name": "Acme Corp", "price": 50}, admin)
	require.Equal(t, http.StatusOK, code)

	code, resp := c.do(http.MethodPost, "/api/admin/stocks",
		map[string]interface{}{"stock_code": "BAD", "company_name": "Bad Inc", "price": "abc"}, admin)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid value for price", resp["message"])

	token := c.login("alice")
	auth := map[string]string{"Authorization": "Bearer " + token}

	tests := []struct {
		name       string
		order      map[string]interface{}
		wantStatus int
		wantKey    string
		wantValue  interface{}
	}{
		{
			name:       "Buy",
			order:      map[string]interface{}{"type": "buy", "stock_code": "ACME", "quantity": 10},
			wantStatus: http.StatusOK,
			wantKey:    "new_balance",
			wantValue:  float64(19500),
		},
		{
			name:       "Sell",
			order:      map[string]interface{}{"type": "sell", "stock_code": "ACME", "quantity": 5},
			wantStatus: http.StatusOK,
			wantKey:    "new_balance",
			wantValue:  float64(19750),
		},
		{
			name:       "Oversell",
			order:      map[string]interface{}{"type": "sell", "stock_code": "ACME", "quantity": 6},
			wantStatus: http.StatusBadRequest,
			wantKey:    "message",
			wantValue:  "insufficient holdings",
		},
		{
			name:       "BadType",
			order:      map[string]interface{}{"type": "short", "stock_code": "ACME", "quantity": 1},
			wantStatus: http.StatusBadRequest,
			wantKey:    "message",
			wantValue:  `type must be "buy" or "sell"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := c.do(http.MethodPost, "/api/orders", tt.order, auth)
			assert.Equal(t, tt.wantStatus, code)
			assert.Equal(t, tt.wantValue, resp[tt.wantKey])
		})
	}

	code, resp = c.do(http.MethodGet, "/api/portfolio", nil, auth)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(19750), resp["balance"])
	assert.Len(t, resp["holdings"], 1)

	code, resp = c.do(http.MethodGet, "/api/trades", nil, auth)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, resp["trades"], 2)

	code, resp = c.do(http.MethodGet, "/api/admin/users", nil, admin)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, resp["users"], 1)
}

func TestGateway_Auth(t *testing.T) {
	c := newGatewayClient(t)

	tests := []struct {
		name       string
		method     string
		path       string
		headers    map[string]string
		wantStatus int
	}{
		{name: "NoToken", method: http.MethodGet, path: "/api/portfolio", wantStatus: http.StatusUnauthorized},
		{name: "BadToken", method: http.MethodGet, path: "/api/trades", headers: map[string]string{"Authorization": "Bearer nope"}, wantStatus: http.StatusUnauthorized},
		{name: "NoAdminPassword", method: http.MethodGet, path: "/api/admin/users", wantStatus: http.StatusBadRequest},
		{name: "WrongAdminPassword", method: http.MethodDelete, path: "/api/admin/stocks/ACME", headers: map[string]string{"X-Admin-Password": "guess"}, wantStatus: http.StatusBadRequest},
		{name: "PublicStocks", method: http.MethodGet, path: "/api/stocks", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := c.do(tt.method, tt.path, nil, tt.headers)
			assert.Equal(t, tt.wantStatus, code)
		})
	}
}

func TestGateway_RPC(t *testing.T) {
	c := newGatewayClient(t)

	code, resp := c.do(http.MethodPost, "/api/rpc", `{"action":"register","username":"bob","password":"pw"}`, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, resp["success"])

	code, resp = c.do(http.MethodPost, "/api/rpc", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid JSON", resp["error"])

	code, resp = c.do(http.MethodPost, "/api/rpc", `{"action":"teleport"}`, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Unknown action", resp["error"])
}
