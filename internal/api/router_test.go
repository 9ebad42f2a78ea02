package api

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/stocksim/internal/auth"
	"github.com/xtrntr/stocksim/internal/exchange"
	"golang.org/x/crypto/bcrypt"
)

const testAdminPassword = "admin123"

func newTestRouter(t *testing.T) (*Router, *exchange.Engine) {
	t.Helper()
	authService := auth.NewService("test-secret", time.Hour, auth.WithCost(bcrypt.MinCost))
	engine := exchange.NewEngine(exchange.NewMemStore(), authService)
	require.NoError(t, engine.Load(context.Background()))
	return NewRouter(engine, authService, testAdminPassword, nil), engine
}

// call sends a request through the router and returns the JSON-decoded reply
func call(t *testing.T, r *Router, req map[string]interface{}) map[string]interface{} {
	t.Helper()
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	return roundTrip(t, r.Handle(context.Background(), raw))
}

func roundTrip(t *testing.T, resp Response) map[string]interface{} {
	t.Helper()
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestRouter_Scenario(t *testing.T) {
	r, _ := newTestRouter(t)

	resp := call(t, r, map[string]interface{}{"action": "register", "username": "alice", "password": "pw"})
	assert.Equal(t, true, resp["success"])

	resp = call(t, r, map[string]interface{}{"action": "login", "username": "alice", "password": "pw"})
	require.Equal(t, true, resp["success"])
	assert.Equal(t, float64(20000), resp["balance"])
	userID := resp["user_id"]
	assert.NotEmpty(t, resp["token"])

	resp = call(t, r, map[string]interface{}{
		"action": "add_stock", "admin_password": testAdminPassword,
		"stock_code": "ACME", "company_name": "Acme Corp", "price": 100.00,
	})
	require.Equal(t, true, resp["success"])

	resp = call(t, r, map[string]interface{}{"action": "buy", "user_id": userID, "stock_code": "ACME", "quantity": 10})
	require.Equal(t, true, resp["success"], resp)
	assert.Equal(t, float64(19000), resp["new_balance"])

	resp = call(t, r, map[string]interface{}{"action": "sell", "user_id": userID, "stock_code": "ACME", "quantity": 4})
	require.Equal(t, true, resp["success"], resp)
	assert.Equal(t, float64(19400), resp["new_balance"])

	resp = call(t, r, map[string]interface{}{"action": "sell", "user_id": userID, "stock_code": "ACME", "quantity": 10})
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, exchange.ErrInsufficientHoldings.Error(), resp["message"])

	resp = call(t, r, map[string]interface{}{"action": "get_user_info", "user_id": userID})
	require.Equal(t, true, resp["success"])
	assert.Equal(t, float64(19400), resp["balance"])
	holdings := resp["holdings"].([]interface{})
	require.Len(t, holdings, 1)
	h := holdings[0].(map[string]interface{})
	assert.Equal(t, "ACME", h["stock_code"])
	assert.Equal(t, "Acme Corp", h["company_name"])
	assert.Equal(t, float64(6), h["quantity"])
	assert.Equal(t, float64(100), h["current_price"])
	assert.Equal(t, float64(600), h["value"])

	resp = call(t, r, map[string]interface{}{"action": "get_history", "user_id": userID})
	require.Equal(t, true, resp["success"])
	assert.Len(t, resp["trades"], 2)

	resp = call(t, r, map[string]interface{}{"action": "get_stocks"})
	require.Equal(t, true, resp["success"])
	stocks := resp["stocks"].(map[string]interface{})
	acme := stocks["ACME"].(map[string]interface{})
	assert.Equal(t, "Acme Corp", acme["company_name"])
	assert.Equal(t, float64(100), acme["price"])
	assert.Equal(t, float64(0), acme["change"])
}

func TestRouter_ProtocolErrors(t *testing.T) {
	r, _ := newTestRouter(t)

	tests := []struct {
		name string
		raw  string
		want map[string]interface{}
	}{
		{
			name: "MalformedJSON",
			raw:  `{"action": "login",`,
			want: map[string]interface{}{"error": "Invalid JSON"},
		},
		{
			name: "NotAnObject",
			raw:  `[1, 2]`,
			want: map[string]interface{}{"error": "Invalid JSON"},
		},
		{
			name: "UnknownAction",
			raw:  `{"action": "short_sell"}`,
			want: map[string]interface{}{"error": "Unknown action"},
		},
		{
			name: "MissingAction",
			raw:  `{"username": "alice"}`,
			want: map[string]interface{}{"error": "Unknown action"},
		},
		{
			name: "WrongFieldType",
			raw:  `{"action": "buy", "user_id": 1, "stock_code": "ACME", "quantity": "ten"}`,
			want: map[string]interface{}{"success": false, "message": "invalid value for quantity"},
		},
		{
			name: "MalformedPrice",
			raw:  `{"action": "add_stock", "admin_password": "` + testAdminPassword + `", "stock_code": "ACME", "price": "abc"}`,
			want: map[string]interface{}{"success": false, "message": "invalid value for price"},
		},
		{
			name: "PriceAsString",
			raw:  `{"action": "add_stock", "admin_password": "` + testAdminPassword + `", "stock_code": "QUUX", "company_name": "Quux", "price": "12.50"}`,
			want: map[string]interface{}{"success": true, "message": "stock added"},
		},
		{
			name: "MissingUser",
			raw:  `{"action": "buy", "stock_code": "ACME", "quantity": 1}`,
			want: map[string]interface{}{"success": false, "message": "user_id required"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := roundTrip(t, r.Handle(context.Background(), []byte(tt.raw)))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRouter_AdminGate(t *testing.T) {
	r, engine := newTestRouter(t)

	for _, action := range []string{"add_stock", "delete_stock", "get_users"} {
		for _, password := range []string{"", "wrong"} {
			t.Run(fmt.Sprintf("%s/%q", action, password), func(t *testing.T) {
				resp := call(t, r, map[string]interface{}{
					"action": action, "admin_password": password,
					"stock_code": "ACME", "company_name": "Acme", "price": 1,
				})
				assert.Equal(t, map[string]interface{}{"success": false, "message": "invalid admin credentials"}, resp)
			})
		}
	}
	assert.Empty(t, engine.Quotes(), "rejected admin request must not reach the engine")
}

func TestRouter_AdminActions(t *testing.T) {
	r, _ := newTestRouter(t)
	admin := func(fields map[string]interface{}) map[string]interface{} {
		fields["admin_password"] = testAdminPassword
		return call(t, r, fields)
	}

	resp := admin(map[string]interface{}{"action": "add_stock", "stock_code": "ACME", "company_name": "Acme", "price": 10})
	require.Equal(t, true, resp["success"])

	resp = admin(map[string]interface{}{"action": "add_stock", "stock_code": "ACME", "company_name": "Again", "price": 10})
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, exchange.ErrInstrumentExists.Error(), resp["message"])

	resp = call(t, r, map[string]interface{}{"action": "register", "username": "bob", "password": "pw"})
	require.Equal(t, true, resp["success"])
	bob := resp["user_id"]

	resp = call(t, r, map[string]interface{}{"action": "buy", "user_id": bob, "stock_code": "ACME", "quantity": 1})
	require.Equal(t, true, resp["success"])

	resp = admin(map[string]interface{}{"action": "delete_stock", "stock_code": "ACME"})
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, exchange.ErrHasHoldings.Error(), resp["message"])

	resp = admin(map[string]interface{}{"action": "get_users"})
	require.Equal(t, true, resp["success"])
	users := resp["users"].([]interface{})
	require.Len(t, users, 1)
	assert.Equal(t, "bob", users[0].(map[string]interface{})["username"])
	assert.Equal(t, float64(19990), users[0].(map[string]interface{})["balance"])

	resp = call(t, r, map[string]interface{}{"action": "sell", "user_id": bob, "stock_code": "ACME", "quantity": 1})
	require.Equal(t, true, resp["success"])

	resp = admin(map[string]interface{}{"action": "delete_stock", "stock_code": "ACME"})
	assert.Equal(t, true, resp["success"])

	resp = admin(map[string]interface{}{"action": "delete_stock", "stock_code": "ACME"})
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, exchange.ErrInstrumentNotFound.Error(), resp["message"])
}

func TestRouter_Token(t *testing.T) {
	r, _ := newTestRouter(t)
	call(t, r, map[string]interface{}{"action": "register", "username": "alice", "password": "pw"})
	call(t, r, map[string]interface{}{"action": "register", "username": "bob", "password": "pw"})
	login := call(t, r, map[string]interface{}{"action": "login", "username": "bob", "password": "pw"})
	require.Equal(t, true, login["success"])

	// The token identifies bob even when another user_id is supplied.
	resp := call(t, r, map[string]interface{}{"action": "get_user_info", "user_id": 1, "token": login["token"]})
	require.Equal(t, true, resp["success"])

	resp = call(t, r, map[string]interface{}{"action": "get_history", "token": login["token"]})
	require.Equal(t, true, resp["success"])

	resp = call(t, r, map[string]interface{}{"action": "get_user_info", "token": "forged"})
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, auth.ErrInvalidToken.Error(), resp["message"])
}

func TestRouter_FailureMessages(t *testing.T) {
	r, _ := newTestRouter(t)

	tests := []struct {
		name    string
		req     map[string]interface{}
		message string
	}{
		{
			name:    "BadLogin",
			req:     map[string]interface{}{"action": "login", "username": "ghost", "password": "pw"},
			message: exchange.ErrInvalidCredentials.Error(),
		},
		{
			name:    "UnknownUser",
			req:     map[string]interface{}{"action": "get_user_info", "user_id": 77},
			message: exchange.ErrUserNotFound.Error(),
		},
		{
			name:    "BuyUnknownStock",
			req:     map[string]interface{}{"action": "buy", "user_id": 77, "stock_code": "NOPE", "quantity": 1},
			message: exchange.ErrUserNotFound.Error(),
		},
		{
			name:    "ZeroQuantity",
			req:     map[string]interface{}{"action": "sell", "user_id": 77, "stock_code": "NOPE", "quantity": 0},
			message: exchange.ErrInvalidQuantity.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, r, tt.req)
			assert.Equal(t, false, resp["success"])
			assert.Equal(t, tt.message, resp["message"])
		})
	}

	resp := call(t, r, map[string]interface{}{"action": "register", "username": "alice", "password": "pw"})
	require.Equal(t, true, resp["success"])
	resp = call(t, r, map[string]interface{}{"action": "register", "username": "alice", "password": "pw2"})
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, exchange.ErrUsernameTaken.Error(), resp["message"])
}
