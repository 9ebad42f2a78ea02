package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

type ctxKey int

const userIDKey ctxKey = iota

const maxBodyBytes = 64 * 1024

// Gateway exposes the trading protocol over HTTP. Each route builds a Request
// and runs it through the same Router the TCP server uses.
type Gateway struct {
	router *Router
}

// NewGateway creates an HTTP gateway over router
func NewGateway(router *Router) *Gateway {
	return &Gateway{router: router}
}

// Routes mounts the gateway endpoints on r
func (g *Gateway) Routes(r chi.Router) {
	r.Post("/rpc", g.RPC)
	r.Post("/auth/register", g.Register)
	r.Post("/auth/login", g.Login)
	r.Get("/stocks", g.Stocks)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(g.JWTAuthMiddleware)
		r.Get("/portfolio", g.Portfolio)
		r.Get("/trades", g.Trades)
		r.Post("/orders", g.PlaceOrder)
	})

	// Admin endpoints (require X-Admin-Password)
	r.Post("/admin/stocks", g.AddStock)
	r.Delete("/admin/stocks/{code}", g.DeleteStock)
	r.Get("/admin/users", g.Users)
}

func writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	if ok, _ := resp["success"].(bool); !ok {
		w.WriteHeader(http.StatusBadRequest)
	}
	json.NewEncoder(w).Encode(resp)
}

func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, req *Request) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(req); err != nil {
		writeResponse(w, decodeFailure(err))
		return false
	}
	return true
}

// RPC accepts a raw protocol request, exactly as sent over TCP
func (g *Gateway) RPC(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeResponse(w, Response{"error": msgInvalidJSON})
		return
	}
	writeResponse(w, g.router.Handle(r.Context(), raw))
}

// Register handles user registration
func (g *Gateway) Register(w http.ResponseWriter, r *http.Request) {
	var req Request
	if !g.decode(w, r, &req) {
		return
	}
	req.Action = ActionRegister
	writeResponse(w, g.router.Dispatch(r.Context(), &req))
}

// Login handles user login
func (g *Gateway) Login(w http.ResponseWriter, r *http.Request) {
	var req Request
	if !g.decode(w, r, &req) {
		return
	}
	req.Action = ActionLogin
	writeResponse(w, g.router.Dispatch(r.Context(), &req))
}

// Stocks returns every listed stock
func (g *Gateway) Stocks(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, g.router.Dispatch(r.Context(), &Request{Action: ActionGetStocks}))
}

// JWTAuthMiddleware verifies the bearer token and puts the user id in the
// request context
func (g *Gateway) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if tokenString == "" {
			http.Error(w, `{"error": "Authorization header required"}`, http.StatusUnauthorized)
			return
		}

		userID, err := g.router.tokens.UserFromToken(tokenString)
		if err != nil {
			http.Error(w, `{"error": "Invalid or expired token"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) int {
	id, _ := ctx.Value(userIDKey).(int)
	return id
}

// Portfolio returns the caller's balance and holdings
func (g *Gateway) Portfolio(w http.ResponseWriter, r *http.Request) {
	req := &Request{Action: ActionGetUserInfo, UserID: userFromContext(r.Context())}
	writeResponse(w, g.router.Dispatch(r.Context(), req))
}

// Trades returns the caller's trade history
func (g *Gateway) Trades(w http.ResponseWriter, r *http.Request) {
	req := &Request{Action: ActionGetHistory, UserID: userFromContext(r.Context())}
	writeResponse(w, g.router.Dispatch(r.Context(), req))
}

// PlaceOrder buys or sells at the current price. The body carries
// {"type": "buy"|"sell", "stock_code", "quantity"}.
func (g *Gateway) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type      string `json:"type"`
		StockCode string `json:"stock_code"`
		Quantity  int64  `json:"quantity"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeResponse(w, Response{"error": msgInvalidJSON})
		return
	}

	req := &Request{
		UserID:    userFromContext(r.Context()),
		StockCode: body.StockCode,
		Quantity:  body.Quantity,
	}
	switch body.Type {
	case "buy":
		req.Action = ActionBuy
	case "sell":
		req.Action = ActionSell
	default:
		writeResponse(w, failure(`type must be "buy" or "sell"`))
		return
	}
	writeResponse(w, g.router.Dispatch(r.Context(), req))
}

// AddStock lists a new stock
func (g *Gateway) AddStock(w http.ResponseWriter, r *http.Request) {
	var req Request
	if !g.decode(w, r, &req) {
		return
	}
	req.Action = ActionAddStock
	req.AdminPassword = r.Header.Get("X-Admin-Password")
	writeResponse(w, g.router.Dispatch(r.Context(), &req))
}

// DeleteStock delists a stock nobody holds
func (g *Gateway) DeleteStock(w http.ResponseWriter, r *http.Request) {
	req := &Request{
		Action:        ActionDeleteStock,
		StockCode:     chi.URLParam(r, "code"),
		AdminPassword: r.Header.Get("X-Admin-Password"),
	}
	writeResponse(w, g.router.Dispatch(r.Context(), req))
}

// Users lists every user with their balance
func (g *Gateway) Users(w http.ResponseWriter, r *http.Request) {
	req := &Request{Action: ActionGetUsers, AdminPassword: r.Header.Get("X-Admin-Password")}
	writeResponse(w, g.router.Dispatch(r.Context(), req))
}
