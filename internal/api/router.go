package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"reflect"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/stocksim/internal/exchange"
	"github.com/xtrntr/stocksim/internal/models"
	"go.uber.org/zap"
)

// Action selects the operation of a request
type Action string

const (
	ActionRegister    Action = "register"
	ActionLogin       Action = "login"
	ActionGetStocks   Action = "get_stocks"
	ActionGetUserInfo Action = "get_user_info"
	ActionBuy         Action = "buy"
	ActionSell        Action = "sell"
	ActionAddStock    Action = "add_stock"
	ActionDeleteStock Action = "delete_stock"
	ActionGetUsers    Action = "get_users"
	ActionGetHistory  Action = "get_history"
)

const (
	msgInvalidJSON    = "Invalid JSON"
	msgUnknownAction  = "Unknown action"
	msgInvalidAdmin   = "invalid admin credentials"
	msgUserIDRequired = "user_id required"
	msgInternal       = "internal error, please retry"
)

// Engine is the trading engine as seen by the router
type Engine interface {
	Register(ctx context.Context, username, password string) (*models.User, error)
	Login(ctx context.Context, username, password string) (*exchange.LoginResult, error)
	Quotes() map[string]models.Quote
	Portfolio(userID int) (*exchange.Portfolio, error)
	Buy(ctx context.Context, userID int, code string, qty int64) (decimal.Decimal, error)
	Sell(ctx context.Context, userID int, code string, qty int64) (decimal.Decimal, error)
	AddInstrument(ctx context.Context, code, name string, price decimal.Decimal) error
	RemoveInstrument(ctx context.Context, code string) error
	ListUsers() []models.User
	History(ctx context.Context, userID int) ([]models.TradeRecord, error)
}

// TokenVerifier resolves a session token to a user id
type TokenVerifier interface {
	UserFromToken(token string) (int, error)
}

// Request is one decoded client request. Fields not used by the action are
// ignored.
type Request struct {
	Action        Action          `json:"action"`
	Username      string          `json:"username"`
	Password      string          `json:"password"`
	UserID        int             `json:"user_id"`
	Token         string          `json:"token"`
	StockCode     string          `json:"stock_code"`
	CompanyName   string          `json:"company_name"`
	Price         Amount          `json:"price"`
	Quantity      int64           `json:"quantity"`
	AdminPassword string          `json:"admin_password"`
}

// Amount is a decimal request field given as a JSON number or numeric string
type Amount struct {
	decimal.Decimal
}

// UnmarshalJSON reports a malformed value as a type error, so it is answered
// like any other wrongly typed field
func (a *Amount) UnmarshalJSON(data []byte) error {
	if err := a.Decimal.UnmarshalJSON(data); err != nil {
		return &json.UnmarshalTypeError{Value: string(data), Type: reflect.TypeOf(a.Decimal), Field: "price"}
	}
	return nil
}

// Response is one encoded reply
type Response map[string]interface{}

func success(fields Response) Response {
	if fields == nil {
		fields = Response{}
	}
	fields["success"] = true
	return fields
}

func failure(message string) Response {
	return Response{"success": false, "message": message}
}

// money renders a decimal as a JSON number with two decimals
func money(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(2))
}

type handlerFunc func(ctx context.Context, req *Request) Response

type route struct {
	admin    bool
	needUser bool
	handle   handlerFunc
}

// Router decodes requests, dispatches them to the engine and encodes replies
type Router struct {
	engine        Engine
	tokens        TokenVerifier
	adminPassword string
	log           *zap.Logger
	routes        map[Action]route
}

// NewRouter creates a router. Admin actions require adminPassword.
func NewRouter(engine Engine, tokens TokenVerifier, adminPassword string, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Router{engine: engine, tokens: tokens, adminPassword: adminPassword, log: log}
	r.routes = map[Action]route{
		ActionRegister:    {handle: r.register},
		ActionLogin:       {handle: r.login},
		ActionGetStocks:   {handle: r.getStocks},
		ActionGetUserInfo: {needUser: true, handle: r.getUserInfo},
		ActionBuy:         {needUser: true, handle: r.buy},
		ActionSell:        {needUser: true, handle: r.sell},
		ActionGetHistory:  {needUser: true, handle: r.getHistory},
		ActionAddStock:    {admin: true, handle: r.addStock},
		ActionDeleteStock: {admin: true, handle: r.deleteStock},
		ActionGetUsers:    {admin: true, handle: r.getUsers},
	}
	return r
}

// Handle decodes one raw request and returns its reply
func (r *Router) Handle(ctx context.Context, raw []byte) Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return decodeFailure(err)
	}
	return r.Dispatch(ctx, &req)
}

// decodeFailure answers a request that could not be decoded. A wrongly typed
// field is a failed request, anything else is not JSON we understand.
func decodeFailure(err error) Response {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return failure("invalid value for " + typeErr.Field)
	}
	return Response{"error": msgInvalidJSON}
}

// Dispatch runs a decoded request
func (r *Router) Dispatch(ctx context.Context, req *Request) Response {
	rt, ok := r.routes[req.Action]
	if !ok {
		return Response{"error": msgUnknownAction}
	}

	if rt.admin && !r.isAdmin(req.AdminPassword) {
		r.log.Warn("rejected admin request", zap.String("action", string(req.Action)))
		return failure(msgInvalidAdmin)
	}

	if req.Token != "" {
		userID, err := r.tokens.UserFromToken(req.Token)
		if err != nil {
			return failure(err.Error())
		}
		req.UserID = userID
	}
	if rt.needUser && req.UserID == 0 {
		return failure(msgUserIDRequired)
	}

	return rt.handle(ctx, req)
}

func (r *Router) isAdmin(password string) bool {
	if r.adminPassword == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(r.adminPassword)) == 1
}

// fail converts an engine error into a reply, hiding internal failures
func (r *Router) fail(req *Request, err error) Response {
	switch exchange.KindOf(err) {
	case exchange.KindPersistence, exchange.KindInternal:
		r.log.Error("request failed",
			zap.String("action", string(req.Action)),
			zap.Int("user_id", req.UserID),
			zap.Error(err))
		return failure(msgInternal)
	default:
		return failure(err.Error())
	}
}

func (r *Router) register(ctx context.Context, req *Request) Response {
	user, err := r.engine.Register(ctx, req.Username, req.Password)
	if err != nil {
		return r.fail(req, err)
	}
	return success(Response{"message": "registration successful", "user_id": user.ID})
}

func (r *Router) login(ctx context.Context, req *Request) Response {
	res, err := r.engine.Login(ctx, req.Username, req.Password)
	if err != nil {
		return r.fail(req, err)
	}
	return success(Response{
		"user_id": res.UserID,
		"balance": money(res.Balance),
		"token":   res.Token,
	})
}

type stockView struct {
	CompanyName string      `json:"company_name"`
	Price       json.Number `json:"price"`
	Change      json.Number `json:"change"`
}

func quoteViews(quotes map[string]models.Quote) map[string]stockView {
	out := make(map[string]stockView, len(quotes))
	for code, q := range quotes {
		out[code] = stockView{CompanyName: q.Name, Price: money(q.Price), Change: money(q.ChangePct)}
	}
	return out
}

func (r *Router) getStocks(ctx context.Context, req *Request) Response {
	return success(Response{"stocks": quoteViews(r.engine.Quotes())})
}

type holdingView struct {
	StockCode    string      `json:"stock_code"`
	CompanyName  string      `json:"company_name"`
	Quantity     int64       `json:"quantity"`
	CurrentPrice json.Number `json:"current_price"`
	Value        json.Number `json:"value"`
}

func (r *Router) getUserInfo(ctx context.Context, req *Request) Response {
	p, err := r.engine.Portfolio(req.UserID)
	if err != nil {
		return r.fail(req, err)
	}
	holdings := make([]holdingView, 0, len(p.Holdings))
	for _, h := range p.Holdings {
		holdings = append(holdings, holdingView{
			StockCode:    h.Code,
			CompanyName:  h.Name,
			Quantity:     h.Quantity,
			CurrentPrice: money(h.Price),
			Value:        money(h.Value),
		})
	}
	return success(Response{"balance": money(p.Balance), "holdings": holdings})
}

func (r *Router) buy(ctx context.Context, req *Request) Response {
	balance, err := r.engine.Buy(ctx, req.UserID, req.StockCode, req.Quantity)
	if err != nil {
		return r.fail(req, err)
	}
	return success(Response{"message": "purchase successful", "new_balance": money(balance)})
}

func (r *Router) sell(ctx context.Context, req *Request) Response {
	balance, err := r.engine.Sell(ctx, req.UserID, req.StockCode, req.Quantity)
	if err != nil {
		return r.fail(req, err)
	}
	return success(Response{"message": "sale successful", "new_balance": money(balance)})
}

type tradeView struct {
	ID        int         `json:"id"`
	StockCode string      `json:"stock_code"`
	Type      models.Side `json:"type"`
	Price     json.Number `json:"price"`
	Quantity  int64       `json:"quantity"`
	Timestamp string      `json:"timestamp"`
}

func (r *Router) getHistory(ctx context.Context, req *Request) Response {
	trades, err := r.engine.History(ctx, req.UserID)
	if err != nil {
		return r.fail(req, err)
	}
	views := make([]tradeView, 0, len(trades))
	for _, t := range trades {
		views = append(views, tradeView{
			ID:        t.ID,
			StockCode: t.Code,
			Type:      t.Side,
			Price:     money(t.Price),
			Quantity:  t.Quantity,
			Timestamp: t.ExecutedAt.Format("2006-01-02 15:04:05"),
		})
	}
	return success(Response{"trades": views})
}

func (r *Router) addStock(ctx context.Context, req *Request) Response {
	if err := r.engine.AddInstrument(ctx, req.StockCode, req.CompanyName, req.Price.Decimal); err != nil {
		return r.fail(req, err)
	}
	return success(Response{"message": "stock added"})
}

func (r *Router) deleteStock(ctx context.Context, req *Request) Response {
	if err := r.engine.RemoveInstrument(ctx, req.StockCode); err != nil {
		return r.fail(req, err)
	}
	return success(Response{"message": "stock deleted"})
}

type userView struct {
	ID       int         `json:"id"`
	Username string      `json:"username"`
	Balance  json.Number `json:"balance"`
}

func (r *Router) getUsers(ctx context.Context, req *Request) Response {
	users := r.engine.ListUsers()
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	views := make([]userView, 0, len(users))
	for _, u := range users {
		views = append(views, userView{ID: u.ID, Username: u.Username, Balance: money(u.Balance)})
	}
	return success(Response{"users": views})
}
