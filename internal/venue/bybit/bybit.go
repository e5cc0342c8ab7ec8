// Package bybit implements core.IVenue against the Bybit V5 REST API (linear USDT perpetuals,
// hedge mode, unified trading account)
package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"signal_router/internal/core"
	apperrors "signal_router/pkg/errors"
	httpclient "signal_router/pkg/http"
	"signal_router/pkg/retry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultBybitURL = "https://api.bybit.com"
	testnetBybitURL = "https://api-testnet.bybit.com"

	category = "linear"

	retCodeOrderNotFound = 110001
	retCodeNotModified   = 34040
	alreadyGoneMessage   = "order not exists or too late to cancel"
)

// Options configure one account's client
type Options struct {
	AccountID         int
	APIKey            string
	APISecret         string
	BaseURL           string
	Testnet           bool
	RecvWindow        int
	RequestsPerSecond float64
}

// Client is a Bybit venue client bound to one account
type Client struct {
	accountID int
	http      *httpclient.Client
	logger    core.ILogger
}

// NewClient creates a client. Reads are retried on transient venue codes; writes are sent once.
func NewClient(opts Options, logger core.ILogger) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBybitURL
		if opts.Testnet {
			baseURL = testnetBybitURL
		}
	}

	return &Client{
		accountID: opts.AccountID,
		http: httpclient.NewClient(baseURL, NewSigner(opts.APIKey, opts.APISecret, opts.RecvWindow), httpclient.Options{
			RequestsPerSecond: opts.RequestsPerSecond,
			Burst:             2,
		}),
		logger: logger.WithField("component", "bybit").WithField("account_id", opts.AccountID),
	}
}

func (c *Client) GetName() string {
	return "bybit"
}

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// VenueError carries a non-zero retCode together with the mapped sentinel
type VenueError struct {
	Code    int
	Message string
	Kind    error
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("bybit error: %s (%d)", e.Message, e.Code)
}

func (e *VenueError) Unwrap() error {
	return e.Kind
}

// Map Bybit error codes
// https://bybit-exchange.github.io/docs/v5/error
func parseError(code int, msg string) error {
	var kind error
	switch code {
	case 10001, 10002: // Params error, invalid request
		kind = apperrors.ErrInvalidOrderParameter
	case 10003, 10004, 10005: // API key invalid, error sign, permission denied
		kind = apperrors.ErrAuthenticationFailed
	case 10006: // Too many visits
		kind = apperrors.ErrRateLimitExceeded
	case 10016: // Service busy
		kind = apperrors.ErrSystemOverload
	case 110007, 110012, 110044: // Insufficient balance / available margin
		kind = apperrors.ErrInsufficientFunds
	case retCodeOrderNotFound:
		kind = apperrors.ErrOrderNotFound
	case 110017, 110094, 130006: // Reduce-only rejected, value below min
		kind = apperrors.ErrOrderRejected
	case 10029: // Symbol not whitelisted / invalid
		kind = apperrors.ErrInvalidSymbol
	default:
		if strings.Contains(strings.ToLower(msg), "timestamp") {
			kind = apperrors.ErrTimestampOutOfBounds
		}
	}
	return &VenueError{Code: code, Message: msg, Kind: kind}
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, apperrors.ErrRateLimitExceeded) ||
		errors.Is(err, apperrors.ErrSystemOverload)
}

func decodeEnvelope(body []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &env, nil
}

// get issues a signed GET, retries transient venue codes and decodes result into out
func (c *Client) get(ctx context.Context, path string, params map[string]string, out interface{}) error {
	return retry.Do(ctx, retry.DefaultPolicy, isTransientError, func() error {
		body, err := c.http.Get(ctx, path, params)
		if err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
		}
		env, err := decodeEnvelope(body)
		if err != nil {
			return err
		}
		if env.RetCode != 0 {
			return parseError(env.RetCode, env.RetMsg)
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(env.Result, out)
	})
}

// post issues a signed POST once and returns the raw envelope; a non-zero retCode is not an error here
func (c *Client) post(ctx context.Context, path string, payload interface{}) (*envelope, error) {
	body, err := c.http.Post(ctx, path, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	return decodeEnvelope(body)
}

type walletBalance struct {
	List []struct {
		TotalEquity           string `json:"totalEquity"`
		TotalAvailableBalance string `json:"totalAvailableBalance"`
		TotalPerpUPL          string `json:"totalPerpUPL"`
	} `json:"list"`
}

func (c *Client) fetchWallet(ctx context.Context) (*core.Balance, error) {
	var res walletBalance
	if err := c.get(ctx, "/v5/account/wallet-balance", map[string]string{"accountType": "UNIFIED"}, &res); err != nil {
		return nil, err
	}
	if len(res.List) == 0 {
		return nil, fmt.Errorf("%w: empty wallet balance", apperrors.ErrNotFound)
	}

	w := res.List[0]
	equity, err := decimal.NewFromString(w.TotalEquity)
	if err != nil {
		return nil, fmt.Errorf("failed to parse totalEquity %q: %w", w.TotalEquity, err)
	}
	return &core.Balance{
		AccountID:     c.accountID,
		Equity:        equity,
		Available:     parseDecimal(w.TotalAvailableBalance),
		UnrealisedPnL: parseDecimal(w.TotalPerpUPL),
	}, nil
}

func (c *Client) GetEquity(ctx context.Context) (decimal.Decimal, error) {
	b, err := c.fetchWallet(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Equity, nil
}

func (c *Client) GetBalance(ctx context.Context) (*core.Balance, error) {
	return c.fetchWallet(ctx)
}

type positionEntry struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	MarkPrice     string `json:"markPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	Leverage      string `json:"leverage"`
	StopLoss      string `json:"stopLoss"`
	TakeProfit    string `json:"takeProfit"`
	PositionIdx   int    `json:"positionIdx"`
}

type positionList struct {
	List           []positionEntry `json:"list"`
	NextPageCursor string          `json:"nextPageCursor"`
}

func (p positionEntry) direction() core.Direction {
	switch p.PositionIdx {
	case 1:
		return core.DirectionLong
	case 2:
		return core.DirectionShort
	}
	if p.Side == "Sell" {
		return core.DirectionShort
	}
	return core.DirectionLong
}

// ListOpenPositions pages through every USDT-settled linear position with a non-zero size
func (c *Client) ListOpenPositions(ctx context.Context) ([]core.VenuePosition, error) {
	var out []core.VenuePosition
	cursor := ""
	for {
		params := map[string]string{"category": category, "settleCoin": "USDT", "limit": "200"}
		if cursor != "" {
			params["cursor"] = cursor
		}

		var res positionList
		if err := c.get(ctx, "/v5/position/list", params, &res); err != nil {
			return nil, err
		}

		for _, p := range res.List {
			size := parseDecimal(p.Size)
			if size.IsZero() {
				continue
			}
			out = append(out, core.VenuePosition{
				AccountID:     c.accountID,
				Instrument:    p.Symbol,
				Direction:     p.direction(),
				Size:          size,
				AvgPrice:      parseDecimal(p.AvgPrice),
				MarkPrice:     parseDecimal(p.MarkPrice),
				UnrealisedPnL: parseDecimal(p.UnrealisedPnl),
				Leverage:      parseDecimal(p.Leverage),
				StopLoss:      parseDecimal(p.StopLoss),
				TakeProfit:    parseDecimal(p.TakeProfit),
			})
		}

		if res.NextPageCursor == "" || len(res.List) == 0 {
			return out, nil
		}
		cursor = res.NextPageCursor
	}
}

func (c *Client) GetInstrumentRules(ctx context.Context, symbol string) (*core.InstrumentRules, error) {
	var res struct {
		List []struct {
			Symbol      string `json:"symbol"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				QtyStep     string `json:"qtyStep"`
				MinOrderQty string `json:"minOrderQty"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := c.get(ctx, "/v5/market/instruments-info", map[string]string{"category": category, "symbol": symbol}, &res); err != nil {
		return nil, err
	}
	if len(res.List) == 0 {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}

	info := res.List[0]
	rules := &core.InstrumentRules{
		QuantityStep: parseDecimal(info.LotSizeFilter.QtyStep),
		MinQuantity:  parseDecimal(info.LotSizeFilter.MinOrderQty),
		PriceStep:    parseDecimal(info.PriceFilter.TickSize),
	}
	if !rules.QuantityStep.IsPositive() || !rules.PriceStep.IsPositive() {
		return nil, fmt.Errorf("%w: incomplete instrument info for %s", apperrors.ErrInvalidSymbol, symbol)
	}
	return rules, nil
}

// GetLeverage reads the configured leverage of the hedge-mode position for the direction
func (c *Client) GetLeverage(ctx context.Context, symbol string, dir core.Direction) (decimal.Decimal, error) {
	var res positionList
	if err := c.get(ctx, "/v5/position/list", map[string]string{"category": category, "symbol": symbol}, &res); err != nil {
		return decimal.Zero, err
	}
	for _, p := range res.List {
		if p.PositionIdx != dir.PositionIdx() {
			continue
		}
		lev := parseDecimal(p.Leverage)
		if !lev.IsPositive() {
			break
		}
		return lev, nil
	}
	return decimal.Zero, fmt.Errorf("%w: leverage for %s %s", apperrors.ErrNotFound, symbol, dir)
}

func triggerDirection(dir core.Direction) int {
	// 1: triggered when price rises to triggerPrice, 2: when it falls
	if dir == core.DirectionShort {
		return 2
	}
	return 1
}

// PlaceConditionalOrder places a market order that fires when the trigger price is crossed.
// A retCode rejection is returned as a rejected result, not as an error.
func (c *Client) PlaceConditionalOrder(ctx context.Context, spec core.OrderSpec) (*core.PlaceResult, error) {
	body := map[string]interface{}{
		"category":         category,
		"symbol":           spec.Instrument,
		"side":             spec.Direction.Side(),
		"orderType":        "Market",
		"qty":              spec.Quantity.String(),
		"triggerPrice":     spec.TriggerPrice.String(),
		"triggerDirection": triggerDirection(spec.Direction),
		"triggerBy":        "LastPrice",
		"positionIdx":      spec.Direction.PositionIdx(),
	}
	if spec.ClientOrderID != "" {
		body["orderLinkId"] = spec.ClientOrderID
	}

	env, err := c.post(ctx, "/v5/order/create", body)
	if err != nil {
		return nil, err
	}
	if env.RetCode != 0 {
		c.logger.Warn("Order rejected", "symbol", spec.Instrument, "code", env.RetCode, "reason", env.RetMsg)
		return &core.PlaceResult{Rejected: true, Code: env.RetCode, Reason: env.RetMsg}, nil
	}

	var res struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(env.Result, &res); err != nil {
		return nil, fmt.Errorf("failed to decode order result: %w", err)
	}
	return &core.PlaceResult{OrderRef: res.OrderID}, nil
}

// CancelOrder reports AlreadyGone when the venue no longer knows the order
func (c *Client) CancelOrder(ctx context.Context, symbol, orderRef string) (core.CancelOutcome, error) {
	env, err := c.post(ctx, "/v5/order/cancel", map[string]interface{}{
		"category": category,
		"symbol":   symbol,
		"orderId":  orderRef,
	})
	if err != nil {
		return core.CancelOutcomeCancelled, err
	}
	if env.RetCode == 0 {
		return core.CancelOutcomeCancelled, nil
	}
	if env.RetCode == retCodeOrderNotFound || strings.Contains(strings.ToLower(env.RetMsg), alreadyGoneMessage) {
		return core.CancelOutcomeAlreadyGone, nil
	}
	return core.CancelOutcomeCancelled, parseError(env.RetCode, env.RetMsg)
}

func (c *Client) SetProtection(ctx context.Context, spec core.ProtectionSpec) error {
	body := map[string]interface{}{
		"category":    category,
		"symbol":      spec.Instrument,
		"positionIdx": spec.Direction.PositionIdx(),
		"tpslMode":    "Full",
	}
	if spec.StopLoss.IsPositive() {
		body["stopLoss"] = spec.StopLoss.String()
	}
	if spec.TakeProfit.IsPositive() {
		body["takeProfit"] = spec.TakeProfit.String()
	}

	env, err := c.post(ctx, "/v5/position/trading-stop", body)
	if err != nil {
		return err
	}
	if env.RetCode != 0 && env.RetCode != retCodeNotModified {
		return parseError(env.RetCode, env.RetMsg)
	}
	return nil
}

// Transfer moves funds between member accounts. Must be called on the master account's client.
func (c *Client) Transfer(ctx context.Context, req core.TransferRequest) (string, error) {
	if !req.Amount.IsPositive() {
		return "", fmt.Errorf("%w: transfer amount must be positive", apperrors.ErrInvalidOrderParameter)
	}

	transferID := uuid.New().String()
	env, err := c.post(ctx, "/v5/asset/transfer/universal-transfer", map[string]interface{}{
		"transferId":      transferID,
		"coin":            req.Coin,
		"amount":          req.Amount.String(),
		"fromMemberId":    req.FromMemberID,
		"toMemberId":      req.ToMemberID,
		"fromAccountType": "UNIFIED",
		"toAccountType":   "UNIFIED",
	})
	if err != nil {
		return "", err
	}
	if env.RetCode != 0 {
		return "", parseError(env.RetCode, env.RetMsg)
	}
	return transferID, nil
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		if f, ferr := strconv.ParseFloat(s, 64); ferr == nil {
			return decimal.NewFromFloat(f)
		}
		return decimal.Zero
	}
	return d
}
