// FILE: gateway_coinbase.go
package main

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// CoinbaseGateway implements Gateway for Coinbase Advanced Trade.
//
// Auth modes:
//   - If a bearer token is configured, use it as is
//   - Else mint a short-lived JWT per request from key name + private key
//     (EC keys sign ES256, RSA keys RS256)
type CoinbaseGateway struct {
	apiBase string // default https://api.coinbase.com
	hc      *http.Client
	lim     *rate.Limiter
	log     *zap.Logger

	keyName     string
	signer      crypto.Signer
	bearerToken secret

	mu         sync.Mutex
	increments map[string]cbIncrements
}

type cbIncrements struct {
	baseStep float64
	tick     float64
}

// coinbaseAPIError covers both HTTP failures and success=false order replies.
type coinbaseAPIError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *coinbaseAPIError) Error() string {
	return fmt.Sprintf("coinbase: http %d %s: %s", e.Status, e.Code, e.Message)
}

func NewCoinbaseGateway(cfg CoinbaseConfig, tr Transport) (*CoinbaseGateway, error) {
	cb := &CoinbaseGateway{
		apiBase:     strings.TrimRight(cfg.BaseURL, "/"),
		hc:          httpClient(tr),
		lim:         newLimiter(tr.RPS, tr.Burst),
		log:         transportLogger(tr, "coinbase"),
		keyName:     strings.TrimSpace(cfg.KeyName),
		bearerToken: cfg.BearerToken,
		increments:  map[string]cbIncrements{},
	}
	if cb.apiBase == "" {
		cb.apiBase = "https://api.coinbase.com"
	}
	if cb.bearerToken != "" {
		return cb, nil
	}
	if cb.keyName == "" || cfg.PrivateKey == "" {
		return nil, errors.New("coinbase auth not configured (set COINBASE_BEARER_TOKEN or COINBASE_API_KEY_NAME + COINBASE_API_PRIVATE_KEY)")
	}
	signer, err := parseSigningKey(cfg.PrivateKey.reveal())
	if err != nil {
		return nil, fmt.Errorf("coinbase private key: %w", err)
	}
	cb.signer = signer
	return cb, nil
}

func (cb *CoinbaseGateway) Name() string { return "coinbase" }

func coinbaseProduct(symbol string) string { return dashedSymbol(symbol) }

// ---------- Gateway methods ----------

func (cb *CoinbaseGateway) FetchOrderBook(ctx context.Context, symbol string) (OrderBookSnapshot, error) {
	qs := url.Values{"product_id": []string{coinbaseProduct(symbol)}, "limit": []string{"5"}}
	var resp struct {
		Pricebook struct {
			Bids []cbLevel `json:"bids"`
			Asks []cbLevel `json:"asks"`
			Time string    `json:"time"`
		} `json:"pricebook"`
	}
	if err := cb.call(ctx, http.MethodGet, "/api/v3/brokerage/product_book", qs, nil, &resp); err != nil {
		return OrderBookSnapshot{}, newChaseError(KindMarketData, opFetchBook, err)
	}
	book := OrderBookSnapshot{Symbol: symbol, Time: time.Now().UTC()}
	if ts, err := time.Parse(time.RFC3339Nano, resp.Pricebook.Time); err == nil {
		book.Time = ts.UTC()
	}
	var err error
	if book.Bids, err = cbLevels(resp.Pricebook.Bids); err == nil {
		book.Asks, err = cbLevels(resp.Pricebook.Asks)
	}
	if err != nil {
		return OrderBookSnapshot{}, newChaseError(KindMarketData, opFetchBook, fmt.Errorf("product_book: %w", err))
	}
	return book, nil
}

type cbLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

func cbLevels(in []cbLevel) ([]BookLevel, error) {
	rows := make([][]string, len(in))
	for i, l := range in {
		rows[i] = []string{l.Price, l.Size}
	}
	return parseLevels(rows)
}

func (cb *CoinbaseGateway) PlaceLimitOrder(ctx context.Context, req OrderRequest) (OrderHandle, error) {
	product := coinbaseProduct(req.Symbol)
	inc, err := cb.productIncrements(ctx, product)
	if err != nil {
		return OrderHandle{}, newChaseError(KindOrderPlacement, opPlaceOrder, err)
	}
	qtyStr, pxStr, qty, px, err := snapOrder(req.Quantity, req.Price, inc.baseStep, inc.tick)
	if err != nil {
		return OrderHandle{}, newChaseError(KindOrderPlacement, opPlaceOrder, fmt.Errorf("coinbase %s: %w", product, err))
	}
	body := map[string]any{
		"client_order_id": req.ClientID,
		"product_id":      product,
		"side":            string(req.Side),
		"order_configuration": map[string]any{
			"limit_limit_gtc": map[string]any{
				"base_size":   qtyStr,
				"limit_price": pxStr,
				"post_only":   false,
			},
		},
	}
	var resp struct {
		Success         bool `json:"success"`
		SuccessResponse struct {
			OrderID string `json:"order_id"`
		} `json:"success_response"`
		ErrorResponse struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		} `json:"error_response"`
		OrderID string `json:"order_id"`
	}
	if err := cb.call(ctx, http.MethodPost, "/api/v3/brokerage/orders", nil, body, &resp); err != nil {
		return OrderHandle{}, newChaseError(KindOrderPlacement, opPlaceOrder, err)
	}
	orderID := firstNonEmpty(resp.SuccessResponse.OrderID, resp.OrderID)
	if !resp.Success || orderID == "" {
		return OrderHandle{}, newChaseError(KindOrderPlacement, opPlaceOrder, &coinbaseAPIError{
			Status:  http.StatusOK,
			Code:    firstNonEmpty(resp.ErrorResponse.Error, "UNKNOWN_FAILURE_REASON"),
			Message: resp.ErrorResponse.Message,
		})
	}
	return handleFor(req, orderID, px, qty), nil
}

func (cb *CoinbaseGateway) CancelOrder(ctx context.Context, h OrderHandle) error {
	body := map[string]any{"order_ids": []string{h.ID}}
	var resp struct {
		Results []struct {
			Success       bool   `json:"success"`
			FailureReason string `json:"failure_reason"`
			OrderID       string `json:"order_id"`
		} `json:"results"`
	}
	if err := cb.call(ctx, http.MethodPost, "/api/v3/brokerage/orders/batch_cancel", nil, body, &resp); err != nil {
		return newChaseError(KindOrderCancel, opCancelOrder, err)
	}
	for _, r := range resp.Results {
		if r.OrderID != h.ID {
			continue
		}
		if !r.Success {
			return newChaseError(KindOrderCancel, opCancelOrder,
				&coinbaseAPIError{Status: http.StatusOK, Code: r.FailureReason, Message: "cancel rejected"})
		}
		return nil
	}
	return newChaseError(KindOrderCancel, opCancelOrder, fmt.Errorf("coinbase cancel: order %s missing from results", h.ID))
}

func (cb *CoinbaseGateway) FetchOrderStatus(ctx context.Context, h OrderHandle) (OrderStatus, error) {
	var resp struct {
		Order struct {
			Status string `json:"status"`
		} `json:"order"`
	}
	path := "/api/v3/brokerage/orders/historical/" + url.PathEscape(h.ID)
	if err := cb.call(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return StatusUnknown, newChaseError(KindOrderQuery, opOrderStatus, err)
	}
	return coinbaseStatus(resp.Order.Status), nil
}

func coinbaseStatus(s string) OrderStatus {
	switch strings.ToUpper(s) {
	case "OPEN", "PENDING", "QUEUED", "CANCEL_QUEUED":
		return StatusOpen
	case "FILLED":
		return StatusFilled
	case "CANCELLED", "EXPIRED", "FAILED":
		return StatusCanceled
	}
	return StatusUnknown
}

func (cb *CoinbaseGateway) productIncrements(ctx context.Context, product string) (cbIncrements, error) {
	cb.mu.Lock()
	inc, ok := cb.increments[product]
	cb.mu.Unlock()
	if ok {
		return inc, nil
	}
	var p map[string]any
	if err := cb.call(ctx, http.MethodGet, "/api/v3/brokerage/products/"+url.PathEscape(product), nil, nil, &p); err != nil {
		return cbIncrements{}, err
	}
	inc = cbIncrements{
		baseStep: parseFloat(firstString(p["base_increment"], p["base_increment_value"])),
		tick:     parseFloat(firstString(p["price_increment"], p["quote_increment"])),
	}
	cb.mu.Lock()
	cb.increments[product] = inc
	cb.mu.Unlock()
	return inc, nil
}

// ---------- transport ----------

func (cb *CoinbaseGateway) call(ctx context.Context, method, path string, qs url.Values, body any, out any) error {
	if err := cb.lim.Wait(ctx); err != nil {
		return err
	}
	u := cb.apiBase + path
	if len(qs) > 0 {
		u += "?" + qs.Encode()
	}
	var rd *bytes.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(bs)
	}
	var req *http.Request
	var err error
	if rd != nil {
		req, err = http.NewRequestWithContext(ctx, method, u, rd)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, u, nil)
	}
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "chaselimit/coinbase-go")
	req.Header.Set("Accept", "application/json")
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := cb.addAuth(req); err != nil {
		return err
	}

	res, err := cb.hc.Do(req)
	if err != nil {
		return fmt.Errorf("coinbase %s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	rb := readBody(res)
	cb.log.Debug("coinbase request", zap.String("method", method), zap.String("path", path), zap.Int("status", res.StatusCode))
	if res.StatusCode >= 300 {
		apiErr := &coinbaseAPIError{Status: res.StatusCode}
		if json.Unmarshal(rb, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(rb))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rb, out); err != nil {
		return fmt.Errorf("coinbase %s: decode: %w", path, err)
	}
	return nil
}

// ---------- auth helpers ----------

func (cb *CoinbaseGateway) addAuth(req *http.Request) error {
	// Prefer fixed bearer if provided (useful if you supply externally-minted tokens)
	if cb.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+cb.bearerToken.reveal())
		return nil
	}
	uri := req.Method + " " + req.URL.Host + req.URL.Path
	token, err := mintCoinbaseJWT(cb.keyName, cb.signer, uri, 2*time.Minute)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// parseSigningKey accepts SEC1 EC, PKCS#1 RSA and PKCS#8 (EC or RSA) PEM keys.
func parseSigningKey(privatePEM string) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(privatePEM))
	if block == nil {
		return nil, errors.New("invalid private key (no PEM block)")
	}
	switch block.Type {
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		switch key := k.(type) {
		case *ecdsa.PrivateKey:
			return key, nil
		case *rsa.PrivateKey:
			return key, nil
		}
		return nil, fmt.Errorf("unsupported PKCS#8 key %T", k)
	}
	return nil, fmt.Errorf("unsupported key type: %s", block.Type)
}

// mintCoinbaseJWT signs a per-request token bound to uri ("GET host/path").
func mintCoinbaseJWT(keyName string, key crypto.Signer, uri string, ttl time.Duration) (string, error) {
	var method jwt.SigningMethod
	switch key.(type) {
	case *ecdsa.PrivateKey:
		method = jwt.SigningMethodES256
	case *rsa.PrivateKey:
		method = jwt.SigningMethodRS256
	default:
		return "", fmt.Errorf("unsupported signing key %T", key)
	}
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub": keyName,
		"iss": "cdp",
		"nbf": now.Unix(),
		"exp": now.Add(ttl).Unix(),
		"uri": uri,
		"jti": uuid.NewString(),
	}
	t := jwt.NewWithClaims(method, claims)
	t.Header["kid"] = keyName
	t.Header["nonce"] = hex.EncodeToString([]byte(uuid.NewString()))[:32]
	return t.SignedString(key)
}

// ---------- small utils ----------

func firstString(vals ...any) string {
	for _, v := range vals {
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s
			}
		case fmt.Stringer:
			if s := strings.TrimSpace(t.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

func parseFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		f, _ := parseDec(t)
		return f
	case float64:
		return t
	case json.Number:
		f, _ := t.Float64()
		return f
	default:
		return 0
	}
}
