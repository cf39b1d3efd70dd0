// REST client for the Kite Connect v3 trading gateway.
// Resty with internal retry on transient HTTP failures.
package connectors

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	logger "github.com/sirupsen/logrus"
)

const kiteTimeLayout = "2006-01-02 15:04:05"

var kiteLocation = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}()

// kiteEnvelope is the uniform Kite response wrapper.
type kiteEnvelope struct {
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

// KiteClient implements Broker against the Kite Connect REST API.
type KiteClient struct {
	apiKey      string
	accessToken string
	http        *resty.Client
}

func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}

	code := r.StatusCode()
	if code >= 500 && code <= 599 {
		return true
	}
	if code == 429 {
		return true
	}
	if code == 408 {
		return true
	}
	return false
}

func NewKiteClient(cfg *Config) *KiteClient {
	baseURL := cfg.KiteBaseURL
	if baseURL == "" {
		baseURL = "https://api.kite.trade"
		logger.Warnf("No base URL provided, using default: %s", baseURL)
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(cfg.RequestTimeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWaitTime).
		AddRetryCondition(isRetryableResp).
		SetHeader("X-Kite-Version", "3")

	return &KiteClient{
		apiKey:      cfg.KiteAPIKey,
		accessToken: cfg.KiteAccessToken,
		http:        httpClient,
	}
}

// SetAccessToken swaps the session token after a re-login.
func (c *KiteClient) SetAccessToken(token string) {
	c.accessToken = token
}

func (c *KiteClient) doRequest(ctx context.Context, method, path string, query url.Values, form url.Values) (json.RawMessage, error) {
	req := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", fmt.Sprintf("token %s:%s", c.apiKey, c.accessToken))

	if query != nil {
		req = req.SetQueryParamsFromValues(query)
	}
	if form != nil {
		req = req.SetFormDataFromValues(form)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, err
	}

	var env kiteEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode(), string(resp.Body()))
	}

	if env.Status != "success" {
		if env.ErrorType == "TokenException" {
			logger.WithField("path", path).Warn("Kite session rejected, token expired")
			return nil, ErrTokenExpired
		}
		return nil, &APIError{
			Status:    resp.StatusCode(),
			ErrorType: env.ErrorType,
			Message:   env.Message,
		}
	}

	return env.Data, nil
}

func (c *KiteClient) PlaceOrder(ctx context.Context, variety string, params OrderParams) (*OrderReceipt, error) {
	form := url.Values{}
	form.Set("exchange", params.Exchange)
	form.Set("tradingsymbol", params.TradingSymbol)
	form.Set("transaction_type", params.TransactionType)
	form.Set("order_type", params.OrderType)
	form.Set("product", params.Product)
	form.Set("validity", params.Validity)
	form.Set("quantity", strconv.Itoa(params.Quantity))
	if params.Price > 0 {
		form.Set("price", strconv.FormatFloat(params.Price, 'f', 2, 64))
	}
	if params.TriggerPrice > 0 {
		form.Set("trigger_price", strconv.FormatFloat(params.TriggerPrice, 'f', 2, 64))
	}
	if params.Tag != "" {
		form.Set("tag", params.Tag)
	}

	data, err := c.doRequest(ctx, "POST", "/orders/"+variety, nil, form)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}

	return &OrderReceipt{OrderID: parsed.OrderID, Status: OrderStatusOpen}, nil
}

type kiteOrder struct {
	OrderID         string  `json:"order_id"`
	Status          string  `json:"status"`
	StatusMessage   string  `json:"status_message"`
	TradingSymbol   string  `json:"tradingsymbol"`
	Exchange        string  `json:"exchange"`
	TransactionType string  `json:"transaction_type"`
	OrderType       string  `json:"order_type"`
	Product         string  `json:"product"`
	Quantity        int     `json:"quantity"`
	FilledQuantity  int     `json:"filled_quantity"`
	PendingQuantity int     `json:"pending_quantity"`
	Price           float64 `json:"price"`
	AveragePrice    float64 `json:"average_price"`
	TriggerPrice    float64 `json:"trigger_price"`
	OrderTimestamp  string  `json:"order_timestamp"`
}

func (o kiteOrder) toBrokerOrder() BrokerOrder {
	ts, _ := time.ParseInLocation(kiteTimeLayout, o.OrderTimestamp, kiteLocation)
	return BrokerOrder{
		OrderID:         o.OrderID,
		Status:          o.Status,
		StatusMessage:   o.StatusMessage,
		TradingSymbol:   o.TradingSymbol,
		Exchange:        o.Exchange,
		TransactionType: o.TransactionType,
		OrderType:       o.OrderType,
		Product:         o.Product,
		Quantity:        o.Quantity,
		FilledQuantity:  o.FilledQuantity,
		PendingQuantity: o.PendingQuantity,
		Price:           o.Price,
		AveragePrice:    o.AveragePrice,
		TriggerPrice:    o.TriggerPrice,
		OrderTimestamp:  ts,
	}
}

// GetOrder returns the latest state of one order. The gateway responds with
// the full state-transition history; the last entry is current.
func (c *KiteClient) GetOrder(ctx context.Context, orderID string) (*BrokerOrder, error) {
	data, err := c.doRequest(ctx, "GET", "/orders/"+orderID, nil, nil)
	if err != nil {
		return nil, err
	}

	var history []kiteOrder
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, &APIError{Status: 404, ErrorType: "GeneralException", Message: "order not found: " + orderID}
	}

	order := history[len(history)-1].toBrokerOrder()
	return &order, nil
}

func (c *KiteClient) GetOrders(ctx context.Context) ([]BrokerOrder, error) {
	data, err := c.doRequest(ctx, "GET", "/orders", nil, nil)
	if err != nil {
		return nil, err
	}

	var raw []kiteOrder
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	orders := make([]BrokerOrder, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, o.toBrokerOrder())
	}
	return orders, nil
}

func (c *KiteClient) GetTrades(ctx context.Context) ([]BrokerTrade, error) {
	data, err := c.doRequest(ctx, "GET", "/trades", nil, nil)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		TradeID       string  `json:"trade_id"`
		OrderID       string  `json:"order_id"`
		TradingSymbol string  `json:"tradingsymbol"`
		Exchange      string  `json:"exchange"`
		Quantity      int     `json:"quantity"`
		AveragePrice  float64 `json:"average_price"`
		FillTimestamp string  `json:"fill_timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	trades := make([]BrokerTrade, 0, len(raw))
	for _, t := range raw {
		ts, _ := time.ParseInLocation(kiteTimeLayout, t.FillTimestamp, kiteLocation)
		trades = append(trades, BrokerTrade{
			TradeID:       t.TradeID,
			OrderID:       t.OrderID,
			TradingSymbol: t.TradingSymbol,
			Exchange:      t.Exchange,
			Quantity:      t.Quantity,
			AveragePrice:  t.AveragePrice,
			FillTimestamp: ts,
		})
	}
	return trades, nil
}

type kitePosition struct {
	TradingSymbol string  `json:"tradingsymbol"`
	Exchange      string  `json:"exchange"`
	Product       string  `json:"product"`
	Quantity      int     `json:"quantity"`
	AveragePrice  float64 `json:"average_price"`
	LastPrice     float64 `json:"last_price"`
	PnL           float64 `json:"pnl"`
}

// GetPositions merges the day and net books, net taking precedence for
// instruments present in both.
func (c *KiteClient) GetPositions(ctx context.Context) ([]BrokerPosition, error) {
	data, err := c.doRequest(ctx, "GET", "/portfolio/positions", nil, nil)
	if err != nil {
		return nil, err
	}

	var books struct {
		Net []kitePosition `json:"net"`
		Day []kitePosition `json:"day"`
	}
	if err := json.Unmarshal(data, &books); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	positions := make([]BrokerPosition, 0, len(books.Net))
	for _, book := range [][]kitePosition{books.Net, books.Day} {
		for _, p := range book {
			key := p.Exchange + ":" + p.TradingSymbol + ":" + p.Product
			if seen[key] {
				continue
			}
			seen[key] = true
			positions = append(positions, BrokerPosition{
				TradingSymbol: p.TradingSymbol,
				Exchange:      p.Exchange,
				Product:       p.Product,
				Quantity:      p.Quantity,
				AveragePrice:  p.AveragePrice,
				LastPrice:     p.LastPrice,
				PnL:           p.PnL,
			})
		}
	}
	return positions, nil
}

// GetQuote fetches market snapshots for up to 500 instruments keyed as
// "EXCHANGE:TRADINGSYMBOL".
func (c *KiteClient) GetQuote(ctx context.Context, instruments ...string) (map[string]Quote, error) {
	query := url.Values{}
	for _, inst := range instruments {
		query.Add("i", inst)
	}

	data, err := c.doRequest(ctx, "GET", "/quote", query, nil)
	if err != nil {
		return nil, err
	}

	var raw map[string]struct {
		LastPrice         float64 `json:"last_price"`
		OpenInterest      int64   `json:"oi"`
		Volume            int64   `json:"volume"`
		ImpliedVolatility float64 `json:"implied_volatility"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	quotes := make(map[string]Quote, len(raw))
	for key, q := range raw {
		quotes[key] = Quote{
			Instrument:        key,
			LastPrice:         q.LastPrice,
			OpenInterest:      q.OpenInterest,
			Volume:            q.Volume,
			ImpliedVolatility: q.ImpliedVolatility,
		}
	}
	return quotes, nil
}

// GetInstruments downloads and parses the CSV instrument dump for one
// exchange. The dump is large; callers should cache it per trading day.
func (c *KiteClient) GetInstruments(ctx context.Context, exchange string) ([]Instrument, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", fmt.Sprintf("token %s:%s", c.apiKey, c.accessToken)).
		Get("/instruments/" + exchange)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, &APIError{Status: resp.StatusCode(), ErrorType: "GeneralException", Message: string(resp.Body())}
	}

	return parseInstrumentDump(string(resp.Body()))
}

func parseInstrumentDump(body string) ([]Instrument, error) {
	reader := csv.NewReader(strings.NewReader(body))
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("malformed instrument dump: %w", err)
	}
	if len(records) < 2 {
		return nil, nil
	}

	col := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		col[name] = i
	}

	instruments := make([]Instrument, 0, len(records)-1)
	for _, rec := range records[1:] {
		token, _ := strconv.ParseUint(rec[col["instrument_token"]], 10, 32)
		strike, _ := strconv.ParseFloat(rec[col["strike"]], 64)
		lotSize, _ := strconv.Atoi(rec[col["lot_size"]])
		tickSize, _ := strconv.ParseFloat(rec[col["tick_size"]], 64)

		var expiry time.Time
		if raw := rec[col["expiry"]]; raw != "" {
			expiry, _ = time.ParseInLocation("2006-01-02", raw, kiteLocation)
		}

		instruments = append(instruments, Instrument{
			Token:          uint32(token),
			TradingSymbol:  rec[col["tradingsymbol"]],
			Name:           rec[col["name"]],
			Exchange:       rec[col["exchange"]],
			Segment:        rec[col["segment"]],
			InstrumentType: rec[col["instrument_type"]],
			Expiry:         expiry,
			Strike:         strike,
			LotSize:        lotSize,
			TickSize:       tickSize,
		})
	}
	return instruments, nil
}

func (c *KiteClient) GetMargins(ctx context.Context) (*Margins, error) {
	data, err := c.doRequest(ctx, "GET", "/user/margins/equity", nil, nil)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Net       float64 `json:"net"`
		Available struct {
			Cash float64 `json:"cash"`
		} `json:"available"`
		Utilised struct {
			Debits float64 `json:"debits"`
		} `json:"utilised"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}

	return &Margins{
		AvailableCash: parsed.Available.Cash,
		UsedMargin:    parsed.Utilised.Debits,
		Net:           parsed.Net,
	}, nil
}
