package connectors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) *KiteClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewKiteClient(&Config{
		KiteBaseURL:     srv.URL,
		KiteAPIKey:      "apikey",
		KiteAccessToken: "token",
		RequestTimeout:  2 * time.Second,
		RetryCount:      0,
		RetryWaitTime:   10 * time.Millisecond,
	})
}

func TestKiteAuthHeaders(t *testing.T) {
	var gotAuth, gotVersion string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotVersion = r.Header.Get("X-Kite-Version")
		fmt.Fprint(w, `{"status":"success","data":[]}`)
	}))

	if _, err := client.GetOrders(context.Background()); err != nil {
		t.Fatalf("GetOrders failed: %v", err)
	}
	if gotAuth != "token apikey:token" {
		t.Fatalf("unexpected Authorization header: %q", gotAuth)
	}
	if gotVersion != "3" {
		t.Fatalf("unexpected X-Kite-Version header: %q", gotVersion)
	}
}

func TestKiteTokenExceptionMapsToSentinel(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"status":"error","message":"Token is invalid or has expired.","error_type":"TokenException"}`)
	}))

	_, err := client.GetOrders(context.Background())
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if !IsAuthError(err) {
		t.Fatal("token expiry must classify as an auth error")
	}
}

func TestKiteAPIErrorCarriesType(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"status":"error","message":"Insufficient funds","error_type":"InputException"}`)
	}))

	_, err := client.PlaceOrder(context.Background(), VarietyRegular, OrderParams{Quantity: 50})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.ErrorType != "InputException" || apiErr.Message != "Insufficient funds" {
		t.Fatalf("unexpected API error: %+v", apiErr)
	}
	if IsAuthError(err) {
		t.Fatal("input exception must not classify as an auth error")
	}
}

func TestKiteGetOrderUsesLastHistoryEntry(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders/ord-1" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"status":"success","data":[
			{"order_id":"ord-1","status":"OPEN","filled_quantity":0,"order_timestamp":"2024-01-10 09:15:01"},
			{"order_id":"ord-1","status":"COMPLETE","filled_quantity":50,"average_price":151.25,"order_timestamp":"2024-01-10 09:15:03"}
		]}`)
	}))

	order, err := client.GetOrder(context.Background(), "ord-1")
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if order.Status != OrderStatusComplete {
		t.Fatalf("expected final status from history, got %q", order.Status)
	}
	if order.FilledQuantity != 50 || order.AveragePrice != 151.25 {
		t.Fatalf("unexpected fill: %+v", order)
	}
	if order.OrderTimestamp.IsZero() {
		t.Fatal("order timestamp not parsed")
	}
}

func TestKiteGetPositionsNetWinsOverDay(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"success","data":{
			"net":[{"tradingsymbol":"NIFTY24JAN18500CE","exchange":"NFO","product":"MIS","quantity":50,"average_price":150}],
			"day":[
				{"tradingsymbol":"NIFTY24JAN18500CE","exchange":"NFO","product":"MIS","quantity":25,"average_price":148},
				{"tradingsymbol":"NIFTY24JAN18600CE","exchange":"NFO","product":"MIS","quantity":-25,"average_price":90}
			]
		}}`)
	}))

	positions, err := client.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("GetPositions failed: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("expected merged book of 2, got %d: %+v", len(positions), positions)
	}
	if positions[0].TradingSymbol != "NIFTY24JAN18500CE" || positions[0].Quantity != 50 {
		t.Fatalf("net book entry must win: %+v", positions[0])
	}
	if positions[1].Quantity != -25 {
		t.Fatalf("day-only entry lost: %+v", positions[1])
	}
}

func TestKiteRetriesTransientFailures(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"status":"success","data":[]}`)
	}))
	defer srv.Close()

	client := NewKiteClient(&Config{
		KiteBaseURL:     srv.URL,
		KiteAPIKey:      "apikey",
		KiteAccessToken: "token",
		RequestTimeout:  2 * time.Second,
		RetryCount:      2,
		RetryWaitTime:   time.Millisecond,
	})

	if _, err := client.GetOrders(context.Background()); err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls (1 failure + 1 retry), got %d", calls)
	}
}

func TestParseInstrumentDump(t *testing.T) {
	const dump = `instrument_token,exchange_token,tradingsymbol,name,last_price,expiry,strike,tick_size,lot_size,instrument_type,segment,exchange
12345,48,NIFTY24JAN18500CE,NIFTY,0,2024-01-25,18500.0,0.05,50,CE,NFO-OPT,NFO
12346,49,NIFTY24JAN18500PE,NIFTY,0,2024-01-25,18500.0,0.05,50,PE,NFO-OPT,NFO
`

	instruments, err := parseInstrumentDump(dump)
	if err != nil {
		t.Fatalf("parseInstrumentDump failed: %v", err)
	}
	if len(instruments) != 2 {
		t.Fatalf("expected 2 instruments, got %d", len(instruments))
	}

	first := instruments[0]
	if first.Token != 12345 || first.TradingSymbol != "NIFTY24JAN18500CE" {
		t.Fatalf("unexpected instrument: %+v", first)
	}
	if first.Strike != 18500 || first.LotSize != 50 || first.InstrumentType != "CE" {
		t.Fatalf("contract fields not parsed: %+v", first)
	}
	if first.Expiry.Format("2006-01-02") != "2024-01-25" {
		t.Fatalf("expiry not parsed: %v", first.Expiry)
	}

	if _, err := parseInstrumentDump("instrument_token,tradingsymbol\n\"unterminated"); err == nil {
		t.Fatal("expected error for malformed CSV")
	}
}

func TestKiteGetMargins(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/user/margins/equity" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"status":"success","data":{"net":95000,"available":{"cash":100000},"utilised":{"debits":5000}}}`)
	}))

	margins, err := client.GetMargins(context.Background())
	if err != nil {
		t.Fatalf("GetMargins failed: %v", err)
	}
	if margins.AvailableCash != 100000 || margins.UsedMargin != 5000 || margins.Net != 95000 {
		t.Fatalf("unexpected margins: %+v", margins)
	}
}
