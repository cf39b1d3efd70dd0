package connectors

import (
	"context"
	"errors"
	"time"

	logger "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// CircuitBreakerBroker wraps a Broker with circuit breaker protection so a
// flapping gateway stops consuming order-placement attempts.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures trip behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		// Token expiry is a session problem, not a gateway outage; it must
		// not open the circuit.
		IsSuccessful: func(err error) bool {
			return err == nil || IsAuthError(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logger.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execCircuitBreaker is a generic helper for the wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, variety string, params OrderParams) (*OrderReceipt, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderReceipt, error) {
		return b.PlaceOrder(ctx, variety, params)
	})
}

func (c *CircuitBreakerBroker) GetOrder(ctx context.Context, orderID string) (*BrokerOrder, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*BrokerOrder, error) {
		return b.GetOrder(ctx, orderID)
	})
}

func (c *CircuitBreakerBroker) GetOrders(ctx context.Context) ([]BrokerOrder, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]BrokerOrder, error) {
		return b.GetOrders(ctx)
	})
}

func (c *CircuitBreakerBroker) GetTrades(ctx context.Context) ([]BrokerTrade, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]BrokerTrade, error) {
		return b.GetTrades(ctx)
	})
}

func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]BrokerPosition, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]BrokerPosition, error) {
		return b.GetPositions(ctx)
	})
}

func (c *CircuitBreakerBroker) GetQuote(ctx context.Context, instruments ...string) (map[string]Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (map[string]Quote, error) {
		return b.GetQuote(ctx, instruments...)
	})
}

func (c *CircuitBreakerBroker) GetInstruments(ctx context.Context, exchange string) ([]Instrument, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Instrument, error) {
		return b.GetInstruments(ctx, exchange)
	})
}

func (c *CircuitBreakerBroker) GetMargins(ctx context.Context) (*Margins, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Margins, error) {
		return b.GetMargins(ctx)
	})
}
