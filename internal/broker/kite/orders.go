package kite

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sodme/engine/internal/domain"
)

// PlaceOrder submits a regular/iceberg order and returns Kite's order_id.
// Kite has no native idempotency-key concept, so duplicate-submission
// dedup is the Broker Gateway/Persistence Adapter's job (the
// order_idempotency_keys table, spec §12); idempotencyKey is accepted here
// only to satisfy domain.BrokerClient and isn't sent to Kite. What IS sent
// as Kite's tag field is the owning strategy ID, the only way to recover
// Order.Strategy when ListOrders later reads the order back from Kite's
// order book, which carries no strategy concept of its own.
func (c *Client) PlaceOrder(ctx context.Context, order domain.Order, idempotencyKey string) (*domain.BrokerOrderResult, error) {
	exchange := exchangeCode(order.Instrument.Segment)
	form := url.Values{
		"tradingsymbol":    {order.Instrument.TradingSymbol},
		"exchange":         {exchange},
		"transaction_type": {transactionType(order.Side)},
		"order_type":       {orderTypeCode(order.Type)},
		"quantity":         {strconv.Itoa(order.Quantity)},
		"product":          {productCode(order.Instrument.Segment)},
		"validity":         {"DAY"},
	}
	if order.Price > 0 {
		form.Set("price", strconv.FormatFloat(order.Price, 'f', 2, 64))
	}
	if order.Trigger > 0 {
		form.Set("trigger_price", strconv.FormatFloat(order.Trigger, 'f', 2, 64))
	}
	if order.Strategy != "" {
		form.Set("tag", truncateTag(order.Strategy))
	}

	var resp struct {
		Data struct {
			OrderID string `json:"order_id"`
		} `json:"data"`
	}
	path := "/orders/" + orderVariety(order)
	if err := c.do(ctx, http.MethodPost, path, form, &resp, true); err != nil {
		return nil, err
	}
	return &domain.BrokerOrderResult{
		OrderID:   resp.Data.OrderID,
		Status:    domain.OrderPending,
		Price:     order.Price,
		Quantity:  order.Quantity,
		UpdatedAt: time.Now(),
	}, nil
}

func truncateTag(s string) string {
	if len(s) > 20 {
		return s[:20]
	}
	return s
}

// ModifyOrder changes price/trigger/quantity on a still-open order.
func (c *Client) ModifyOrder(ctx context.Context, orderID string, price, trigger float64, quantity int) (*domain.BrokerOrderResult, error) {
	form := url.Values{}
	if price > 0 {
		form.Set("price", strconv.FormatFloat(price, 'f', 2, 64))
	}
	if trigger > 0 {
		form.Set("trigger_price", strconv.FormatFloat(trigger, 'f', 2, 64))
	}
	if quantity > 0 {
		form.Set("quantity", strconv.Itoa(quantity))
	}
	var resp struct {
		Data struct {
			OrderID string `json:"order_id"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPut, "/orders/regular/"+orderID, form, &resp, true); err != nil {
		return nil, err
	}
	return &domain.BrokerOrderResult{
		OrderID:   resp.Data.OrderID,
		Price:     price,
		Quantity:  quantity,
		UpdatedAt: time.Now(),
	}, nil
}

// CancelOrder cancels a regular-variety order. Kite's cancel is itself
// idempotent (cancelling an already-cancelled order just 4xxs), which is
// what makes this call always safe for the Gateway to retry.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.do(ctx, http.MethodDelete, "/orders/regular/"+orderID, nil, nil, true)
}

type kiteOrder struct {
	OrderID           string  `json:"order_id"`
	Tradingsymbol     string  `json:"tradingsymbol"`
	Exchange          string  `json:"exchange"`
	TransactionType   string  `json:"transaction_type"`
	OrderType         string  `json:"order_type"`
	Product           string  `json:"product"`
	Quantity          int     `json:"quantity"`
	PendingQuantity   int     `json:"pending_quantity"`
	FilledQuantity    int     `json:"filled_quantity"`
	Price             float64 `json:"price"`
	TriggerPrice      float64 `json:"trigger_price"`
	Status            string  `json:"status"`
	Tag               string  `json:"tag"`
	InstrumentToken   int64   `json:"instrument_token"`
	OrderTimestamp    string  `json:"order_timestamp"`
	ExchangeTimestamp string  `json:"exchange_timestamp"`
}

// ListOrders returns every order for the trading day from Kite's order book.
func (c *Client) ListOrders(ctx context.Context) ([]domain.Order, error) {
	var resp struct {
		Data []kiteOrder `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/orders", nil, &resp, true); err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(resp.Data))
	for _, o := range resp.Data {
		orders = append(orders, c.toDomainOrder(ctx, o))
	}
	return orders, nil
}

func (c *Client) toDomainOrder(ctx context.Context, o kiteOrder) domain.Order {
	instrument := domain.Instrument{
		Token:         o.InstrumentToken,
		TradingSymbol: o.Tradingsymbol,
		Segment:       segmentFromExchange(o.Exchange),
	}
	if c.instruments != nil {
		if resolved, err := c.instruments.Instrument(ctx, o.InstrumentToken); err == nil {
			instrument = resolved
		}
	}
	placed, _ := time.Parse("2006-01-02 15:04:05", o.OrderTimestamp)
	updated, _ := time.Parse("2006-01-02 15:04:05", o.ExchangeTimestamp)
	qty := o.Quantity
	if o.FilledQuantity > 0 || o.PendingQuantity > 0 {
		qty = o.FilledQuantity + o.PendingQuantity
	}
	return domain.Order{
		ID:         o.OrderID,
		Strategy:   o.Tag,
		Instrument: instrument,
		Side:       sideFromTransactionType(o.TransactionType),
		Type:       orderTypeFromCode(o.OrderType),
		Quantity:   qty,
		Price:      o.Price,
		Trigger:    o.TriggerPrice,
		Status:     statusFromKite(o.Status, o.FilledQuantity, o.Quantity),
		PlacedAt:   placed,
		UpdatedAt:  updated,
	}
}

func segmentFromExchange(exchange string) domain.Segment {
	switch exchange {
	case "NFO", "BFO":
		return domain.SegmentFutures
	default:
		return domain.SegmentEquity
	}
}

func sideFromTransactionType(t string) domain.OrderSide {
	if t == "SELL" {
		return domain.Sell
	}
	return domain.Buy
}

func orderTypeFromCode(code string) domain.OrderType {
	switch code {
	case "LIMIT":
		return domain.OrderLimit
	case "SL":
		return domain.OrderStop
	case "SL-M":
		return domain.OrderStopMarket
	default:
		return domain.OrderMarket
	}
}

func statusFromKite(status string, filled, total int) domain.OrderStatus {
	switch status {
	case "COMPLETE":
		return domain.OrderFilled
	case "CANCELLED":
		return domain.OrderCancelled
	case "REJECTED":
		return domain.OrderRejected
	case "OPEN", "TRIGGER PENDING", "VALIDATION PENDING", "PUT ORDER REQ RECEIVED":
		if filled > 0 && filled < total {
			return domain.OrderPartiallyFilled
		}
		return domain.OrderOpen
	default:
		return domain.OrderPending
	}
}

type kitePosition struct {
	Tradingsymbol   string  `json:"tradingsymbol"`
	Exchange        string  `json:"exchange"`
	InstrumentToken int64   `json:"instrument_token"`
	Quantity        int     `json:"quantity"`
	AveragePrice    float64 `json:"average_price"`
	LastPrice       float64 `json:"last_price"`
	ClosePrice      float64 `json:"close_price"`
	LotSize         int     `json:"lot_size"`
}

// ListPositions returns the day's net F&O and intraday equity positions.
func (c *Client) ListPositions(ctx context.Context) ([]domain.Position, error) {
	var resp struct {
		Data struct {
			Net []kitePosition `json:"net"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/portfolio/positions", nil, &resp, true); err != nil {
		return nil, err
	}
	return c.toDomainPositions(ctx, resp.Data.Net), nil
}

// ListHoldings returns long-term equity holdings (delivery, not intraday).
func (c *Client) ListHoldings(ctx context.Context) ([]domain.Position, error) {
	var resp struct {
		Data []kitePosition `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/portfolio/holdings", nil, &resp, true); err != nil {
		return nil, err
	}
	return c.toDomainPositions(ctx, resp.Data), nil
}

// toDomainPositions converts Kite's account-wide net positions. Kite has no
// strategy concept at all for positions (unlike orders, which round-trip a
// tag), so Position.Strategy is left empty here; internal/positions.View
// resolves it by matching each position's instrument against the
// strategy-tagged orders that built it, rather than expecting the broker
// to know.
func (c *Client) toDomainPositions(ctx context.Context, raw []kitePosition) []domain.Position {
	positions := make([]domain.Position, 0, len(raw))
	for _, p := range raw {
		if p.Quantity == 0 {
			continue
		}
		instrument := domain.Instrument{
			Token:         p.InstrumentToken,
			TradingSymbol: p.Tradingsymbol,
			Segment:       segmentFromExchange(p.Exchange),
			LotSize:       p.LotSize,
		}
		if c.instruments != nil {
			if resolved, err := c.instruments.Instrument(ctx, p.InstrumentToken); err == nil {
				instrument = resolved
			}
		}
		direction := domain.Long
		qty := p.Quantity
		if qty < 0 {
			direction = domain.Short
			qty = -qty
		}
		positions = append(positions, domain.Position{
			Instrument:      instrument,
			Direction:       direction,
			Quantity:        qty,
			AveragePrice:    p.AveragePrice,
			CurrentPrice:    p.LastPrice,
			PrevSettlePrice: p.ClosePrice,
			LotSize:         p.LotSize,
		})
	}
	return positions
}

// GetFunds reports the trading account's available/used/total margin.
func (c *Client) GetFunds(ctx context.Context) (*domain.BrokerFunds, error) {
	var resp struct {
		Data struct {
			Equity struct {
				Net      float64 `json:"net"`
				Available struct {
					Cash float64 `json:"cash"`
				} `json:"available"`
				Utilised struct {
					Debits float64 `json:"debits"`
				} `json:"utilised"`
			} `json:"equity"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/user/margins", nil, &resp, true); err != nil {
		return nil, err
	}
	eq := resp.Data.Equity
	return &domain.BrokerFunds{
		Available: eq.Available.Cash,
		Used:      eq.Utilised.Debits,
		Total:     eq.Net,
	}, nil
}

// GetMargin calls Kite's order-margins basket endpoint, the authoritative
// broker-path margin figure the Margin Engine reconciles against its own
// internal-factor estimate (spec §4.2).
func (c *Client) GetMargin(ctx context.Context, basket []domain.Order) (*domain.BrokerMarginResult, error) {
	payload := make([]map[string]interface{}, 0, len(basket))
	for _, order := range basket {
		payload = append(payload, map[string]interface{}{
			"exchange":         exchangeCode(order.Instrument.Segment),
			"tradingsymbol":    order.Instrument.TradingSymbol,
			"transaction_type": transactionType(order.Side),
			"variety":          "regular",
			"product":          productCode(order.Instrument.Segment),
			"order_type":       orderTypeCode(order.Type),
			"quantity":         order.Quantity,
			"price":            order.Price,
			"trigger_price":    order.Trigger,
		})
	}
	body, err := marshalJSON(payload)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			Total float64 `json:"total"`
		} `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/margins/orders", body, &resp); err != nil {
		return nil, err
	}

	result := &domain.BrokerMarginResult{PerInstrument: make(map[int64]float64, len(basket))}
	for i, entry := range resp.Data {
		if i >= len(basket) {
			break
		}
		result.PerInstrument[basket[i].Instrument.Token] = entry.Total
		result.Total += entry.Total
	}
	return result, nil
}
