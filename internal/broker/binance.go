package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/rs/zerolog/log"
)

// binanceInvalidSymbol is the API error code for unknown pairs
const binanceInvalidSymbol = -1121

// BinanceConfig contains credentials for the Binance adapter
type BinanceConfig struct {
	APIKey    string
	SecretKey string
	Testnet   bool
	// BaseURL overrides the REST endpoint, mainly for tests
	BaseURL string
}

// BinanceGateway adapts the Binance spot API to Gateway. Symbols are base
// assets and currencies are quote assets, so AAPL in USDT trades as AAPLUSDT.
type BinanceGateway struct {
	client *binance.Client

	mu        sync.RWMutex
	connected bool
	// pairs maps a traded pair to the contract it was resolved from
	pairs map[string]Contract
	// orderPairs remembers the pair of each placed order for cancellation
	orderPairs map[int64]string
}

// NewBinanceGateway creates a disconnected Binance gateway
func NewBinanceGateway(cfg BinanceConfig) *BinanceGateway {
	if cfg.Testnet {
		binance.UseTestnet = true
		log.Info().Msg("Binance gateway initialized (TESTNET mode)")
	} else {
		log.Warn().Msg("Binance gateway initialized (LIVE TRADING mode)")
	}

	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}

	return &BinanceGateway{
		client:     client,
		pairs:      make(map[string]Contract),
		orderPairs: make(map[int64]string),
	}
}

func (b *BinanceGateway) Connect(ctx context.Context) error {
	if err := b.client.NewPingService().Do(ctx); err != nil {
		b.setConnected(false)
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	b.setConnected(true)
	return nil
}

func (b *BinanceGateway) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *BinanceGateway) ResolveContract(ctx context.Context, symbol, exchange, currency string) (*Contract, error) {
	if !b.IsConnected() {
		return nil, ErrNotConnected
	}

	pair := strings.ToUpper(symbol + currency)
	info, err := b.client.NewExchangeInfoService().Symbol(pair).Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == binanceInvalidSymbol {
			return nil, nil
		}
		return nil, b.wrap(err)
	}

	for _, s := range info.Symbols {
		if s.Symbol != pair {
			continue
		}
		c := Contract{
			Symbol:       strings.ToUpper(s.BaseAsset),
			Exchange:     "BINANCE",
			Currency:     strings.ToUpper(s.QuoteAsset),
			BrokerSymbol: s.Symbol,
		}
		b.mu.Lock()
		b.pairs[pair] = c
		b.mu.Unlock()
		return &c, nil
	}
	return nil, nil
}

func (b *BinanceGateway) PlaceOrder(ctx context.Context, contract Contract, spec OrderSpec) (PlaceResult, error) {
	if !b.IsConnected() {
		return PlaceResult{}, ErrNotConnected
	}

	pair := contract.BrokerSymbol
	if pair == "" {
		pair = strings.ToUpper(contract.Symbol + contract.Currency)
	}

	side := binance.SideTypeBuy
	if spec.Side == SideSell {
		side = binance.SideTypeSell
	}

	svc := b.client.NewCreateOrderService().
		Symbol(pair).
		Side(side).
		Quantity(strconv.FormatInt(spec.Quantity, 10))
	if spec.Ref != "" {
		svc = svc.NewClientOrderID(spec.Ref)
	}

	switch t := spec.Type.(type) {
	case Market:
		svc = svc.Type(binance.OrderTypeMarket)
	case Limit:
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(formatPrice(t.Price))
	case Stop:
		svc = svc.Type(binance.OrderTypeStopLoss).
			StopPrice(formatPrice(t.Price))
	case StopLimit:
		svc = svc.Type(binance.OrderTypeStopLossLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(formatPrice(t.Limit)).
			StopPrice(formatPrice(t.Stop))
	default:
		return PlaceResult{}, fmt.Errorf("%w: %T", ErrInvalidOrderType, spec.Type)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return PlaceResult{}, b.wrap(err)
	}

	b.mu.Lock()
	b.orderPairs[resp.OrderID] = pair
	if _, ok := b.pairs[pair]; !ok {
		b.pairs[pair] = contract
	}
	b.mu.Unlock()

	log.Info().
		Int64("order_id", resp.OrderID).
		Str("pair", pair).
		Str("side", string(spec.Side)).
		Str("type", spec.Type.Kind()).
		Int64("quantity", spec.Quantity).
		Msg("Order placed on Binance")

	return PlaceResult{OrderID: resp.OrderID}, nil
}

func (b *BinanceGateway) CancelOrder(ctx context.Context, orderID int64) error {
	if !b.IsConnected() {
		return ErrNotConnected
	}

	b.mu.RLock()
	pair, ok := b.orderPairs[orderID]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}

	if _, err := b.client.NewCancelOrderService().Symbol(pair).OrderID(orderID).Do(ctx); err != nil {
		return b.wrap(err)
	}

	log.Info().Int64("order_id", orderID).Str("pair", pair).Msg("Order cancelled on Binance")
	return nil
}

func (b *BinanceGateway) Positions(ctx context.Context) ([]Position, error) {
	if !b.IsConnected() {
		return nil, ErrNotConnected
	}

	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, b.wrap(err)
	}

	var out []Position
	for _, bal := range account.Balances {
		free, _ := strconv.ParseFloat(bal.Free, 64)
		locked, _ := strconv.ParseFloat(bal.Locked, 64)
		qty := int64(free + locked)
		if qty == 0 {
			continue
		}
		out = append(out, Position{Symbol: strings.ToUpper(bal.Asset), Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// Executions lists trades for every pair this gateway has resolved or traded
func (b *BinanceGateway) Executions(ctx context.Context, since *time.Time) ([]Execution, error) {
	if !b.IsConnected() {
		return nil, ErrNotConnected
	}

	b.mu.RLock()
	pairs := make(map[string]Contract, len(b.pairs))
	for k, v := range b.pairs {
		pairs[k] = v
	}
	b.mu.RUnlock()

	names := make([]string, 0, len(pairs))
	for k := range pairs {
		names = append(names, k)
	}
	sort.Strings(names)

	var out []Execution
	for _, pair := range names {
		svc := b.client.NewListTradesService().Symbol(pair)
		if since != nil {
			svc = svc.StartTime(since.UnixMilli())
		}
		trades, err := svc.Do(ctx)
		if err != nil {
			return nil, b.wrap(err)
		}

		symbol := pairs[pair].Symbol
		for _, t := range trades {
			price, _ := strconv.ParseFloat(t.Price, 64)
			qty, _ := strconv.ParseFloat(t.Quantity, 64)
			side := SideSell
			if t.IsBuyer {
				side = SideBuy
			}
			out = append(out, Execution{
				ExecID:   strconv.FormatInt(t.ID, 10),
				OrderID:  t.OrderID,
				Symbol:   symbol,
				Side:     side,
				Quantity: int64(qty),
				Price:    price,
				Time:     time.UnixMilli(t.Time),
			})
		}
	}
	return out, nil
}

func (b *BinanceGateway) LatestPrice(ctx context.Context, symbol string) (*Bar, error) {
	if !b.IsConnected() {
		return nil, ErrNotConnected
	}

	pair := b.pairFor(symbol)
	if pair == "" {
		return nil, nil
	}

	klines, err := b.client.NewKlinesService().Symbol(pair).Interval("1m").Limit(1).Do(ctx)
	if err != nil {
		return nil, b.wrap(err)
	}
	if len(klines) == 0 {
		return nil, nil
	}

	k := klines[len(klines)-1]
	bar := &Bar{Symbol: strings.ToUpper(symbol), Time: time.UnixMilli(k.CloseTime)}
	bar.Open, _ = strconv.ParseFloat(k.Open, 64)
	bar.High, _ = strconv.ParseFloat(k.High, 64)
	bar.Low, _ = strconv.ParseFloat(k.Low, 64)
	bar.Close, _ = strconv.ParseFloat(k.Close, 64)
	bar.Volume, _ = strconv.ParseFloat(k.Volume, 64)
	return bar, nil
}

func (b *BinanceGateway) Close() error {
	b.setConnected(false)
	return nil
}

func (b *BinanceGateway) setConnected(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = v
}

// pairFor returns the first resolved pair for symbol
func (b *BinanceGateway) pairFor(symbol string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var found []string
	for pair, c := range b.pairs {
		if strings.EqualFold(c.Symbol, symbol) {
			found = append(found, pair)
		}
	}
	if len(found) == 0 {
		return ""
	}
	sort.Strings(found)
	return found[0]
}

// wrap marks transport failures as a lost connection so callers back off
func (b *BinanceGateway) wrap(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("binance: %w", err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	b.setConnected(false)
	return fmt.Errorf("%w: %v", ErrConnectionLost, err)
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', 8, 64)
}
