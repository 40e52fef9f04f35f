package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// PaperOptions tunes the simulated market
type PaperOptions struct {
	Exchange string
	// Slippage is applied against the taker on market and triggered stop fills
	Slippage float64
	// MaxFillPerStep caps the quantity filled per price update; zero fills in one go
	MaxFillPerStep int64
}

// DefaultPaperOptions returns options with no slippage and whole fills
func DefaultPaperOptions() PaperOptions {
	return PaperOptions{Exchange: "SMART"}
}

type paperOrder struct {
	id        int64
	permID    int64
	contract  Contract
	spec      OrderSpec
	filled    int64
	triggered bool
}

func (o *paperOrder) remaining() int64 {
	return o.spec.Quantity - o.filled
}

// PaperBroker simulates a brokerage session in memory. Orders fill when the
// market price set through SetMarketPrice crosses their trigger.
type PaperBroker struct {
	mu sync.RWMutex

	connected   bool
	nextOrderID int64
	nextExecID  int64

	contracts  map[string][]Contract // by upper-cased symbol
	prices     map[string]float64
	working    map[int64]*paperOrder
	executions []Execution
	positions  map[string]*Position

	opts PaperOptions
	now  func() time.Time
}

// NewPaperBroker creates a disconnected paper broker
func NewPaperBroker(opts PaperOptions) *PaperBroker {
	if opts.Exchange == "" {
		opts.Exchange = "SMART"
	}

	log.Info().
		Float64("slippage", opts.Slippage).
		Int64("max_fill_per_step", opts.MaxFillPerStep).
		Msg("Paper broker initialized")

	return &PaperBroker{
		nextOrderID: 1,
		nextExecID:  1,
		contracts:   make(map[string][]Contract),
		prices:      make(map[string]float64),
		working:     make(map[int64]*paperOrder),
		positions:   make(map[string]*Position),
		opts:        opts,
		now:         time.Now,
	}
}

// ListContract makes symbol tradable in the given currency
func (p *PaperBroker) ListContract(symbol, currency string) Contract {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := strings.ToUpper(symbol)
	c := Contract{
		Symbol:       key,
		Exchange:     p.opts.Exchange,
		Currency:     strings.ToUpper(currency),
		ConID:        int64(len(p.contracts) + 1),
		BrokerSymbol: key,
	}
	p.contracts[key] = append(p.contracts[key], c)
	return c
}

// SetMarketPrice moves the market and fills any working orders it crosses
func (p *PaperBroker) SetMarketPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := strings.ToUpper(symbol)
	p.prices[key] = price

	ids := make([]int64, 0, len(p.working))
	for id, o := range p.working {
		if o.contract.Symbol == key {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		p.step(p.working[id], price)
	}
}

// Disconnect drops the session without closing the broker
func (p *PaperBroker) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
}

// InjectExecution records a fill that happened outside this session
func (p *PaperBroker) InjectExecution(e Execution) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e.ExecID == "" {
		e.ExecID = p.newExecID()
	}
	if e.Time.IsZero() {
		e.Time = p.now()
	}
	e.Symbol = strings.ToUpper(e.Symbol)
	p.executions = append(p.executions, e)
	p.applyToPosition(e)
}

// SetPosition overrides the held quantity for symbol
func (p *PaperBroker) SetPosition(symbol string, quantity int64, avgCost float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := strings.ToUpper(symbol)
	p.positions[key] = &Position{Symbol: key, Quantity: quantity, AvgCost: avgCost}
}

// ReassignOrderID gives a working order a fresh broker id, the way a
// brokerage may renumber open orders after a reconnect. Later executions of
// the order carry the new id. It returns false when orderID is not working.
func (p *PaperBroker) ReassignOrderID(orderID int64) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.working[orderID]
	if !ok {
		return 0, false
	}
	delete(p.working, orderID)
	o.id = p.nextOrderID
	p.nextOrderID++
	p.working[o.id] = o

	log.Info().Int64("from", orderID).Int64("to", o.id).Msg("Paper order renumbered")
	return o.id, true
}

// WorkingOrders returns the number of orders not yet filled or cancelled
func (p *PaperBroker) WorkingOrders() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.working)
}

func (p *PaperBroker) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

func (p *PaperBroker) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *PaperBroker) ResolveContract(ctx context.Context, symbol, exchange, currency string) (*Contract, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.connected {
		return nil, ErrNotConnected
	}

	for _, c := range p.contracts[strings.ToUpper(symbol)] {
		if !strings.EqualFold(c.Currency, currency) {
			continue
		}
		if exchange != "" && !strings.EqualFold(c.Exchange, exchange) {
			continue
		}
		resolved := c
		return &resolved, nil
	}
	return nil, nil
}

func (p *PaperBroker) PlaceOrder(ctx context.Context, contract Contract, spec OrderSpec) (PlaceResult, error) {
	if err := ctx.Err(); err != nil {
		return PlaceResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return PlaceResult{}, ErrNotConnected
	}
	if spec.Quantity <= 0 {
		return PlaceResult{}, fmt.Errorf("quantity must be positive")
	}
	if spec.Type == nil {
		return PlaceResult{}, fmt.Errorf("%w: missing order type", ErrInvalidOrderType)
	}

	contract.Symbol = strings.ToUpper(contract.Symbol)
	o := &paperOrder{
		id:       p.nextOrderID,
		permID:   1_000_000 + p.nextOrderID,
		contract: contract,
		spec:     spec,
	}
	p.nextOrderID++
	p.working[o.id] = o

	log.Info().
		Int64("order_id", o.id).
		Str("symbol", contract.Symbol).
		Str("side", string(spec.Side)).
		Str("type", spec.Type.Kind()).
		Int64("quantity", spec.Quantity).
		Msg("Paper order placed")

	if price, ok := p.prices[contract.Symbol]; ok {
		p.step(o, price)
	}

	return PlaceResult{OrderID: o.id, PermID: o.permID}, nil
}

func (p *PaperBroker) CancelOrder(ctx context.Context, orderID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return ErrNotConnected
	}
	if _, ok := p.working[orderID]; !ok {
		return fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	delete(p.working, orderID)

	log.Info().Int64("order_id", orderID).Msg("Paper order cancelled")
	return nil
}

func (p *PaperBroker) Positions(ctx context.Context) ([]Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.connected {
		return nil, ErrNotConnected
	}

	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		if pos.Quantity != 0 {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (p *PaperBroker) Executions(ctx context.Context, since *time.Time) ([]Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.connected {
		return nil, ErrNotConnected
	}

	out := make([]Execution, 0, len(p.executions))
	for _, e := range p.executions {
		if since != nil && e.Time.Before(*since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (p *PaperBroker) LatestPrice(ctx context.Context, symbol string) (*Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.connected {
		return nil, ErrNotConnected
	}

	key := strings.ToUpper(symbol)
	price, ok := p.prices[key]
	if !ok {
		return nil, nil
	}
	return &Bar{
		Symbol: key,
		Time:   p.now(),
		Open:   price,
		High:   price,
		Low:    price,
		Close:  price,
	}, nil
}

func (p *PaperBroker) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

// step fills as much of o as the current price allows. Callers hold p.mu.
func (p *PaperBroker) step(o *paperOrder, price float64) {
	fillPrice, ok := p.crossing(o, price)
	if !ok {
		return
	}

	qty := o.remaining()
	if p.opts.MaxFillPerStep > 0 && qty > p.opts.MaxFillPerStep {
		qty = p.opts.MaxFillPerStep
	}

	e := Execution{
		ExecID:   p.newExecID(),
		OrderID:  o.id,
		Symbol:   o.contract.Symbol,
		Side:     o.spec.Side,
		Quantity: qty,
		Price:    fillPrice,
		Time:     p.now(),
	}
	p.executions = append(p.executions, e)
	p.applyToPosition(e)
	o.filled += qty

	log.Debug().
		Int64("order_id", o.id).
		Int64("quantity", qty).
		Float64("price", fillPrice).
		Int64("remaining", o.remaining()).
		Msg("Paper order filled")

	if o.remaining() == 0 {
		delete(p.working, o.id)
	}
}

// crossing reports whether o executes at price and at what fill price
func (p *PaperBroker) crossing(o *paperOrder, price float64) (float64, bool) {
	buy := o.spec.Side == SideBuy

	switch t := o.spec.Type.(type) {
	case Market:
		return p.slipped(buy, price), true
	case Limit:
		if limitCrossed(buy, t.Price, price) {
			return price, true
		}
	case Stop:
		if o.triggered || stopCrossed(buy, t.Price, price) {
			o.triggered = true
			return p.slipped(buy, price), true
		}
	case StopLimit:
		if !o.triggered && stopCrossed(buy, t.Stop, price) {
			o.triggered = true
		}
		if o.triggered && limitCrossed(buy, t.Limit, price) {
			return price, true
		}
	}
	return 0, false
}

func limitCrossed(buy bool, limit, price float64) bool {
	if buy {
		return price <= limit
	}
	return price >= limit
}

func stopCrossed(buy bool, stop, price float64) bool {
	if buy {
		return price >= stop
	}
	return price <= stop
}

func (p *PaperBroker) slipped(buy bool, price float64) float64 {
	if buy {
		return price * (1 + p.opts.Slippage)
	}
	return price * (1 - p.opts.Slippage)
}

func (p *PaperBroker) applyToPosition(e Execution) {
	pos, ok := p.positions[e.Symbol]
	if !ok {
		pos = &Position{Symbol: e.Symbol}
		p.positions[e.Symbol] = pos
	}

	if e.Side == SideBuy {
		total := pos.AvgCost*float64(pos.Quantity) + e.Price*float64(e.Quantity)
		pos.Quantity += e.Quantity
		if pos.Quantity > 0 {
			pos.AvgCost = total / float64(pos.Quantity)
		}
		return
	}

	pos.Quantity -= e.Quantity
	if pos.Quantity == 0 {
		pos.AvgCost = 0
	}
}

func (p *PaperBroker) newExecID() string {
	id := fmt.Sprintf("paper-%06d", p.nextExecID)
	p.nextExecID++
	return id
}
