package router

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/swapexec/pkg/util"
)

// SimulatedConfig describes a mock liquidity source. Prices are drawn
// uniformly from BasePrice*[SpreadLow, SpreadLow+SpreadWidth).
type SimulatedConfig struct {
	Name         string
	BasePrice    float64
	SpreadLow    float64
	SpreadWidth  float64
	Fee          float64
	QuoteLatency time.Duration

	ExecuteLatency time.Duration
	ExecuteJitter  time.Duration
	// SlippageProb is the chance an execution fails with ErrSlippageExceeded.
	SlippageProb float64
	// ReceiptCache bounds how many receipts are remembered for idempotent
	// replay. Zero means DefaultReceiptCache.
	ReceiptCache int
}

const DefaultReceiptCache = 10_000

// RaydiumConfig and MeteoraConfig mirror the two venues the service routes between.
func RaydiumConfig(basePrice, slippage float64) SimulatedConfig {
	return SimulatedConfig{
		Name:           "Raydium",
		BasePrice:      basePrice,
		SpreadLow:      0.98,
		SpreadWidth:    0.04,
		Fee:            0.003,
		QuoteLatency:   200 * time.Millisecond,
		ExecuteLatency: 2 * time.Second,
		ExecuteJitter:  time.Second,
		SlippageProb:   slippage,
	}
}

func MeteoraConfig(basePrice, slippage float64) SimulatedConfig {
	return SimulatedConfig{
		Name:           "Meteora",
		BasePrice:      basePrice,
		SpreadLow:      0.97,
		SpreadWidth:    0.05,
		Fee:            0.002,
		QuoteLatency:   200 * time.Millisecond,
		ExecuteLatency: 2 * time.Second,
		ExecuteJitter:  time.Second,
		SlippageProb:   slippage,
	}
}

// SimulatedProvider quotes and executes against random prices. The most
// recent successful executions are remembered by idempotency key.
type SimulatedProvider struct {
	cfg   SimulatedConfig
	clock util.Clock

	rngMu sync.Mutex
	rng   *rand.Rand

	receipts *lru.Cache[string, Receipt]
}

func NewSimulatedProvider(cfg SimulatedConfig, clock util.Clock, seed uint64) *SimulatedProvider {
	if clock == nil {
		clock = util.SystemClock()
	}
	size := cfg.ReceiptCache
	if size <= 0 {
		size = DefaultReceiptCache
	}
	receipts, err := lru.New[string, Receipt](size)
	if err != nil {
		panic(err) // only fails for size <= 0
	}
	return &SimulatedProvider{
		cfg:      cfg,
		clock:    clock,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		receipts: receipts,
	}
}

func (p *SimulatedProvider) Name() string { return p.cfg.Name }

func (p *SimulatedProvider) float() float64 {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return p.rng.Float64()
}

func (p *SimulatedProvider) price() decimal.Decimal {
	mult := p.cfg.SpreadLow + p.float()*p.cfg.SpreadWidth
	return decimal.NewFromFloat(p.cfg.BasePrice * mult)
}

func (p *SimulatedProvider) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	if err := util.Sleep(ctx, p.clock, p.cfg.QuoteLatency); err != nil {
		return Quote{}, err
	}
	return Quote{
		Provider: p.cfg.Name,
		Price:    p.price(),
		Fee:      decimal.NewFromFloat(p.cfg.Fee),
	}, nil
}

func (p *SimulatedProvider) Execute(ctx context.Context, req ExecuteRequest) (Receipt, error) {
	if rcpt, ok := p.lookup(req.IdempotencyKey); ok {
		return rcpt, nil
	}

	latency := p.cfg.ExecuteLatency + time.Duration(p.float()*float64(p.cfg.ExecuteJitter))
	if err := util.Sleep(ctx, p.clock, latency); err != nil {
		return Receipt{}, err
	}
	if p.float() < p.cfg.SlippageProb {
		return Receipt{}, ErrSlippageExceeded
	}

	nonce := p.float()
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("%s:%s:%v", p.cfg.Name, req.OrderID, nonce)))
	rcpt := Receipt{TxHash: hash.Hex(), FinalPrice: p.price()}

	if req.IdempotencyKey != "" {
		if prev, ok, _ := p.receipts.PeekOrAdd(req.IdempotencyKey, rcpt); ok {
			rcpt = prev
		}
	}
	return rcpt, nil
}

func (p *SimulatedProvider) lookup(key string) (Receipt, bool) {
	if key == "" {
		return Receipt{}, false
	}
	return p.receipts.Get(key)
}
