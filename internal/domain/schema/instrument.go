package schema

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Instrument describes a tradable contract.
type Instrument struct {
	ID       string          `json:"id" yaml:"id"`
	Symbol   string          `json:"symbol" yaml:"symbol"`
	Exchange string          `json:"exchange" yaml:"exchange"`
	LotSize  decimal.Decimal `json:"lot_size" yaml:"-"`
	TickSize decimal.Decimal `json:"tick_size" yaml:"-"`
}

// Validate checks the instrument definition.
func (i Instrument) Validate() error {
	if strings.TrimSpace(i.ID) == "" {
		return fmt.Errorf("instrument id required")
	}
	if !i.LotSize.IsPositive() {
		return fmt.Errorf("instrument %s: lot size must be > 0", i.ID)
	}
	if i.TickSize.IsNegative() {
		return fmt.Errorf("instrument %s: tick size must be >= 0", i.ID)
	}
	return nil
}

// IsLotMultiple reports whether qty is a positive whole multiple of the lot size.
func (i Instrument) IsLotMultiple(qty decimal.Decimal) bool {
	if !qty.IsPositive() || !i.LotSize.IsPositive() {
		return false
	}
	return qty.Mod(i.LotSize).IsZero()
}

// OnTick reports whether price is aligned to the tick size. A zero tick size accepts any price.
func (i Instrument) OnTick(price decimal.Decimal) bool {
	if i.TickSize.IsZero() {
		return true
	}
	return price.Mod(i.TickSize).IsZero()
}

// InstrumentRegistry holds the instruments the engine trades.
type InstrumentRegistry struct {
	mu   sync.RWMutex
	byID map[string]Instrument
}

// NewInstrumentRegistry builds a registry from definitions.
func NewInstrumentRegistry(instruments ...Instrument) (*InstrumentRegistry, error) {
	reg := &InstrumentRegistry{
		mu:   sync.RWMutex{},
		byID: make(map[string]Instrument, len(instruments)),
	}
	for _, inst := range instruments {
		if err := reg.Register(inst); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Register adds or replaces an instrument.
func (r *InstrumentRegistry) Register(inst Instrument) error {
	if err := inst.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.byID[inst.ID] = inst
	r.mu.Unlock()
	return nil
}

// Lookup returns the instrument with id.
func (r *InstrumentRegistry) Lookup(id string) (Instrument, bool) {
	if r == nil {
		return Instrument{}, false
	}
	r.mu.RLock()
	inst, ok := r.byID[id]
	r.mu.RUnlock()
	return inst, ok
}

// IDs returns the registered instrument ids in sorted order.
func (r *InstrumentRegistry) IDs() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
