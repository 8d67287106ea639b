package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/orbit/internal/domain/schema"
)

// InstrumentConfig declares a tradable instrument in YAML.
type InstrumentConfig struct {
	ID       string `yaml:"id"`
	Symbol   string `yaml:"symbol"`
	Exchange string `yaml:"exchange"`
	LotSize  string `yaml:"lotSize"`
	TickSize string `yaml:"tickSize"`
}

func (c *InstrumentConfig) normalise() {
	c.ID = strings.TrimSpace(c.ID)
	c.Symbol = strings.TrimSpace(c.Symbol)
	if c.Symbol == "" {
		c.Symbol = c.ID
	}
	c.Exchange = normalizeExchangeIdentifier(c.Exchange)
	c.LotSize = strings.TrimSpace(c.LotSize)
	if c.LotSize == "" {
		c.LotSize = "1"
	}
	c.TickSize = strings.TrimSpace(c.TickSize)
	if c.TickSize == "" {
		c.TickSize = "0"
	}
}

// Instrument converts the YAML declaration into the canonical instrument.
func (c InstrumentConfig) Instrument() (schema.Instrument, error) {
	lot, err := decimal.NewFromString(c.LotSize)
	if err != nil {
		return schema.Instrument{}, fmt.Errorf("instrument %s: lotSize: %w", c.ID, err)
	}
	tick, err := decimal.NewFromString(c.TickSize)
	if err != nil {
		return schema.Instrument{}, fmt.Errorf("instrument %s: tickSize: %w", c.ID, err)
	}
	inst := schema.Instrument{
		ID:       c.ID,
		Symbol:   c.Symbol,
		Exchange: c.Exchange,
		LotSize:  lot,
		TickSize: tick,
	}
	if err := inst.Validate(); err != nil {
		return schema.Instrument{}, err
	}
	return inst, nil
}

// InstrumentRegistry builds the registry of configured instruments.
func (c AppConfig) InstrumentRegistry() (*schema.InstrumentRegistry, error) {
	instruments := make([]schema.Instrument, 0, len(c.Instruments))
	for _, decl := range c.Instruments {
		inst, err := decl.Instrument()
		if err != nil {
			return nil, err
		}
		instruments = append(instruments, inst)
	}
	return schema.NewInstrumentRegistry(instruments...)
}
