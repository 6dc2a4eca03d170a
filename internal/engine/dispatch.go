package engine

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mark3labs/oas2mcp/internal/spec"
)

// Strategy names a request-building strategy.
type Strategy string

const (
	StrategyManual   Strategy = "manual"
	StrategyCompiled Strategy = "compiled"
)

// ParseStrategy accepts "manual" or "compiled", case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyManual:
		return StrategyManual, nil
	case StrategyCompiled:
		return StrategyCompiled, nil
	default:
		return "", fmt.Errorf("unknown build strategy %q (want manual or compiled)", s)
	}
}

// Dispatcher routes each operation to a strategy from a lookup table,
// falling back to a default.
type Dispatcher struct {
	def      Strategy
	table    map[string]Strategy
	manual   *ManualBuilder
	compiled *CompiledBuilder
}

func NewDispatcher(baseURL string, def Strategy, table map[string]Strategy, logger *zap.Logger) *Dispatcher {
	if def == "" {
		def = StrategyManual
	}
	t := make(map[string]Strategy, len(table))
	for k, v := range table {
		t[k] = v
	}
	return &Dispatcher{
		def:      def,
		table:    t,
		manual:   NewManualBuilder(baseURL, logger),
		compiled: NewCompiledBuilder(baseURL, logger),
	}
}

// StrategyFor returns the strategy used for an operation.
func (d *Dispatcher) StrategyFor(operationID string) Strategy {
	if s, ok := d.table[operationID]; ok {
		return s
	}
	return d.def
}

func (d *Dispatcher) Build(route *spec.Route, cs *CombinedSchema, args Args) (*RequestDescriptor, error) {
	return d.builder(route.OperationID).Build(route, cs, args)
}

func (d *Dispatcher) builder(operationID string) RequestBuilder {
	if d.StrategyFor(operationID) == StrategyCompiled {
		return d.compiled
	}
	return d.manual
}

// Reset discards compiled plans after a reload.
func (d *Dispatcher) Reset() { d.compiled.Reset() }
