package engine

import (
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mark3labs/oas2mcp/internal/spec"
)

// CompiledBuilder compiles each route into a plan on first use and replays
// the plan on later calls. It produces the same descriptors as ManualBuilder.
type CompiledBuilder struct {
	BaseURL string
	Logger  *zap.Logger

	plans sync.Map // operation ID -> *plan
}

func NewCompiledBuilder(baseURL string, logger *zap.Logger) *CompiledBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CompiledBuilder{BaseURL: baseURL, Logger: logger}
}

type segment struct {
	literal string
	slot    *Slot // nil for literal segments
}

type plan struct {
	route    *spec.Route
	cs       *CombinedSchema
	segments []segment
	query    []Slot
	header   []Slot
	cookie   []Slot
	body     []Slot
	err      error // template mismatch, returned on every call
}

func (b *CompiledBuilder) Build(route *spec.Route, cs *CombinedSchema, args Args) (*RequestDescriptor, error) {
	if err := checkArgs(cs, args); err != nil {
		return nil, err
	}
	p := b.plan(route, cs)
	if p.err != nil {
		return nil, p.err
	}

	var path strings.Builder
	for _, seg := range p.segments {
		if seg.slot == nil {
			path.WriteString(seg.literal)
			continue
		}
		s, err := renderPathValue(seg.slot, args[seg.slot.ExposedName])
		if err != nil {
			return nil, err
		}
		path.WriteString(s)
	}

	var qb queryBuilder
	for _, slot := range p.query {
		if err := qb.add(cs, slot, args[slot.ExposedName], b.Logger); err != nil {
			return nil, err
		}
	}

	header := http.Header{}
	for _, slot := range p.header {
		if err := setHeader(header, slot, args[slot.ExposedName]); err != nil {
			return nil, err
		}
	}
	cookies := make([]string, 0, len(p.cookie))
	for _, slot := range p.cookie {
		c, err := renderCookie(slot, args[slot.ExposedName])
		if err != nil {
			return nil, err
		}
		if c != "" {
			cookies = append(cookies, c)
		}
	}
	if len(cookies) > 0 {
		header.Set("Cookie", strings.Join(cookies, "; "))
	}

	body, ct, err := encodeBody(cs, p.body, args)
	if err != nil {
		return nil, err
	}
	return finish(route, b.BaseURL, path.String(), qb.String(), header, body, ct), nil
}

// Forget drops the compiled plan of one operation.
func (b *CompiledBuilder) Forget(operationID string) { b.plans.Delete(operationID) }

// Reset drops every compiled plan.
func (b *CompiledBuilder) Reset() {
	b.plans.Range(func(k, _ any) bool {
		b.plans.Delete(k)
		return true
	})
}

func (b *CompiledBuilder) plan(route *spec.Route, cs *CombinedSchema) *plan {
	if v, ok := b.plans.Load(route.OperationID); ok {
		if p := v.(*plan); p.route == route && p.cs == cs {
			return p
		}
	}
	p := compile(route, cs)
	b.plans.Store(route.OperationID, p)
	return p
}

func compile(route *spec.Route, cs *CombinedSchema) *plan {
	p := &plan{
		route:  route,
		cs:     cs,
		query:  cs.SlotsIn(spec.InQuery),
		header: cs.SlotsIn(spec.InHeader),
		cookie: cs.SlotsIn(spec.InCookie),
		body:   cs.SlotsIn(spec.InBody),
	}
	if err := checkTemplate(route, cs); err != nil {
		p.err = err
		return p
	}
	rest := route.Path
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			if rest != "" {
				p.segments = append(p.segments, segment{literal: rest})
			}
			return p
		}
		closing := strings.IndexByte(rest[open:], '}') + open
		if open > 0 {
			p.segments = append(p.segments, segment{literal: rest[:open]})
		}
		p.segments = append(p.segments, segment{slot: pathSlot(cs, rest[open+1:closing])})
		rest = rest[closing+1:]
	}
}
