package engine

import (
	"mime"
	"strings"

	"github.com/mark3labs/oas2mcp/internal/spec"
)

// BodyArgName is the exposed name of a request body that is not split into
// individual fields.
const BodyArgName = "body"

// suffixSep joins a colliding name with its location tag: id__body.
const suffixSep = "__"

// precedence is the fixed enumeration order of the combiner. An earlier
// location keeps the bare name when a later one collides with it.
var precedence = []spec.Location{spec.InPath, spec.InQuery, spec.InHeader, spec.InCookie, spec.InBody}

// BodyMode describes how the request body is exposed to callers.
type BodyMode uint8

const (
	BodyNone   BodyMode = iota // no request body
	BodyFields                 // one slot per top-level property
	BodyWhole                  // one slot named BodyArgName
)

// Slot binds one exposed name to exactly one physical slot.
type Slot struct {
	ExposedName string
	Location    spec.Location
	Name        string // original name in its location
	Schema      *spec.Schema
	Required    bool
	Description string
	Style       spec.Style // parameters only
	Explode     bool       // parameters only
}

// Origin returns the physical slot the exposed name maps to.
func (s Slot) Origin() SlotOrigin { return SlotOrigin{Location: s.Location, Name: s.Name} }

// Param converts a parameter slot back into the serializer's view of it.
func (s Slot) Param() Param {
	return Param{Name: s.Name, In: s.Location, Style: s.Style, Explode: s.Explode, Schema: s.Schema}
}

// CombinedSchema is the flat, caller-facing parameter namespace of one
// route. It is immutable once returned by Combine.
type CombinedSchema struct {
	OperationID  string
	Slots        []Slot // precedence order, then declaration order
	BodyMode     BodyMode
	ContentType  string // request body media type, when present
	BodyRequired bool

	index map[string]int
}

// Lookup returns the slot bound to an exposed name.
func (c *CombinedSchema) Lookup(exposed string) (Slot, bool) {
	i, ok := c.index[exposed]
	if !ok {
		return Slot{}, false
	}
	return c.Slots[i], true
}

// SlotsIn returns the slots of one location in order.
func (c *CombinedSchema) SlotsIn(loc spec.Location) []Slot {
	var out []Slot
	for _, s := range c.Slots {
		if s.Location == loc {
			out = append(out, s)
		}
	}
	return out
}

// ExposedNameOf returns the exposed name of a physical slot.
func (c *CombinedSchema) ExposedNameOf(loc spec.Location, name string) (string, bool) {
	for _, s := range c.Slots {
		if s.Location == loc && s.Name == name {
			return s.ExposedName, true
		}
	}
	return "", false
}

// Combine merges a route's parameters and request body into one namespace.
//
// Locations are enumerated path, query, header, cookie, body. The first
// occurrence of a name keeps it; a later occurrence is exposed as
// "<name>__<location>". If that suffixed name is also taken, Combine fails
// with a SchemaConflictError rather than dropping a slot.
func Combine(route *spec.Route) (*CombinedSchema, error) {
	cs := &CombinedSchema{
		OperationID: route.OperationID,
		index:       map[string]int{},
	}
	physical := map[string]spec.ParameterSpec{}

	for _, loc := range precedence[:4] {
		for _, p := range route.ParametersIn(loc) {
			key := physicalKey(p.In, p.Name)
			if prev, dup := physical[key]; dup {
				return nil, &SchemaConflictError{
					OperationID: route.OperationID,
					Name:        p.Name,
					Slots:       []SlotOrigin{{prev.In, prev.Name}, {p.In, p.Name}},
					Reason:      "duplicate parameter",
				}
			}
			physical[key] = p
			slot := Slot{
				Location:    p.In,
				Name:        p.Name,
				Schema:      p.Schema,
				Required:    p.Required || p.In == spec.InPath,
				Description: p.Description,
				Style:       p.EffectiveStyle(),
				Explode:     p.EffectiveExplode(),
			}
			if err := cs.register(slot); err != nil {
				return nil, err
			}
		}
	}

	if rb := route.RequestBody; rb != nil {
		cs.ContentType = rb.ContentType
		cs.BodyRequired = rb.Required
		if splitsBody(rb) {
			cs.BodyMode = BodyFields
			for _, prop := range rb.Schema.Properties {
				slot := Slot{
					Location:    spec.InBody,
					Name:        prop.Name,
					Schema:      prop.Schema,
					Required:    rb.Required && rb.Schema.IsRequired(prop.Name),
					Description: propertyDescription(prop.Schema),
				}
				if err := cs.register(slot); err != nil {
					return nil, err
				}
			}
		} else {
			cs.BodyMode = BodyWhole
			slot := Slot{
				Location:    spec.InBody,
				Name:        BodyArgName,
				Schema:      rb.Schema,
				Required:    rb.Required,
				Description: rb.Description,
			}
			if err := cs.register(slot); err != nil {
				return nil, err
			}
		}
	}

	if err := cs.checkFlattenedKeys(); err != nil {
		return nil, err
	}
	return cs, nil
}

func (c *CombinedSchema) register(slot Slot) error {
	name := slot.Name
	if _, taken := c.index[name]; taken {
		name = slot.Name + suffixSep + string(slot.Location)
	}
	if i, taken := c.index[name]; taken {
		return &SchemaConflictError{
			OperationID: c.OperationID,
			Name:        name,
			Slots:       []SlotOrigin{c.Slots[i].Origin(), slot.Origin()},
			Reason:      "name still taken after suffixing",
		}
	}
	slot.ExposedName = name
	c.index[name] = len(c.Slots)
	c.Slots = append(c.Slots, slot)
	return nil
}

// checkFlattenedKeys rejects object query parameters whose declared
// properties would be emitted as keys already used by a sibling parameter.
func (c *CombinedSchema) checkFlattenedKeys() error {
	owners := map[string]Slot{}
	query := c.SlotsIn(spec.InQuery)
	for _, s := range query {
		owners[s.Name] = s
	}
	for _, s := range query {
		if !s.Schema.IsObject() || s.Style != spec.StyleForm || !s.Explode {
			continue
		}
		for _, prop := range s.Schema.Properties {
			if owner, taken := owners[prop.Name]; taken && owner.Name != s.Name {
				return &SchemaConflictError{
					OperationID: c.OperationID,
					Name:        prop.Name,
					Slots:       []SlotOrigin{owner.Origin(), s.Origin()},
					Reason:      "exploded object property shadows a query parameter",
				}
			}
			owners[prop.Name] = s
		}
	}
	return nil
}

// physicalKey identifies a physical slot. Header names are case-insensitive.
func physicalKey(loc spec.Location, name string) string {
	if loc == spec.InHeader {
		name = strings.ToLower(name)
	}
	return string(loc) + ":" + name
}

// splitsBody reports whether the body is exposed field by field: an object
// schema with named properties, sent as JSON or as a urlencoded form.
func splitsBody(rb *spec.RequestBodySpec) bool {
	if !rb.Schema.IsObject() {
		return false
	}
	return rb.ContentType == "" || isJSONContentType(rb.ContentType) || isFormContentType(rb.ContentType)
}

func propertyDescription(s *spec.Schema) string {
	if s == nil {
		return ""
	}
	return s.Description
}

func mediaType(ct string) string {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return mt
}

func isJSONContentType(ct string) bool {
	mt := mediaType(ct)
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func isFormContentType(ct string) bool {
	return mediaType(ct) == "application/x-www-form-urlencoded"
}
