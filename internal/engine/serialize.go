package engine

import (
	"net/url"
	"strings"

	"github.com/mark3labs/oas2mcp/internal/spec"
)

// Param is the serializer's view of one physical parameter.
type Param struct {
	Name    string
	In      spec.Location
	Style   spec.Style
	Explode bool
	Schema  *spec.Schema
}

// WireKind tags the shape of a serialized parameter.
type WireKind uint8

const (
	WireNone   WireKind = iota // omitted entirely
	WireString                 // one string (path, header, cookie)
	WirePairs                  // ordered key/value pairs (query)
	WireBytes                  // raw payload (body)
)

// Pair is one query key/value. Both halves are already percent-encoded.
type Pair struct {
	Key   string
	Value string
}

func (p Pair) String() string { return p.Key + "=" + p.Value }

// WireValue is the wire representation of one parameter value.
type WireValue struct {
	Kind  WireKind
	Str   string
	Pairs []Pair
	Bytes []byte
}

// Serialize renders v for parameter p according to its location, style and
// explode flag. Null values are omitted, never rendered as "null".
//
// Objects under deepObject are expanded one level: name[field]=value. A
// nested object becomes name[a][b]=value only when the property schema
// declares type object; otherwise it is rendered as compact JSON.
func Serialize(p Param, v Value) (WireValue, error) {
	if v.IsNull() {
		return WireValue{}, nil
	}
	switch p.In {
	case spec.InQuery:
		return serializeQuery(p, v)
	case spec.InPath:
		return serializePath(p, v)
	case spec.InHeader:
		return serializeHeader(p, v)
	case spec.InCookie:
		return serializeCookie(p, v)
	case spec.InBody:
		b, err := v.MarshalJSON()
		if err != nil {
			return WireValue{}, &ValidationError{Field: p.Name, Message: err.Error(), Cause: err}
		}
		return WireValue{Kind: WireBytes, Bytes: b}, nil
	default:
		return WireValue{}, &ValidationError{Field: p.Name, Message: "unsupported parameter location " + string(p.In)}
	}
}

func serializeQuery(p Param, v Value) (WireValue, error) {
	// nothing to send for empty composites
	if v.IsEmpty() {
		return WireValue{}, nil
	}
	key := url.QueryEscape(p.Name)
	var pairs []Pair
	switch {
	case p.Style == spec.StyleDeepObject && v.Kind() == KindObject:
		if !p.Explode {
			// deepObject is only defined with explode=true
			pairs = []Pair{{key, url.QueryEscape(v.Text())}}
			break
		}
		pairs = deepObjectPairs(key, v, p.Schema, nil)
	case (p.Style == spec.StyleSpaceDelimited || p.Style == spec.StylePipeDelimited) && v.Kind() == KindArray && !p.Explode:
		sep := "%20"
		if p.Style == spec.StylePipeDelimited {
			sep = "|"
		}
		pairs = []Pair{{key, joinAtoms(v.Items(), sep, url.QueryEscape)}}
	default:
		pairs = formPairs(key, v, p.Explode)
	}
	if len(pairs) == 0 {
		return WireValue{}, nil
	}
	return WireValue{Kind: WirePairs, Pairs: pairs}, nil
}

func formPairs(key string, v Value, explode bool) []Pair {
	switch v.Kind() {
	case KindArray:
		if !explode {
			return []Pair{{key, joinAtoms(v.Items(), ",", url.QueryEscape)}}
		}
		var out []Pair
		for _, it := range v.Items() {
			if it.IsNull() {
				continue
			}
			out = append(out, Pair{key, url.QueryEscape(it.Text())})
		}
		return out
	case KindObject:
		if !explode {
			return []Pair{{key, joinFields(v.Fields(), ",", ",", url.QueryEscape)}}
		}
		var out []Pair
		for _, f := range v.Fields() {
			if f.Value.IsNull() {
				continue
			}
			out = append(out, Pair{url.QueryEscape(f.Name), url.QueryEscape(f.Value.Text())})
		}
		return out
	default:
		return []Pair{{key, url.QueryEscape(v.Text())}}
	}
}

func deepObjectPairs(prefix string, v Value, schema *spec.Schema, out []Pair) []Pair {
	for _, f := range v.Fields() {
		if f.Value.IsNull() {
			continue
		}
		key := prefix + "[" + url.QueryEscape(f.Name) + "]"
		switch f.Value.Kind() {
		case KindObject:
			if sub := schema.Property(f.Name); sub != nil && sub.Type == "object" {
				out = deepObjectPairs(key, f.Value, sub, out)
				continue
			}
			out = append(out, Pair{key, url.QueryEscape(f.Value.Text())})
		case KindArray:
			for _, it := range f.Value.Items() {
				if it.IsNull() {
					continue
				}
				out = append(out, Pair{key, url.QueryEscape(it.Text())})
			}
		default:
			out = append(out, Pair{key, url.QueryEscape(f.Value.Text())})
		}
	}
	return out
}

func serializePath(p Param, v Value) (WireValue, error) {
	if err := rejectSlash(p.Name, v); err != nil {
		return WireValue{}, err
	}
	esc := url.PathEscape
	var s string
	switch p.Style {
	case spec.StyleLabel:
		s = labelString(v, p.Explode, esc)
	case spec.StyleMatrix:
		s = matrixString(p.Name, v, p.Explode, esc)
	default:
		s = simpleString(v, p.Explode, esc)
	}
	return WireValue{Kind: WireString, Str: s}, nil
}

func serializeHeader(p Param, v Value) (WireValue, error) {
	s := simpleString(v, p.Explode, identity)
	if strings.ContainsAny(s, "\r\n\x00") {
		return WireValue{}, &ValidationError{Field: p.Name, Message: "header value must not contain CR, LF or NUL"}
	}
	return WireValue{Kind: WireString, Str: s}, nil
}

// serializeCookie always yields a single comma-joined value; cookies have
// no multi-pair expansion.
func serializeCookie(p Param, v Value) (WireValue, error) {
	return WireValue{Kind: WireString, Str: simpleString(v, false, url.PathEscape)}, nil
}

func simpleString(v Value, explode bool, esc func(string) string) string {
	switch v.Kind() {
	case KindArray:
		return joinAtoms(v.Items(), ",", esc)
	case KindObject:
		if explode {
			return joinFields(v.Fields(), "=", ",", esc)
		}
		return joinFields(v.Fields(), ",", ",", esc)
	default:
		return esc(v.Text())
	}
}

func labelString(v Value, explode bool, esc func(string) string) string {
	switch v.Kind() {
	case KindArray:
		if explode {
			return "." + joinAtoms(v.Items(), ".", esc)
		}
		return "." + joinAtoms(v.Items(), ",", esc)
	case KindObject:
		if explode {
			return "." + joinFields(v.Fields(), "=", ".", esc)
		}
		return "." + joinFields(v.Fields(), ",", ",", esc)
	default:
		return "." + esc(v.Text())
	}
}

func matrixString(name string, v Value, explode bool, esc func(string) string) string {
	prefix := ";" + esc(name) + "="
	switch v.Kind() {
	case KindArray:
		if explode {
			var b strings.Builder
			for _, it := range v.Items() {
				if it.IsNull() {
					continue
				}
				b.WriteString(prefix)
				b.WriteString(esc(it.Text()))
			}
			return b.String()
		}
		return prefix + joinAtoms(v.Items(), ",", esc)
	case KindObject:
		if explode {
			return ";" + joinFields(v.Fields(), "=", ";", esc)
		}
		return prefix + joinFields(v.Fields(), ",", ",", esc)
	default:
		return prefix + esc(v.Text())
	}
}

func joinAtoms(items []Value, sep string, esc func(string) string) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		if it.IsNull() {
			continue
		}
		parts = append(parts, esc(it.Text()))
	}
	return strings.Join(parts, sep)
}

// joinFields renders k<kv>v pairs joined by sep.
func joinFields(fields []Field, kv, sep string, esc func(string) string) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if f.Value.IsNull() {
			continue
		}
		parts = append(parts, esc(f.Name)+kv+esc(f.Value.Text()))
	}
	return strings.Join(parts, sep)
}

func identity(s string) string { return s }

// rejectSlash refuses path values that would change the shape of the path.
func rejectSlash(name string, v Value) error {
	var walk func(Value) bool
	walk = func(x Value) bool {
		switch x.Kind() {
		case KindArray:
			for _, it := range x.Items() {
				if walk(it) {
					return true
				}
			}
			return false
		case KindObject:
			for _, f := range x.Fields() {
				if strings.Contains(f.Name, "/") || walk(f.Value) {
					return true
				}
			}
			return false
		default:
			return strings.Contains(x.Text(), "/")
		}
	}
	if walk(v) {
		return &ValidationError{Field: name, Message: "path value must not contain '/'"}
	}
	return nil
}
