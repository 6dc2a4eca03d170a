package engine

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/mark3labs/oas2mcp/internal/spec"
)

// RequestDescriptor is a fully materialized HTTP request, ready for a
// Transport. URL already carries the percent-encoded query string.
type RequestDescriptor struct {
	Method      string
	URL         string
	Header      http.Header
	Body        []byte
	ContentType string
}

// RequestBuilder turns caller arguments into a RequestDescriptor.
type RequestBuilder interface {
	Build(route *spec.Route, cs *CombinedSchema, args Args) (*RequestDescriptor, error)
}

// ManualBuilder interprets the route on every call.
type ManualBuilder struct {
	BaseURL string
	Logger  *zap.Logger
}

func NewManualBuilder(baseURL string, logger *zap.Logger) *ManualBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ManualBuilder{BaseURL: baseURL, Logger: logger}
}

func (b *ManualBuilder) Build(route *spec.Route, cs *CombinedSchema, args Args) (*RequestDescriptor, error) {
	if err := checkArgs(cs, args); err != nil {
		return nil, err
	}
	if err := checkTemplate(route, cs); err != nil {
		return nil, err
	}

	var path strings.Builder
	rest := route.Path
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			path.WriteString(rest)
			break
		}
		closing := strings.IndexByte(rest[open:], '}') + open
		path.WriteString(rest[:open])
		name := rest[open+1 : closing]
		slot := pathSlot(cs, name)
		s, err := renderPathValue(slot, args[slot.ExposedName])
		if err != nil {
			return nil, err
		}
		path.WriteString(s)
		rest = rest[closing+1:]
	}

	var qb queryBuilder
	for _, slot := range cs.SlotsIn(spec.InQuery) {
		if err := qb.add(cs, slot, args[slot.ExposedName], b.Logger); err != nil {
			return nil, err
		}
	}

	header := http.Header{}
	for _, slot := range cs.SlotsIn(spec.InHeader) {
		if err := setHeader(header, slot, args[slot.ExposedName]); err != nil {
			return nil, err
		}
	}
	var cookies []string
	for _, slot := range cs.SlotsIn(spec.InCookie) {
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

	body, ct, err := encodeBody(cs, cs.SlotsIn(spec.InBody), args)
	if err != nil {
		return nil, err
	}
	return finish(route, b.BaseURL, path.String(), qb.String(), header, body, ct), nil
}

// checkTemplate verifies that placeholders and path parameters match one to one.
func checkTemplate(route *spec.Route, cs *CombinedSchema) error {
	names, err := templateNames(route.Path)
	if err != nil {
		return &RouteError{OperationID: route.OperationID, Path: route.Path, Message: err.Error()}
	}
	seen := map[string]bool{}
	for _, n := range names {
		if pathSlot(cs, n) == nil {
			return &RouteError{OperationID: route.OperationID, Path: route.Path, Message: "placeholder {" + n + "} has no path parameter"}
		}
		seen[n] = true
	}
	for _, s := range cs.SlotsIn(spec.InPath) {
		if !seen[s.Name] {
			return &RouteError{OperationID: route.OperationID, Path: route.Path, Message: "path parameter " + s.Name + " is not in the template"}
		}
	}
	return nil
}

func templateNames(tmpl string) ([]string, error) {
	var names []string
	rest := tmpl
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			if strings.IndexByte(rest, '}') >= 0 {
				return nil, errors.New("unbalanced '}' in path template")
			}
			return names, nil
		}
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			return nil, errors.New("unterminated placeholder in path template")
		}
		name := rest[open+1 : open+closing]
		if name == "" || strings.ContainsAny(name, "{/") {
			return nil, errors.New("malformed placeholder in path template")
		}
		names = append(names, name)
		rest = rest[open+closing+1:]
	}
}

func pathSlot(cs *CombinedSchema, name string) *Slot {
	for i := range cs.Slots {
		if cs.Slots[i].Location == spec.InPath && cs.Slots[i].Name == name {
			return &cs.Slots[i]
		}
	}
	return nil
}

func renderPathValue(slot *Slot, v Value) (string, error) {
	if v.IsNull() {
		return "", &ValidationError{Field: slot.ExposedName, Message: "required argument is missing"}
	}
	w, err := Serialize(slot.Param(), v)
	if err != nil {
		return "", renameField(err, slot.ExposedName)
	}
	if w.Str == "" {
		return "", &ValidationError{Field: slot.ExposedName, Message: "path value must not be empty"}
	}
	return w.Str, nil
}

// queryBuilder accumulates pre-encoded pairs and rejects keys emitted by
// two different parameters.
type queryBuilder struct {
	pairs  []Pair
	owners map[string]Slot
}

func (q *queryBuilder) add(cs *CombinedSchema, slot Slot, v Value, logger *zap.Logger) error {
	if slot.Style == spec.StyleDeepObject && !slot.Explode && v.Kind() == KindObject {
		logger.Warn("deepObject without explode is undefined; sending JSON",
			zap.String("operation", cs.OperationID), zap.String("parameter", slot.Name))
	}
	w, err := Serialize(slot.Param(), v)
	if err != nil {
		return renameField(err, slot.ExposedName)
	}
	if w.Kind != WirePairs {
		return nil
	}
	if q.owners == nil {
		q.owners = map[string]Slot{}
	}
	for _, p := range w.Pairs {
		// compare keys as the server decodes them: "filter[a]" and
		// "filter%5Ba%5D" are the same key on the wire
		key, err := url.QueryUnescape(p.Key)
		if err != nil {
			key = p.Key
		}
		if owner, ok := q.owners[key]; ok && owner.Name != slot.Name {
			return &SchemaConflictError{
				OperationID: cs.OperationID,
				Name:        key,
				Slots:       []SlotOrigin{owner.Origin(), slot.Origin()},
				Reason:      "query key emitted by two parameters",
			}
		}
		q.owners[key] = slot
	}
	q.pairs = append(q.pairs, w.Pairs...)
	return nil
}

func (q *queryBuilder) String() string {
	parts := make([]string, len(q.pairs))
	for i, p := range q.pairs {
		parts[i] = p.String()
	}
	return strings.Join(parts, "&")
}

func setHeader(h http.Header, slot Slot, v Value) error {
	w, err := Serialize(slot.Param(), v)
	if err != nil {
		return renameField(err, slot.ExposedName)
	}
	if w.Kind == WireString {
		h.Set(slot.Name, w.Str)
	}
	return nil
}

func renderCookie(slot Slot, v Value) (string, error) {
	w, err := Serialize(slot.Param(), v)
	if err != nil {
		return "", renameField(err, slot.ExposedName)
	}
	if w.Kind != WireString {
		return "", nil
	}
	return slot.Name + "=" + w.Str, nil
}

// encodeBody assembles the request body from the body slots.
func encodeBody(cs *CombinedSchema, slots []Slot, args Args) ([]byte, string, error) {
	switch cs.BodyMode {
	case BodyFields:
		var fields []Field
		for _, s := range slots {
			v := args[s.ExposedName]
			if v.IsNull() {
				continue
			}
			fields = append(fields, Field{Name: s.Name, Value: v})
		}
		if len(fields) == 0 && !cs.BodyRequired {
			return nil, "", nil
		}
		ct := bodyContentType(cs)
		if isFormContentType(ct) {
			return []byte(formEncode(fields)), ct, nil
		}
		b, err := Object(fields...).MarshalJSON()
		if err != nil {
			return nil, "", &ValidationError{Field: BodyArgName, Message: err.Error(), Cause: err}
		}
		return b, ct, nil
	case BodyWhole:
		if len(slots) == 0 {
			return nil, "", nil
		}
		v := args[slots[0].ExposedName]
		if v.IsNull() {
			return nil, "", nil
		}
		ct := bodyContentType(cs)
		switch {
		case v.Kind() == KindString && !isJSONContentType(ct):
			return []byte(v.Str()), ct, nil
		case v.Kind() == KindObject && isFormContentType(ct):
			return []byte(formEncode(v.Fields())), ct, nil
		}
		b, err := v.MarshalJSON()
		if err != nil {
			return nil, "", &ValidationError{Field: slots[0].ExposedName, Message: err.Error(), Cause: err}
		}
		return b, ct, nil
	default:
		return nil, "", nil
	}
}

func bodyContentType(cs *CombinedSchema) string {
	if cs.ContentType == "" {
		return "application/json"
	}
	return cs.ContentType
}

func formEncode(fields []Field) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if f.Value.IsNull() {
			continue
		}
		parts = append(parts, url.QueryEscape(f.Name)+"="+url.QueryEscape(f.Value.Text()))
	}
	return strings.Join(parts, "&")
}

func finish(route *spec.Route, baseURL, path, query string, header http.Header, body []byte, ct string) *RequestDescriptor {
	u := strings.TrimRight(baseURL, "/") + path
	if query != "" {
		u += "?" + query
	}
	if ct != "" {
		header.Set("Content-Type", ct)
	}
	return &RequestDescriptor{
		Method:      string(route.Method),
		URL:         u,
		Header:      header,
		Body:        body,
		ContentType: ct,
	}
}

// renameField reports serializer errors under the caller-facing name.
func renameField(err error, exposed string) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		cp := *ve
		cp.Field = exposed
		return &cp
	}
	return err
}
