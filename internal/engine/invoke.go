package engine

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mark3labs/oas2mcp/internal/spec"
)

// Transport executes a materialized request. It owns connection management,
// timeouts and auth. ctx cancellation must abort the request.
type Transport interface {
	Execute(ctx context.Context, req *RequestDescriptor) (*RawResponse, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req *RequestDescriptor) (*RawResponse, error)

func (f TransportFunc) Execute(ctx context.Context, req *RequestDescriptor) (*RawResponse, error) {
	return f(ctx, req)
}

// RawResponse is what a Transport hands back.
type RawResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// InvocationResult is a successful response. Value is set when the body was
// JSON; Raw always holds the body bytes.
type InvocationResult struct {
	Status      int
	Header      http.Header
	ContentType string
	IsJSON      bool
	Value       Value
	Raw         []byte
}

// RequestHook may rewrite a descriptor before it is sent, typically to add
// credentials. An error aborts the invocation.
type RequestHook func(ctx context.Context, route *spec.Route, req *RequestDescriptor) error

// Phase is a step of one invocation.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseBuilding  Phase = "building"
	PhaseSent      Phase = "sent"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
)

// Observer receives engine events. Implementations must be safe for
// concurrent use.
type Observer interface {
	SchemaCacheLookup(hit bool)
	InvocationDone(operationID string, strategy Strategy, code ErrorCode, elapsed time.Duration)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) SchemaCacheLookup(bool)                                   {}
func (NopObserver) InvocationDone(string, Strategy, ErrorCode, time.Duration) {}

type routeTable struct {
	list []*spec.Route
	byID map[string]*spec.Route
}

func newRouteTable(routes []spec.Route) *routeTable {
	t := &routeTable{byID: make(map[string]*spec.Route, len(routes))}
	for i := range routes {
		r := routes[i]
		t.list = append(t.list, &r)
		t.byID[r.OperationID] = &r
	}
	return t
}

// Engine resolves arguments and invokes operations. It is safe for
// concurrent use; Reload swaps the route table atomically.
type Engine struct {
	routes     atomic.Pointer[routeTable]
	cache      *SchemaCache
	dispatcher *Dispatcher
	transport  Transport
	logger     *zap.Logger
	observer   Observer
	hooks      []RequestHook
	strict     bool
	validators sync.Map // operation ID -> *argValidator
}

type settings struct {
	logger     *zap.Logger
	observer   Observer
	hooks      []RequestHook
	strict     bool
	baseURL    string
	strategy   Strategy
	strategies map[string]Strategy
}

type Option func(*settings)

func WithLogger(l *zap.Logger) Option { return func(s *settings) { s.logger = l } }

func WithObserver(o Observer) Option { return func(s *settings) { s.observer = o } }

// WithStrictValidation validates arguments against the tool input schema
// before building.
func WithStrictValidation(on bool) Option { return func(s *settings) { s.strict = on } }

func WithRequestHook(h RequestHook) Option {
	return func(s *settings) { s.hooks = append(s.hooks, h) }
}

// WithBaseURL sets the prefix of every request URL.
func WithBaseURL(u string) Option { return func(s *settings) { s.baseURL = u } }

// WithStrategies sets the default build strategy and per-operation overrides.
func WithStrategies(def Strategy, table map[string]Strategy) Option {
	return func(s *settings) {
		s.strategy = def
		s.strategies = table
	}
}

func New(routes []spec.Route, transport Transport, opts ...Option) *Engine {
	st := settings{logger: zap.NewNop(), observer: NopObserver{}, strategy: StrategyManual}
	for _, opt := range opts {
		opt(&st)
	}
	if st.logger == nil {
		st.logger = zap.NewNop()
	}
	if st.observer == nil {
		st.observer = NopObserver{}
	}
	logger := st.logger.With(zap.String("component", "engine"))
	e := &Engine{
		cache:      NewSchemaCache(st.observer),
		dispatcher: NewDispatcher(st.baseURL, st.strategy, st.strategies, logger),
		transport:  transport,
		logger:     logger,
		observer:   st.observer,
		hooks:      st.hooks,
		strict:     st.strict,
	}
	e.routes.Store(newRouteTable(routes))
	return e
}

// Routes returns the current routes in load order.
func (e *Engine) Routes() []*spec.Route {
	return append([]*spec.Route(nil), e.routes.Load().list...)
}

// Route looks up an operation by ID.
func (e *Engine) Route(operationID string) (*spec.Route, bool) {
	r, ok := e.routes.Load().byID[operationID]
	return r, ok
}

// Schema returns the combined schema of an operation.
func (e *Engine) Schema(operationID string) (*CombinedSchema, error) {
	r, ok := e.Route(operationID)
	if !ok {
		return nil, unknownOperation(operationID)
	}
	return e.cache.Get(r)
}

// Reload replaces the route table and drops every derived cache.
// In-flight invocations finish against the routes they started with.
func (e *Engine) Reload(routes []spec.Route) {
	e.routes.Store(newRouteTable(routes))
	e.cache.Reset()
	e.dispatcher.Reset()
	e.validators.Range(func(k, _ any) bool {
		e.validators.Delete(k)
		return true
	})
	e.logger.Info("routes reloaded", zap.Int("routes", len(routes)))
}

// Invoke calls the operation registered under operationID.
func (e *Engine) Invoke(ctx context.Context, operationID string, args Args) (*InvocationResult, error) {
	r, ok := e.Route(operationID)
	if !ok {
		return nil, unknownOperation(operationID)
	}
	return e.InvokeRoute(ctx, r, args)
}

// InvokeRoute builds and sends one request for route. Failures are returned
// as the typed errors of this package; nothing is retried.
func (e *Engine) InvokeRoute(ctx context.Context, route *spec.Route, args Args) (res *InvocationResult, err error) {
	start := time.Now()
	strategy := e.dispatcher.StrategyFor(route.OperationID)
	log := e.logger.With(zap.String("operation", route.OperationID), zap.String("strategy", string(strategy)))
	log.Debug("invocation", zap.String("phase", string(PhasePending)))
	defer func() {
		code := CodeOf(err)
		if err != nil {
			log.Debug("invocation", zap.String("phase", string(PhaseFailed)), zap.String("code", string(code)), zap.Error(err))
		} else {
			log.Debug("invocation", zap.String("phase", string(PhaseSucceeded)), zap.Int("status", res.Status))
		}
		e.observer.InvocationDone(route.OperationID, strategy, code, time.Since(start))
	}()

	log.Debug("invocation", zap.String("phase", string(PhaseBuilding)))
	cs, err := e.cache.Get(route)
	if err != nil {
		return nil, err
	}
	if e.strict {
		if err := e.validateStrict(route, cs, args); err != nil {
			return nil, err
		}
	}
	req, err := e.dispatcher.Build(route, cs, args)
	if err != nil {
		return nil, err
	}
	for _, h := range e.hooks {
		if err := h(ctx, route, req); err != nil {
			return nil, err
		}
	}

	log.Debug("invocation", zap.String("phase", string(PhaseSent)), zap.String("method", req.Method), zap.String("url", req.URL))
	raw, err := e.transport.Execute(ctx, req)
	if err != nil {
		var te *TransportError
		if errors.As(err, &te) {
			return nil, err
		}
		return nil, &TransportError{Cause: err}
	}
	if raw == nil {
		return nil, &TransportError{Cause: errors.New("transport returned no response")}
	}
	return mapResponse(raw)
}

func (e *Engine) validateStrict(route *spec.Route, cs *CombinedSchema, args Args) error {
	if v, ok := e.validators.Load(route.OperationID); ok {
		if av := v.(*argValidator); av.route == route {
			return av.validate(args)
		}
	}
	av, err := newArgValidator(route, cs)
	if err != nil {
		return err
	}
	e.validators.Store(route.OperationID, av)
	return av.validate(args)
}

func mapResponse(raw *RawResponse) (*InvocationResult, error) {
	header := raw.Header
	if header == nil {
		header = http.Header{}
	}
	switch {
	case raw.Status >= 500:
		return nil, &ServerError{Status: raw.Status, Header: header, Body: raw.Body}
	case raw.Status >= 400:
		return nil, &ClientError{Status: raw.Status, Header: header, Body: raw.Body}
	}
	ct := header.Get("Content-Type")
	res := &InvocationResult{Status: raw.Status, Header: header, ContentType: ct, Raw: raw.Body}
	if isJSONContentType(ct) && len(raw.Body) > 0 {
		var v Value
		if err := v.UnmarshalJSON(raw.Body); err == nil {
			res.IsJSON = true
			res.Value = v
		}
	}
	return res, nil
}

func unknownOperation(operationID string) error {
	return &RouteError{OperationID: operationID, Message: "unknown operation"}
}
