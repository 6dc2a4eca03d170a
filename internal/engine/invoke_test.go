package engine

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mark3labs/oas2mcp/internal/spec"
)

func respond(status int, ct, body string) TransportFunc {
	return func(_ context.Context, _ *RequestDescriptor) (*RawResponse, error) {
		h := http.Header{}
		if ct != "" {
			h.Set("Content-Type", ct)
		}
		return &RawResponse{Status: status, Header: h, Body: []byte(body)}, nil
	}
}

func testRoutes() []spec.Route {
	return []spec.Route{
		*updateUserRoute(),
		{OperationID: "ping", Method: spec.GET, Path: "/ping"},
		{OperationID: "search", Method: spec.GET, Path: "/search", Parameters: []spec.ParameterSpec{
			{Name: "mode", In: spec.InQuery, Required: true, Schema: &spec.Schema{Type: "string", Enum: []any{"fast", "full"}}},
		}},
	}
}

func TestInvoke_JSONResponse(t *testing.T) {
	var seen *RequestDescriptor
	tr := TransportFunc(func(ctx context.Context, req *RequestDescriptor) (*RawResponse, error) {
		seen = req
		return respond(200, "application/json; charset=utf-8", `{"id":7,"name":"Ann"}`)(ctx, req)
	})
	e := New(testRoutes(), tr, WithBaseURL("http://upstream"))

	res, err := e.Invoke(context.Background(), "updateUser", Args{"id": Int(7), "name": String("Ann")})
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	require.True(t, res.IsJSON)
	name, ok := res.Value.Get("name")
	require.True(t, ok)
	assert.Equal(t, "Ann", name.Str())
	assert.Equal(t, "http://upstream/users/7", seen.URL)
}

func TestInvoke_NonJSONAndBrokenJSON(t *testing.T) {
	e := New(testRoutes(), respond(200, "text/plain", "pong"))
	res, err := e.Invoke(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.False(t, res.IsJSON)
	assert.Equal(t, "pong", string(res.Raw))

	e = New(testRoutes(), respond(200, "application/json", "{not json"))
	res, err = e.Invoke(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.False(t, res.IsJSON)
	assert.Equal(t, "{not json", string(res.Raw))
}

func TestInvoke_HTTPErrors(t *testing.T) {
	e := New(testRoutes(), respond(404, "application/json", `{"error":"nope"}`))
	_, err := e.Invoke(context.Background(), "ping", nil)
	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 404, ce.Status)
	assert.Equal(t, `{"error":"nope"}`, string(ce.Body))
	assert.Equal(t, "application/json", ce.Header.Get("Content-Type"))
	assert.Equal(t, `HTTP error 404: Not Found - {"error":"nope"}`, err.Error())

	e = New(testRoutes(), respond(503, "", "down"))
	_, err = e.Invoke(context.Background(), "ping", nil)
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 503, se.Status)
	assert.Equal(t, CodeServer, CodeOf(err))
}

func TestInvoke_TransportFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := New(testRoutes(), TransportFunc(func(ctx context.Context, _ *RequestDescriptor) (*RawResponse, error) {
		return nil, ctx.Err()
	}))
	_, err := e.Invoke(ctx, "ping", nil)
	require.Error(t, err)
	assert.Equal(t, CodeTransport, CodeOf(err))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestInvoke_NilResponseIsTransportError(t *testing.T) {
	e := New(testRoutes(), TransportFunc(func(context.Context, *RequestDescriptor) (*RawResponse, error) {
		return nil, nil
	}))
	_, err := e.Invoke(context.Background(), "ping", nil)
	require.Error(t, err)
	assert.Equal(t, CodeTransport, CodeOf(err))
	assert.Contains(t, err.Error(), "no response")
}

func TestInvoke_FailsBeforeTransport(t *testing.T) {
	called := false
	e := New(testRoutes(), TransportFunc(func(context.Context, *RequestDescriptor) (*RawResponse, error) {
		called = true
		return &RawResponse{Status: 200}, nil
	}))

	_, err := e.Invoke(context.Background(), "missing", nil)
	assert.Equal(t, CodeRoute, CodeOf(err))

	_, err = e.Invoke(context.Background(), "updateUser", Args{"name": String("x")})
	assert.Equal(t, CodeValidation, CodeOf(err))

	assert.False(t, called)
}

func TestInvoke_RequestHook(t *testing.T) {
	var got string
	tr := TransportFunc(func(_ context.Context, req *RequestDescriptor) (*RawResponse, error) {
		got = req.Header.Get("Authorization")
		return &RawResponse{Status: 204}, nil
	})
	hook := func(_ context.Context, _ *spec.Route, req *RequestDescriptor) error {
		req.Header.Set("Authorization", "Bearer t0k")
		return nil
	}
	e := New(testRoutes(), tr, WithRequestHook(hook))
	res, err := e.Invoke(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, 204, res.Status)
	assert.Equal(t, "Bearer t0k", got)

	failing := New(testRoutes(), tr, WithRequestHook(func(context.Context, *spec.Route, *RequestDescriptor) error {
		return errors.New("no credentials")
	}))
	_, err = failing.Invoke(context.Background(), "ping", nil)
	assert.EqualError(t, err, "no credentials")
}

func TestInvoke_StrictValidation(t *testing.T) {
	lenient := New(testRoutes(), respond(200, "", ""))
	_, err := lenient.Invoke(context.Background(), "search", Args{"mode": String("slow")})
	require.NoError(t, err)

	strict := New(testRoutes(), respond(200, "", ""), WithStrictValidation(true))
	_, err = strict.Invoke(context.Background(), "search", Args{"mode": String("slow")})
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "mode", ve.Field)

	_, err = strict.Invoke(context.Background(), "search", Args{"mode": String("fast")})
	assert.NoError(t, err)
}

func TestInvoke_StrategiesAndObserver(t *testing.T) {
	obs := &countingObserver{}
	var urls []string
	tr := TransportFunc(func(_ context.Context, req *RequestDescriptor) (*RawResponse, error) {
		urls = append(urls, req.URL)
		return &RawResponse{Status: 200}, nil
	})
	e := New(testRoutes(), tr,
		WithBaseURL("http://h"),
		WithObserver(obs),
		WithStrategies(StrategyCompiled, map[string]Strategy{"ping": StrategyManual}),
	)
	args := Args{"id": Int(1), "name": String("n")}
	for i := 0; i < 2; i++ {
		_, err := e.Invoke(context.Background(), "updateUser", args)
		require.NoError(t, err)
	}
	_, err := e.Invoke(context.Background(), "updateUser", Args{})
	require.Error(t, err)

	assert.Equal(t, []string{"http://h/users/1", "http://h/users/1"}, urls)
	assert.Equal(t, []ErrorCode{"", "", CodeValidation}, obs.codes)
	assert.Equal(t, int64(1), obs.misses.Load())
	assert.Equal(t, int64(2), obs.hits.Load())
}

func TestEngine_Reload(t *testing.T) {
	e := New(testRoutes(), respond(200, "", ""))
	before, err := e.Schema("updateUser")
	require.NoError(t, err)
	assert.Len(t, e.Routes(), 3)

	e.Reload([]spec.Route{{OperationID: "ping", Method: spec.GET, Path: "/ping"}})
	assert.Len(t, e.Routes(), 1)
	_, err = e.Schema("updateUser")
	assert.Equal(t, CodeRoute, CodeOf(err))
	_, err = e.Invoke(context.Background(), "updateUser", nil)
	assert.Equal(t, CodeRoute, CodeOf(err))

	e.Reload(testRoutes())
	after, err := e.Schema("updateUser")
	require.NoError(t, err)
	assert.NotSame(t, before, after)
	assert.Equal(t, exposedNames(before), exposedNames(after))
}

func TestInvoke_LogsPhases(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	e := New(testRoutes(), respond(200, "", ""), WithLogger(zap.New(core)))
	_, err := e.Invoke(context.Background(), "ping", nil)
	require.NoError(t, err)

	var phases []string
	for _, entry := range logs.FilterMessage("invocation").All() {
		phases = append(phases, entry.ContextMap()["phase"].(string))
	}
	assert.Equal(t, []string{"pending", "building", "sent", "succeeded"}, phases)
}
