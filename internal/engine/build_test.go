package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/mark3labs/oas2mcp/internal/spec"
)

const testBaseURL = "https://api.test/v1/"

func updateUserRoute() *spec.Route {
	return &spec.Route{
		OperationID: "updateUser",
		Method:      spec.PUT,
		Path:        "/users/{id}",
		Parameters: []spec.ParameterSpec{
			{Name: "id", In: spec.InPath, Required: true, Schema: intSchema},
			{Name: "fields", In: spec.InQuery, Schema: &spec.Schema{Type: "array", Items: strSchema}},
			{Name: "X-Trace", In: spec.InHeader, Schema: strSchema},
			{Name: "session", In: spec.InCookie, Schema: strSchema},
			{Name: "theme", In: spec.InCookie, Schema: strSchema},
		},
		RequestBody: &spec.RequestBodySpec{
			ContentType: "application/json",
			Required:    true,
			Schema: &spec.Schema{Type: "object", Properties: []spec.Property{
				{Name: "id", Schema: intSchema},
				{Name: "name", Schema: strSchema},
			}, Required: []string{"name"}},
		},
	}
}

func builders() map[string]RequestBuilder {
	return map[string]RequestBuilder{
		"manual":   NewManualBuilder(testBaseURL, nil),
		"compiled": NewCompiledBuilder(testBaseURL, nil),
	}
}

func buildWith(t *testing.T, b RequestBuilder, route *spec.Route, js string) (*RequestDescriptor, error) {
	t.Helper()
	cs, err := Combine(route)
	require.NoError(t, err)
	args, err := ParseArgs([]byte(js))
	require.NoError(t, err)
	return b.Build(route, cs, args)
}

func TestBuild_FullRequest(t *testing.T) {
	for name, b := range builders() {
		t.Run(name, func(t *testing.T) {
			req, err := buildWith(t, b, updateUserRoute(), `{
				"id": 7, "fields": ["a","b"], "X-Trace": "t1",
				"session": "s 1", "theme": "dark",
				"name": "Ann", "id__body": 9
			}`)
			require.NoError(t, err)
			assert.Equal(t, "PUT", req.Method)
			assert.Equal(t, "https://api.test/v1/users/7?fields=a&fields=b", req.URL)
			assert.Equal(t, "t1", req.Header.Get("X-Trace"))
			assert.Equal(t, "session=s%201; theme=dark", req.Header.Get("Cookie"))
			assert.Equal(t, "application/json", req.ContentType)
			assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
			assert.Equal(t, `{"id":9,"name":"Ann"}`, string(req.Body))
		})
	}
}

func TestBuild_OptionalArgumentsOmitted(t *testing.T) {
	for name, b := range builders() {
		t.Run(name, func(t *testing.T) {
			req, err := buildWith(t, b, updateUserRoute(), `{"id": 1, "name": "A", "fields": null, "X-Trace": null}`)
			require.NoError(t, err)
			assert.Equal(t, "https://api.test/v1/users/1", req.URL)
			assert.Empty(t, req.Header.Get("X-Trace"))
			assert.Empty(t, req.Header.Get("Cookie"))
			assert.Equal(t, `{"name":"A"}`, string(req.Body))
		})
	}
}

func TestBuild_ValidationErrors(t *testing.T) {
	cases := []struct {
		name  string
		args  string
		field string
	}{
		{"missing path", `{"name":"A"}`, "id"},
		{"null required", `{"id":null,"name":"A"}`, "id"},
		{"missing body field", `{"id":1}`, "name"},
		{"unknown argument", `{"id":1,"name":"A","bogus":1}`, "bogus"},
		{"wrong type", `{"id":"seven","name":"A"}`, "id"},
		{"fractional integer", `{"id":1.5,"name":"A"}`, "id"},
		{"array item type", `{"id":1,"name":"A","fields":[1]}`, "fields[0]"},
	}
	for name, b := range builders() {
		for _, tc := range cases {
			t.Run(name+"/"+tc.name, func(t *testing.T) {
				_, err := buildWith(t, b, updateUserRoute(), tc.args)
				require.Error(t, err)
				var ve *ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, tc.field, ve.Field)
			})
		}
	}
}

func TestBuild_PathValueWithSlash(t *testing.T) {
	route := &spec.Route{OperationID: "getFile", Method: spec.GET, Path: "/files/{name}", Parameters: []spec.ParameterSpec{
		{Name: "name", In: spec.InPath, Required: true, Schema: strSchema},
	}}
	for name, b := range builders() {
		t.Run(name, func(t *testing.T) {
			_, err := buildWith(t, b, route, `{"name":"../etc/passwd"}`)
			assert.Equal(t, CodeValidation, CodeOf(err))

			req, err := buildWith(t, b, route, `{"name":"a b.txt"}`)
			require.NoError(t, err)
			assert.Equal(t, "https://api.test/v1/files/a%20b.txt", req.URL)
		})
	}
}

func TestBuild_RouteErrors(t *testing.T) {
	cases := map[string]*spec.Route{
		"placeholder without parameter": {OperationID: "a", Method: spec.GET, Path: "/x/{id}"},
		"parameter not in template": {OperationID: "b", Method: spec.GET, Path: "/x", Parameters: []spec.ParameterSpec{
			{Name: "id", In: spec.InPath, Required: true, Schema: strSchema},
		}},
		"unterminated placeholder": {OperationID: "c", Method: spec.GET, Path: "/x/{id"},
	}
	for name, b := range builders() {
		for caseName, route := range cases {
			t.Run(name+"/"+caseName, func(t *testing.T) {
				args := `{}`
				if len(route.Parameters) > 0 {
					args = `{"id":"1"}`
				}
				_, err := buildWith(t, b, route, args)
				require.Error(t, err)
				assert.Equal(t, CodeRoute, CodeOf(err))
			})
		}
	}
}

func TestBuild_QueryKeyCollision(t *testing.T) {
	route := &spec.Route{OperationID: "search", Method: spec.GET, Path: "/s", Parameters: []spec.ParameterSpec{
		{Name: "limit", In: spec.InQuery, Schema: intSchema},
		{Name: "extra", In: spec.InQuery, Schema: &spec.Schema{Type: "object"}},
	}}
	for name, b := range builders() {
		t.Run(name, func(t *testing.T) {
			_, err := buildWith(t, b, route, `{"limit":5,"extra":{"limit":6}}`)
			require.Error(t, err)
			assert.Equal(t, CodeSchemaConflict, CodeOf(err))

			req, err := buildWith(t, b, route, `{"limit":5,"extra":{"page":2}}`)
			require.NoError(t, err)
			assert.Equal(t, "https://api.test/v1/s?limit=5&page=2", req.URL)
		})
	}
}

func TestBuild_QueryKeyCollisionAfterDecoding(t *testing.T) {
	explode := true
	route := &spec.Route{OperationID: "find", Method: spec.GET, Path: "/f", Parameters: []spec.ParameterSpec{
		{Name: "filter[a]", In: spec.InQuery, Schema: strSchema},
		{Name: "filter", In: spec.InQuery, Style: spec.StyleDeepObject, Explode: &explode, Schema: &spec.Schema{Type: "object"}},
	}}
	for name, b := range builders() {
		t.Run(name, func(t *testing.T) {
			_, err := buildWith(t, b, route, `{"filter[a]":"x","filter":{"a":"y"}}`)
			require.Error(t, err)
			assert.Equal(t, CodeSchemaConflict, CodeOf(err))
			var ce *SchemaConflictError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, "filter[a]", ce.Name)

			req, err := buildWith(t, b, route, `{"filter[a]":"x","filter":{"b":"y"}}`)
			require.NoError(t, err)
			assert.Equal(t, "https://api.test/v1/f?filter%5Ba%5D=x&filter[b]=y", req.URL)
		})
	}
}

func TestBuild_BodyModes(t *testing.T) {
	optional := &spec.Route{OperationID: "patch", Method: spec.PATCH, Path: "/p", RequestBody: &spec.RequestBodySpec{
		ContentType: "application/json",
		Schema:      &spec.Schema{Type: "object", Properties: []spec.Property{{Name: "a", Schema: strSchema}}},
	}}
	form := &spec.Route{OperationID: "login", Method: spec.POST, Path: "/login", RequestBody: &spec.RequestBodySpec{
		ContentType: "application/x-www-form-urlencoded",
		Required:    true,
		Schema: &spec.Schema{Type: "object", Properties: []spec.Property{
			{Name: "user", Schema: strSchema}, {Name: "pass", Schema: strSchema},
		}},
	}}
	text := &spec.Route{OperationID: "note", Method: spec.POST, Path: "/note", RequestBody: &spec.RequestBodySpec{
		ContentType: "text/plain",
		Required:    true,
		Schema:      strSchema,
	}}
	list := &spec.Route{OperationID: "bulk", Method: spec.POST, Path: "/bulk", RequestBody: &spec.RequestBodySpec{
		ContentType: "application/json",
		Schema:      &spec.Schema{Type: "array", Items: intSchema},
	}}

	for name, b := range builders() {
		t.Run(name, func(t *testing.T) {
			req, err := buildWith(t, b, optional, `{}`)
			require.NoError(t, err)
			assert.Nil(t, req.Body)
			assert.Empty(t, req.ContentType)

			req, err = buildWith(t, b, form, `{"user":"a b","pass":"p&q"}`)
			require.NoError(t, err)
			assert.Equal(t, "user=a+b&pass=p%26q", string(req.Body))
			assert.Equal(t, "application/x-www-form-urlencoded", req.ContentType)

			req, err = buildWith(t, b, text, `{"body":"hello"}`)
			require.NoError(t, err)
			assert.Equal(t, "hello", string(req.Body))
			assert.Equal(t, "text/plain", req.Header.Get("Content-Type"))

			req, err = buildWith(t, b, list, `{"body":[3,1]}`)
			require.NoError(t, err)
			assert.Equal(t, "[3,1]", string(req.Body))
		})
	}
}

func TestBuild_NoBaseURL(t *testing.T) {
	route := &spec.Route{OperationID: "ping", Method: spec.GET, Path: "/ping"}
	cs, err := Combine(route)
	require.NoError(t, err)
	req, err := NewManualBuilder("", nil).Build(route, cs, Args{})
	require.NoError(t, err)
	assert.Equal(t, "/ping", req.URL)
	assert.Empty(t, req.Header)
}

// The manual and compiled strategies are interchangeable.
func TestBuild_StrategiesAgree(t *testing.T) {
	route := updateUserRoute()
	cs, err := Combine(route)
	require.NoError(t, err)
	manual := NewManualBuilder(testBaseURL, nil)
	compiled := NewCompiledBuilder(testBaseURL, nil)

	rapid.Check(t, func(t *rapid.T) {
		args := Args{}
		args["id"] = Int(rapid.Int64Range(-5, 1_000_000).Draw(t, "id"))
		if rapid.Bool().Draw(t, "withName") {
			args["name"] = String(rapid.String().Draw(t, "name"))
		}
		if rapid.Bool().Draw(t, "withFields") {
			var items []Value
			for i, n := 0, rapid.IntRange(0, 3).Draw(t, "nfields"); i < n; i++ {
				items = append(items, String(rapid.StringMatching(`[a-z &=?]{0,6}`).Draw(t, fmt.Sprintf("f%d", i))))
			}
			args["fields"] = Array(items...)
		}
		if rapid.Bool().Draw(t, "withTrace") {
			args["X-Trace"] = String(rapid.StringMatching(`[A-Za-z0-9\-]{1,8}`).Draw(t, "trace"))
		}
		if rapid.Bool().Draw(t, "withSession") {
			args["session"] = String(rapid.StringMatching(`[a-z ;]{0,6}`).Draw(t, "session"))
		}
		if rapid.Bool().Draw(t, "withBodyID") {
			args["id__body"] = Int(rapid.Int64().Draw(t, "bodyID"))
		}

		m, merr := manual.Build(route, cs, args)
		c, cerr := compiled.Build(route, cs, args)
		if (merr == nil) != (cerr == nil) {
			t.Fatalf("strategies disagree on failure: manual=%v compiled=%v", merr, cerr)
		}
		if merr != nil {
			if merr.Error() != cerr.Error() {
				t.Fatalf("different errors: %v vs %v", merr, cerr)
			}
			return
		}
		if !assert.Equal(t, m, c) {
			t.Fatalf("descriptors differ")
		}
	})
}

func TestDispatcher(t *testing.T) {
	d := NewDispatcher(testBaseURL, StrategyManual, map[string]Strategy{"updateUser": StrategyCompiled}, nil)
	assert.Equal(t, StrategyCompiled, d.StrategyFor("updateUser"))
	assert.Equal(t, StrategyManual, d.StrategyFor("other"))

	route := updateUserRoute()
	cs, err := Combine(route)
	require.NoError(t, err)
	req, err := d.Build(route, cs, Args{"id": Int(3), "name": String("x")})
	require.NoError(t, err)
	assert.Equal(t, "https://api.test/v1/users/3", req.URL)

	_, ok := d.compiled.plans.Load("updateUser")
	assert.True(t, ok)
	d.Reset()
	_, ok = d.compiled.plans.Load("updateUser")
	assert.False(t, ok)

	s, err := ParseStrategy(" Compiled ")
	require.NoError(t, err)
	assert.Equal(t, StrategyCompiled, s)
	_, err = ParseStrategy("generated")
	assert.Error(t, err)
}
