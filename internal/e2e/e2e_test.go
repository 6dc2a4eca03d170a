package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mark3labs/oas2mcp/internal/cli"
	"github.com/mark3labs/oas2mcp/internal/engine"
	"github.com/mark3labs/oas2mcp/internal/mcpserver"
	"github.com/mark3labs/oas2mcp/internal/spec"
	"github.com/mark3labs/oas2mcp/internal/transport"
)

const usersSpec = "" +
	"openapi: 3.0.0\n" +
	"info:\n" +
	"  title: E2E Sample\n" +
	"  version: '1.0.0'\n" +
	"servers:\n" +
	"  - url: http://unused.invalid\n" +
	"paths:\n" +
	"  /users/{id}:\n" +
	"    put:\n" +
	"      operationId: updateUser\n" +
	"      parameters:\n" +
	"        - {name: id, in: path, required: true, schema: {type: integer}}\n" +
	"        - {name: verbose, in: query, schema: {type: boolean}}\n" +
	"        - {name: tags, in: query, schema: {type: array, items: {type: string}}}\n" +
	"        - {name: X-Trace, in: header, schema: {type: string}}\n" +
	"      requestBody:\n" +
	"        required: true\n" +
	"        content:\n" +
	"          application/json:\n" +
	"            schema:\n" +
	"              type: object\n" +
	"              required: [name]\n" +
	"              properties:\n" +
	"                id: {type: integer}\n" +
	"                name: {type: string}\n" +
	"      responses:\n" +
	"        '200':\n" +
	"          description: ok\n" +
	"          content:\n" +
	"            application/json:\n" +
	"              schema:\n" +
	"                type: object\n" +
	"  /missing:\n" +
	"    get:\n" +
	"      operationId: getMissing\n" +
	"      responses:\n" +
	"        '404':\n" +
	"          description: not found\n"

type captured struct {
	Method string
	Path   string
	Query  string
	Trace  string
	Body   map[string]any
}

type upstream struct {
	mu   sync.Mutex
	reqs []captured
}

func (u *upstream) last(t *testing.T) captured {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	require.NotEmpty(t, u.reqs, "upstream saw no requests")
	return u.reqs[len(u.reqs)-1]
}

func startUpstream(t *testing.T) (*httptest.Server, *upstream) {
	t.Helper()
	u := &upstream{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := captured{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Trace: r.Header.Get("X-Trace")}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			_ = json.Unmarshal(data, &c.Body)
		}
		u.mu.Lock()
		u.reqs = append(u.reqs, c)
		u.mu.Unlock()

		if r.URL.Path == "/missing" {
			http.Error(w, "nope", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"id":7}`)
	}))
	t.Cleanup(srv.Close)
	return srv, u
}

func writeTempSpec(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "spec.yaml")
	if err := os.WriteFile(p, []byte(usersSpec), 0o600); err != nil {
		t.Fatalf("write spec: %v", err)
	}
	return p
}

func runCLI(args ...string) (string, error) {
	var out bytes.Buffer
	root := cli.NewRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestE2E_CallSendsCombinedRequest(t *testing.T) {
	t.Parallel()
	srv, up := startUpstream(t)
	specPath := writeTempSpec(t)

	out, err := runCLI("call", "updateUser",
		"--input", specPath,
		"--base-url", srv.URL,
		"--args", `{"id":7,"verbose":true,"tags":["a b","c"],"X-Trace":"t-1","id__body":9,"name":"Ada"}`,
	)
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"ok\": true,\n  \"id\": 7\n}\n", out)

	got := up.last(t)
	assert.Equal(t, http.MethodPut, got.Method)
	assert.Equal(t, "/users/7", got.Path)
	assert.Equal(t, "verbose=true&tags=a+b&tags=c", got.Query)
	assert.Equal(t, "t-1", got.Trace)
	assert.Equal(t, map[string]any{"id": float64(9), "name": "Ada"}, got.Body)
}

func TestE2E_CompiledStrategyMatchesManual(t *testing.T) {
	t.Parallel()
	srv, up := startUpstream(t)
	specPath := writeTempSpec(t)
	args := `{"id":3,"tags":["x"],"name":"Bo"}`

	_, err := runCLI("call", "updateUser", "--input", specPath, "--base-url", srv.URL, "--args", args)
	require.NoError(t, err)
	manual := up.last(t)

	_, err = runCLI("call", "updateUser", "--input", specPath, "--base-url", srv.URL, "--args", args, "--strategy", "compiled")
	require.NoError(t, err)
	compiled := up.last(t)

	assert.Equal(t, manual, compiled)
}

func TestE2E_CallErrors(t *testing.T) {
	t.Parallel()
	srv, _ := startUpstream(t)
	specPath := writeTempSpec(t)

	_, err := runCLI("call", "updateUser", "--input", specPath, "--base-url", srv.URL, "--args", `{"id":7}`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cli.ErrUsage), "missing required argument should be a usage error: %v", err)
	assert.Contains(t, err.Error(), "name")

	_, err = runCLI("call", "nope", "--input", specPath, "--base-url", srv.URL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cli.ErrUsage), "unknown operation should be a usage error: %v", err)

	_, err = runCLI("call", "getMissing", "--input", specPath, "--base-url", srv.URL)
	require.Error(t, err)
	assert.False(t, errors.Is(err, cli.ErrUsage), "upstream failure is not a usage error: %v", err)
	var ce *engine.ClientError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, http.StatusNotFound, ce.Status)
}

func TestE2E_RoutesListing(t *testing.T) {
	t.Parallel()
	specPath := writeTempSpec(t)

	out, err := runCLI("routes", "--input", specPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, out, "id*, verbose, tags, X-Trace, id__body, name*")
	assert.Contains(t, out, "getMissing")
}

func TestE2E_MCPToolOverHTTP(t *testing.T) {
	t.Parallel()
	srv, up := startUpstream(t)
	ctx := context.Background()

	doc, err := spec.Load(ctx, writeTempSpec(t))
	require.NoError(t, err)
	routes, err := spec.BuildRoutes(doc)
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	eng := engine.New(routes, transport.New(transport.WithLogger(logger)),
		engine.WithBaseURL(srv.URL), engine.WithLogger(logger), engine.WithStrictValidation(true))
	s := mcpserver.New(eng, "oas2mcp", "test", logger)
	require.Equal(t, 2, s.Sync())

	res, err := s.Call(ctx, "updateUser", map[string]any{"id": 5, "name": "Cy"})
	require.NoError(t, err)
	require.False(t, res.IsError)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.JSONEq(t, `{"ok":true,"id":7}`, tc.Text)
	assert.Equal(t, "/users/5", up.last(t).Path)

	res, err = s.Call(ctx, "updateUser", map[string]any{"id": "five", "name": "Cy"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
