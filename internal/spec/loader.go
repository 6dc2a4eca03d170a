package spec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	openapi2 "github.com/getkin/kin-openapi/openapi2"
	"github.com/getkin/kin-openapi/openapi2conv"
	"github.com/getkin/kin-openapi/openapi3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrorCode categorizes loader failures.
type ErrorCode string

const (
	InputError      ErrorCode = "InputError"
	NetworkError    ErrorCode = "NetworkError"
	ParseError      ErrorCode = "ParseError"
	ValidationError ErrorCode = "ValidationError"
	ConversionError ErrorCode = "ConversionError"
)

// SpecError is a structured loader error with optional location and JSON Pointer.
type SpecError struct {
	Code        ErrorCode
	Message     string
	Location    string // file path or URL
	JSONPointer string // e.g. "#/paths/~1pets/get"
	Cause       error
}

func (e *SpecError) Error() string { return e.Message }
func (e *SpecError) Unwrap() error { return e.Cause }

// maxSpecBytes caps a fetched document or external ref.
const maxSpecBytes = 16 << 20

// Settings configures the loader.
type Settings struct {
	HTTPTimeout time.Duration
	// MaxRetries bounds attempts for the root document on 5xx, 429 or network failures.
	MaxRetries  int
	BackoffBase time.Duration
	// AllowFileRefs permits file refs from remote documents. A local root
	// document may always reference sibling files.
	AllowFileRefs bool
	// Headers are sent with every remote fetch, refs included.
	Headers map[string]string
	Client  *http.Client
	Logger  *zap.Logger
}

// DefaultSettings returns the loader defaults.
func DefaultSettings() Settings {
	return Settings{
		HTTPTimeout: 10 * time.Second,
		MaxRetries:  3,
		BackoffBase: 200 * time.Millisecond,
	}
}

// Option mutates Settings.
type Option func(*Settings)

func WithHTTPTimeout(d time.Duration) Option  { return func(s *Settings) { s.HTTPTimeout = d } }
func WithMaxRetries(n int) Option            { return func(s *Settings) { s.MaxRetries = n } }
func WithBackoffBase(d time.Duration) Option { return func(s *Settings) { s.BackoffBase = d } }
func WithAllowFileRefs(allow bool) Option    { return func(s *Settings) { s.AllowFileRefs = allow } }
func WithHTTPClient(c *http.Client) Option   { return func(s *Settings) { s.Client = c } }
func WithLogger(l *zap.Logger) Option        { return func(s *Settings) { s.Logger = l } }

// WithHeaders adds request headers for remote fetches (e.g. an API key
// guarding a private spec URL).
func WithHeaders(h map[string]string) Option {
	return func(s *Settings) {
		if s.Headers == nil {
			s.Headers = make(map[string]string, len(h))
		}
		for k, v := range h {
			s.Headers[k] = v
		}
	}
}

// document is a spec input resolved to bytes, plus what kin-openapi needs
// to resolve relative refs against it.
type document struct {
	location string
	raw      []byte
	base     *url.URL // http(s) inputs
	local    bool
}

type loader struct {
	settings Settings
	client   *http.Client
	logger   *zap.Logger
}

func newLoader(opts []Option) *loader {
	s := DefaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	l := &loader{settings: s, client: s.Client, logger: s.Logger}
	if l.client == nil {
		l.client = &http.Client{Timeout: s.HTTPTimeout}
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	l.logger = l.logger.With(zap.String("component", "spec-loader"))
	return l
}

// Load reads and validates an OpenAPI 3 document from a filesystem path or
// an http(s) URL. Swagger 2.0 input is converted with openapi2conv. file://
// URLs are rejected; pass a plain path instead.
func Load(ctx context.Context, input string, opts ...Option) (*openapi3.T, error) {
	if strings.TrimSpace(input) == "" {
		return nil, &SpecError{Code: InputError, Message: "spec: input is empty"}
	}
	l := newLoader(opts)
	doc, err := l.read(ctx, input)
	if err != nil {
		return nil, err
	}
	return l.parse(ctx, doc)
}

// LoadFromData parses an in-memory document. File refs are refused.
func LoadFromData(ctx context.Context, data []byte, opts ...Option) (*openapi3.T, error) {
	return newLoader(opts).parse(ctx, &document{location: "<memory>", raw: data})
}

func (l *loader) read(ctx context.Context, input string) (*document, error) {
	u, perr := url.Parse(input)
	if perr == nil && u.Scheme != "" && u.Host != "" {
		switch scheme := strings.ToLower(u.Scheme); scheme {
		case "http", "https":
		case "file":
			return nil, &SpecError{Code: InputError, Message: "spec: file:// URLs are blocked by default", Location: input}
		default:
			return nil, &SpecError{Code: InputError, Message: fmt.Sprintf("spec: unsupported URL scheme %q (only http/https allowed)", scheme), Location: input}
		}
		raw, err := l.fetchRoot(ctx, input)
		if err != nil {
			return nil, &SpecError{Code: NetworkError, Message: fmt.Sprintf("fetch %s: %v", input, err), Location: input, Cause: err}
		}
		return &document{location: input, raw: raw, base: u}, nil
	}

	abs, err := filepath.Abs(input)
	if err != nil {
		return nil, &SpecError{Code: InputError, Message: fmt.Sprintf("resolve path: %v", err), Location: input, Cause: err}
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, &SpecError{Code: InputError, Message: fmt.Sprintf("read file %s: %v", abs, err), Location: abs, Cause: err}
	}
	return &document{location: abs, raw: raw, local: true}, nil
}

func (l *loader) parse(ctx context.Context, d *document) (*openapi3.T, error) {
	major, err := specMajorVersion(d.raw)
	if err != nil {
		return nil, &SpecError{Code: ParseError, Message: err.Error(), Location: d.location, Cause: err}
	}

	kl := l.kinLoader(ctx, d.local)
	var doc *openapi3.T
	switch major {
	case 3:
		switch {
		case d.base != nil:
			doc, err = kl.LoadFromDataWithPath(d.raw, d.base)
		case d.local:
			doc, err = kl.LoadFromFile(d.location)
		default:
			doc, err = kl.LoadFromData(d.raw)
		}
		if err != nil {
			return nil, classify(err, d.location)
		}
	case 2:
		var v2 openapi2.T
		if err = yaml.Unmarshal(d.raw, &v2); err == nil {
			doc, err = openapi2conv.ToV3(&v2)
		}
		if err != nil {
			return nil, &SpecError{Code: ConversionError, Message: fmt.Sprintf("convert v2→v3: %v", err), Location: d.location, Cause: err}
		}
		if err := kl.ResolveRefsIn(doc, nil); err != nil {
			return nil, classify(err, d.location)
		}
	}

	if err := doc.Validate(ctx); err != nil {
		if !onlyUnresolvedRefs(err) {
			return nil, classify(err, d.location)
		}
		l.logger.Warn("spec has unresolved refs; continuing", zap.String("location", d.location), zap.Error(err))
	}
	l.logger.Debug("spec loaded", zap.String("location", d.location), zap.Int("version", major), zap.Int("paths", len(doc.Paths)))
	return doc, nil
}

// kinLoader returns a kin-openapi loader whose external refs go through
// this loader's client and headers.
func (l *loader) kinLoader(ctx context.Context, rootIsLocal bool) *openapi3.Loader {
	kl := openapi3.NewLoader()
	kl.Context = ctx
	kl.IsExternalRefsAllowed = true
	allowFiles := l.settings.AllowFileRefs || rootIsLocal
	kl.ReadFromURIFunc = func(_ *openapi3.Loader, uri *url.URL) ([]byte, error) {
		switch strings.ToLower(uri.Scheme) {
		case "", "file":
			if !allowFiles {
				return nil, fmt.Errorf("blocked file ref: %s", uri)
			}
			p := uri.Path
			if p == "" {
				p = uri.Opaque
			}
			return os.ReadFile(p)
		case "http", "https":
			body, _, err := l.get(ctx, uri.String())
			return body, err
		default:
			return nil, fmt.Errorf("unsupported ref scheme: %s", uri.Scheme)
		}
	}
	return kl
}

func (l *loader) fetchRoot(ctx context.Context, rawURL string) ([]byte, error) {
	attempts := max(l.settings.MaxRetries, 1)
	wait := l.settings.BackoffBase
	if wait <= 0 {
		wait = 200 * time.Millisecond
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		body, transient, err := l.get(ctx, rawURL)
		if err == nil {
			return body, nil
		}
		if !transient || i == attempts {
			return nil, err
		}
		lastErr = err
		l.logger.Warn("spec fetch failed; retrying",
			zap.String("url", rawURL), zap.Int("attempt", i), zap.Duration("backoff", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	if lastErr == nil {
		lastErr = errors.New("fetch failed")
	}
	return nil, lastErr
}

// get performs one GET. transient reports whether retrying might help.
func (l *loader) get(ctx context.Context, rawURL string) (body []byte, transient bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, err
	}
	for k, v := range l.settings.Headers {
		req.Header.Set(k, v)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxSpecBytes+1))
		if err == nil && len(body) > maxSpecBytes {
			err = fmt.Errorf("document exceeds %d bytes", maxSpecBytes)
		}
		return body, false, err
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, fmt.Errorf("http %d", resp.StatusCode)
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, false, fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
}

// specMajorVersion reports 3 for OpenAPI 3.x and 2 for Swagger 2.0.
func specMajorVersion(data []byte) (int, error) {
	var head struct {
		OpenAPI string `yaml:"openapi"`
		Swagger string `yaml:"swagger"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return 0, fmt.Errorf("parse spec: %w", err)
	}
	switch {
	case strings.HasPrefix(strings.TrimSpace(head.OpenAPI), "3."):
		return 3, nil
	case strings.HasPrefix(strings.TrimSpace(head.Swagger), "2."):
		return 2, nil
	}
	return 0, errors.New("spec: missing or unknown version (expected 'openapi: 3.x' or 'swagger: 2.0')")
}

func classify(err error, location string) error {
	code := ValidationError
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "parse") || strings.Contains(msg, "invalid character") || strings.Contains(msg, "unmarshal") {
		code = ParseError
	}
	return &SpecError{Code: code, Message: err.Error(), Location: location, JSONPointer: pointerOf(err), Cause: err}
}

var pointerRe = regexp.MustCompile(`#/[^\s'"]+`)

func pointerOf(err error) string {
	var me openapi3.MultiError
	if errors.As(err, &me) && len(me) > 0 {
		return pointerOf(me[0])
	}
	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		if parts := se.JSONPointer(); len(parts) > 0 {
			return "#/" + strings.Join(parts, "/")
		}
		if se.SchemaField != "" {
			return se.SchemaField
		}
	}
	return pointerRe.FindString(err.Error())
}

// onlyUnresolvedRefs lets a best-effort route table be built from a
// document whose only problem is a dangling $ref.
func onlyUnresolvedRefs(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unresolved ref")
}
