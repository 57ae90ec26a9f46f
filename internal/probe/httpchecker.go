package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/oliveagle/jsonpath"

	"github.com/hamed0406/gefion/internal/domain"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxBodyBytes       = 1 << 20
)

var httpVerbs = map[string]string{
	"GET":     http.MethodGet,
	"OPTIONS": http.MethodOptions,
	"HEAD":    http.MethodHead,
	"POST":    http.MethodPost,
	"PUT":     http.MethodPut,
	"PATCH":   http.MethodPatch,
	"DELETE":  http.MethodDelete,
}

// HTTPChecker validates an HTTP response. Arguments:
//
//	url             target, required
//	verb            GET (default), OPTIONS, HEAD, POST, PUT, PATCH, DELETE
//	data            form fields (object) or raw body (string)
//	req_headers     request headers
//	status_code     expected status; unchecked when absent
//	text_contain    substring the body must contain
//	headers_contain header name to substring its value must contain
//	json_path       JSONPath that must resolve in a JSON body
//	json_value      expected value at json_path, compared as text
//	timeout         seconds, default 10
//
// Redirects are reported as-is, never followed.
type HTTPChecker struct {
	Client *http.Client
}

func NewHTTPChecker() *HTTPChecker {
	return &HTTPChecker{
		Client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (h *HTTPChecker) Check(ctx context.Context, args Args) (Result, error) {
	target := args.String("url", "")
	if target == "" {
		return Result{}, fmt.Errorf("%w: http probe needs a url", domain.ErrConfiguration)
	}

	ctx, cancel := context.WithTimeout(ctx, args.Seconds("timeout", defaultHTTPTimeout))
	defer cancel()

	req, err := h.newRequest(ctx, target, args)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", domain.ErrProbe, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Result{}, fmt.Errorf("%w: read body: %v", domain.ErrProbe, err)
	}

	if msg := assertResponse(resp, body, args); msg != "" {
		return Result{Available: false, Message: msg}, nil
	}
	return Result{Available: true}, nil
}

func (h *HTTPChecker) newRequest(ctx context.Context, target string, args Args) (*http.Request, error) {
	method, ok := httpVerbs[strings.ToUpper(args.String("verb", "GET"))]
	if !ok {
		method = http.MethodGet
	}

	var body io.Reader
	contentType := ""
	switch d := args["data"].(type) {
	case string:
		body = strings.NewReader(d)
	case map[string]any:
		form := url.Values{}
		for k, v := range d {
			form.Set(k, fmt.Sprint(v))
		}
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range args.StringMap("req_headers") {
		req.Header.Set(k, v)
	}
	return req, nil
}

// assertResponse returns the first failed assertion, or "" when all pass.
func assertResponse(resp *http.Response, body []byte, args Args) string {
	if want := args.Int("status_code", 0); want != 0 && resp.StatusCode != want {
		return fmt.Sprintf("Status code %d, expected %d.", resp.StatusCode, want)
	}

	if text := args.String("text_contain", ""); text != "" && !strings.Contains(string(body), text) {
		return fmt.Sprintf("Text %s not in body.", text)
	}

	headers := args.StringMap("headers_contain")
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		got := resp.Header.Get(k)
		if !strings.Contains(got, headers[k]) {
			return fmt.Sprintf("Header %s, %s not in %s.", k, headers[k], got)
		}
	}

	if path := args.String("json_path", ""); path != "" {
		return assertJSONPath(body, path, args)
	}
	return ""
}

func assertJSONPath(body []byte, path string, args Args) string {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Sprintf("Body is not JSON: %v.", err)
	}
	pattern, err := jsonpath.Compile(path)
	if err != nil {
		return fmt.Sprintf("Invalid JSON path %s: %v.", path, err)
	}
	got, err := pattern.Lookup(doc)
	if err != nil {
		return fmt.Sprintf("JSON path %s not in body.", path)
	}
	if _, ok := args["json_value"]; !ok {
		return ""
	}
	if want := args.String("json_value", ""); fmt.Sprint(got) != want {
		return fmt.Sprintf("JSON path %s is %v, expected %s.", path, got, want)
	}
	return ""
}
