package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/flowkit/engine/catalog"
	"github.com/flowkit/engine/flowerr"
)

// httpResult is what an HTTP dispatch hands back to the invoker before
// response mapping: the decoded body plus bookkeeping for the transaction
// event log.
type httpResult struct {
	Body       any
	StatusCode int
	Attempts   int
}

// dispatchHTTP implements the HTTP half of §4.6 phase (4): URL assembly,
// body construction per contentType, authentication, timeout, and retry on
// transport errors / 5xx / 429 with exponential backoff.
func dispatchHTTP(ctx context.Context, client *http.Client, impl catalog.Implementation, args map[string]any, auth Authenticator) (*httpResult, error) {
	reqURL, err := buildURL(impl, args)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(impl.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	maxRetries := 0
	baseMs := 200
	jitter := 0.2
	if impl.Retry != nil {
		maxRetries = impl.Retry.Max
		if impl.Retry.BaseMs > 0 {
			baseMs = impl.Retry.BaseMs
		}
		if impl.Retry.JitterFrac > 0 {
			jitter = impl.Retry.JitterFrac
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(baseMs) * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = jitter

	attempts := 0
	result, err := backoff.Retry(ctx, func() (*httpResult, error) {
		attempts++
		res, err := doOnce(ctx, client, impl, reqURL, args, auth, timeout)
		if err != nil {
			if flowerr.Retryable(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return res, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(maxRetries+1)))
	if err != nil {
		return nil, err
	}
	result.Attempts = attempts
	return result, nil
}

func doOnce(ctx context.Context, client *http.Client, impl catalog.Implementation, reqURL string, args map[string]any, auth Authenticator, timeout time.Duration) (*httpResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, contentType, err := buildBody(impl, args)
	if err != nil {
		return nil, err
	}

	method := impl.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(reqCtx, method, reqURL, body)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.HTTPTransport, "building request", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range impl.Headers {
		req.Header.Set(k, v)
	}
	if auth != nil {
		if err := auth.Apply(reqCtx, req); err != nil {
			return nil, flowerr.Wrap(flowerr.Internal, "applying authentication", err)
		}
	}

	httpClient := client
	if !isIdempotent(method) {
		noRedirect := *client
		noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
		httpClient = &noRedirect
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		if reqCtx.Err() != nil {
			return nil, flowerr.Wrap(flowerr.Timeout, "tool request timed out", err)
		}
		return nil, flowerr.Wrap(flowerr.HTTPTransport, "tool request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.HTTPTransport, "reading response body", err)
	}

	if resp.StatusCode >= 400 {
		e := flowerr.HTTPStatusError(fmt.Sprintf("tool request returned %d", resp.StatusCode), resp.StatusCode)
		return nil, e
	}

	decoded, err := decodeResponse(resp.Header.Get("Content-Type"), raw)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.Internal, "decoding tool response", err)
	}
	return &httpResult{Body: decoded, StatusCode: resp.StatusCode}, nil
}

func isIdempotent(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	default:
		return false
	}
}

func buildURL(impl catalog.Implementation, args map[string]any) (string, error) {
	raw := impl.URL
	for _, name := range impl.PathParams {
		v, ok := args[name]
		if !ok {
			return "", flowerr.New(flowerr.SchemaValidationFailed, "missing path parameter "+name)
		}
		raw = strings.ReplaceAll(raw, "{"+name+"}", url.PathEscape(fmt.Sprintf("%v", v)))
	}
	if len(impl.QueryParams) == 0 {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", flowerr.Wrap(flowerr.Internal, "parsing tool URL", err)
	}
	q := u.Query()
	for _, name := range impl.QueryParams {
		if v, ok := args[name]; ok {
			q.Set(name, fmt.Sprintf("%v", v))
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func buildBody(impl catalog.Implementation, args map[string]any) (io.Reader, string, error) {
	if impl.Method == http.MethodGet || impl.Method == http.MethodHead || impl.Method == "" {
		return nil, "", nil
	}
	bodyArgs := bodyOnlyArgs(impl, args)

	switch impl.ContentType {
	case "", "application/json":
		data, err := json.Marshal(bodyArgs)
		if err != nil {
			return nil, "", flowerr.Wrap(flowerr.Internal, "encoding JSON body", err)
		}
		return bytes.NewReader(data), "application/json", nil

	case "application/x-www-form-urlencoded":
		form := url.Values{}
		for k, v := range bodyArgs {
			form.Set(k, fmt.Sprintf("%v", v))
		}
		return strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", nil

	case "multipart/form-data":
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		for k, v := range bodyArgs {
			if err := w.WriteField(k, fmt.Sprintf("%v", v)); err != nil {
				return nil, "", flowerr.Wrap(flowerr.Internal, "building multipart body", err)
			}
		}
		if err := w.Close(); err != nil {
			return nil, "", flowerr.Wrap(flowerr.Internal, "closing multipart body", err)
		}
		return &buf, w.FormDataContentType(), nil

	case "text/plain":
		if impl.BodyTemplate != "" {
			return strings.NewReader(impl.BodyTemplate), "text/plain", nil
		}
		if v, ok := bodyArgs["body"]; ok {
			return strings.NewReader(fmt.Sprintf("%v", v)), "text/plain", nil
		}
		return strings.NewReader(""), "text/plain", nil

	case "application/xml":
		data, err := xml.Marshal(toXMLDoc(bodyArgs))
		if err != nil {
			return nil, "", flowerr.Wrap(flowerr.Internal, "encoding XML body", err)
		}
		return bytes.NewReader(data), "application/xml", nil

	default:
		return nil, "", flowerr.New(flowerr.Internal, "unsupported content type "+impl.ContentType)
	}
}

// bodyOnlyArgs excludes arguments already consumed as path/query params.
func bodyOnlyArgs(impl catalog.Implementation, args map[string]any) map[string]any {
	skip := make(map[string]bool, len(impl.PathParams)+len(impl.QueryParams))
	for _, n := range impl.PathParams {
		skip[n] = true
	}
	for _, n := range impl.QueryParams {
		skip[n] = true
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if !skip[k] {
			out[k] = v
		}
	}
	return out
}

type xmlField struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type xmlDoc struct {
	XMLName xml.Name `xml:"request"`
	Fields  []xmlField
}

func toXMLDoc(args map[string]any) xmlDoc {
	doc := xmlDoc{}
	for k, v := range args {
		doc.Fields = append(doc.Fields, xmlField{XMLName: xml.Name{Local: k}, Value: fmt.Sprintf("%v", v)})
	}
	return doc
}

func decodeResponse(contentType string, raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json"), ct == "":
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return string(raw), nil
		}
		return v, nil
	default:
		return string(raw), nil
	}
}
