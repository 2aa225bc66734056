package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"goa.design/clue/log"

	"github.com/loomhq/loom/runtime/action"
	"github.com/loomhq/loom/runtime/credential"
)

// HTTPRequest returns the httpRequest action. Configuration: url (required),
// method (default GET), headers (mapping), body (any, JSON-encoded unless a
// string), credentialId (optional). Credential data may carry either a
// headers mapping merged into the request or an apiKey sent as a bearer
// token.
func HTTPRequest(cfg Config) action.Func {
	return func(ctx context.Context, in action.Input) action.Result {
		url := str(in.Data, "url")
		if url == "" {
			return action.Fail("httpRequest node requires a url")
		}
		method := strings.ToUpper(str(in.Data, "method"))
		if method == "" {
			method = http.MethodGet
		}

		var body io.Reader
		contentType := ""
		if raw, ok := in.Data["body"]; ok && raw != nil {
			switch t := raw.(type) {
			case string:
				if t != "" {
					body = strings.NewReader(t)
				}
			default:
				encoded, err := json.Marshal(t)
				if err != nil {
					return action.Failf("encode request body: %v", err)
				}
				body = bytes.NewReader(encoded)
				contentType = "application/json"
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return action.Failf("build request: %v", err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if headers, ok := in.Data["headers"].(map[string]any); ok {
			for k, v := range headers {
				if s, ok := v.(string); ok {
					req.Header.Set(k, s)
				}
			}
		}
		applyCredential(ctx, in, req)

		resp, err := cfg.HTTPClient.Do(req)
		if err != nil {
			return action.Failf("request failed: %v", err)
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return action.Failf("read response: %v", err)
		}

		var decoded any = string(raw)
		var jsonBody any
		if json.Unmarshal(raw, &jsonBody) == nil {
			decoded = jsonBody
		}
		if resp.StatusCode >= 400 {
			return action.Failf("HTTP %d: %s", resp.StatusCode, truncate(string(raw), 512))
		}
		return action.OK(map[string]any{
			"status":  resp.StatusCode,
			"headers": flattenHeader(resp.Header),
			"body":    decoded,
		})
	}
}

// applyCredential merges credential data into the request. A credential that
// cannot be decrypted degrades to an unauthenticated request rather than
// failing the node; the decrypt failure is logged.
func applyCredential(ctx context.Context, in action.Input, req *http.Request) {
	id := str(in.Data, "credentialId")
	if id == "" || in.Services == nil {
		return
	}
	data, err := in.Services.Credential(ctx, id)
	if err != nil {
		if errors.Is(err, credential.ErrDecrypt) {
			log.Printf(ctx, "credential %s unreadable, request sent without it", id)
			return
		}
		log.Errorf(ctx, err, "credential %s not resolved", id)
		return
	}
	if headers, ok := data["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	if key, ok := data["apiKey"].(string); ok && key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[strings.ToLower(k)] = h.Get(k)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
