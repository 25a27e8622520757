package cloud

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // The API mandates HMAC-MD5 request signing
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Serverless method names.
const (
	methodAnonymousAuth = "serverless.auth.user.anonymousAuthorize"
	methodInvoke        = "serverless.function.runtime.invoke"
)

// Client identity presented to the API. The values mirror the official
// Android app; the API refuses requests without them.
const (
	appID      = "__UNI__55F5E7F"
	appName    = "BrightEMS"
	appVersion = "1.2.3"
	userAgent  = "Mozilla/5.0 (Linux; Android 10; SM-A426B) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/87.0.4280.86 Mobile Safari/537.36"

	// signHeader carries the request signature.
	signHeader = "x-serverless-sign"

	// maxErrorBody bounds how much of an error response is logged.
	maxErrorBody = 200
)

// request is the body of every API call.
type request struct {
	Method    string `json:"method"`
	Params    string `json:"params"`
	SpaceID   string `json:"spaceId"`
	Timestamp int64  `json:"timestamp"`
	Token     string `json:"token,omitempty"`
}

// fields returns the body as key/value pairs for signing.
func (r request) fields() map[string]string {
	return map[string]string{
		"method":    r.Method,
		"params":    r.Params,
		"spaceId":   r.SpaceID,
		"timestamp": strconv.FormatInt(r.Timestamp, 10),
		"token":     r.Token,
	}
}

// response is the envelope of every API answer.
type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// Sign computes the x-serverless-sign value: the hex HMAC-MD5 of the
// non-empty fields sorted by key and joined as "k=v&k=v".
func Sign(secret string, fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k, v := range fields {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + fields[k]
	}

	mac := hmac.New(md5.New, []byte(secret))
	mac.Write([]byte(strings.Join(pairs, "&"))) //nolint:errcheck // hash.Hash writes never fail
	return hex.EncodeToString(mac.Sum(nil))
}

// functionParams builds the params string of a router function invocation.
func functionParams(route string, data map[string]any, token string) (string, error) {
	args := map[string]any{
		"$url":       route,
		"data":       data,
		"clientInfo": clientInfo(),
	}
	if token != "" {
		args["uniIdToken"] = token
	}
	b, err := json.Marshal(map[string]any{
		"functionTarget": "router",
		"functionArgs":   args,
	})
	if err != nil {
		return "", fmt.Errorf("encoding function params: %w", err)
	}
	return string(b), nil
}

// clientInfo describes a phone running the official app. The device ID is
// fresh on every call.
func clientInfo() map[string]any {
	deviceID := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return map[string]any{
		"PLATFORM":          "app",
		"OS":                "android",
		"APPID":             appID,
		"DEVICEID":          deviceID,
		"channel":           "google",
		"scene":             1001,
		"appId":             appID,
		"appLanguage":       "en",
		"appName":           appName,
		"appVersion":        appVersion,
		"appVersionCode":    123,
		"appWgtVersion":     appVersion,
		"browserName":       "chrome",
		"browserVersion":    "130.0.6723.86",
		"deviceBrand":       "Samsung",
		"deviceId":          deviceID,
		"deviceModel":       "SM-A426B",
		"deviceType":        "phone",
		"osName":            "android",
		"osVersion":         10,
		"romName":           "Android",
		"romVersion":        10,
		"ua":                userAgent,
		"uniPlatform":       "app",
		"uniRuntimeVersion": "4.24",
		"locale":            "en",
		"LOCALE":            "en",
	}
}

// ============================================================================
// Transport
// ============================================================================

// call performs one API method with retries and returns the data object.
//
// Every failure is retried up to the configured attempt count, waiting
// retryDelay×attempt between tries. Context cancellation ends the loop
// immediately.
//
// Parameters:
//   - ctx: Bounds the whole call including retries
//   - method: Serverless method name
//   - params: JSON params string, "{}" when the method takes none
//   - token: Anonymous API token, empty for the first call
//
// Returns:
//   - json.RawMessage: Non-empty data object of the response
//   - error: Last failure wrapped with the attempt count
func (p *Provider) call(ctx context.Context, method, params, token string) (json.RawMessage, error) {
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		data, err := p.do(ctx, method, params, token)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}

		p.logError("api call failed", "method", method, "attempt", attempt, "of", p.attempts, "error", err)
		if attempt == p.attempts {
			break
		}
		if err := p.sleep(ctx, p.retryDelay*time.Duration(attempt)); err != nil {
			lastErr = err
			break
		}
	}
	return nil, fmt.Errorf("%s: %w", method, lastErr)
}

// do performs a single signed request.
func (p *Provider) do(ctx context.Context, method, params, token string) (json.RawMessage, error) {
	req := request{
		Method:    method,
		Params:    params,
		SpaceID:   p.spaceID,
		Timestamp: p.now().UnixMilli(),
		Token:     token,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set(signHeader, Sign(p.secret, req.fields()))

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", ErrRequestFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		if len(raw) > maxErrorBody {
			raw = raw[:maxErrorBody]
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrRequestFailed, resp.StatusCode, raw)
	}

	var env response
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %w", ErrRequestFailed, err)
	}
	if isEmptyObject(env.Data) {
		return nil, fmt.Errorf("%w: %s", ErrNoData, env.Error)
	}
	return env.Data, nil
}

// isEmptyObject reports whether raw is missing, null, or an empty object
// or array.
func isEmptyObject(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", "{}", "[]", `""`, "false", "0":
		return true
	}
	return false
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
