package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/iamslan/fossibot/internal/infrastructure/config"
	"github.com/iamslan/fossibot/internal/orchestrator"
)

// Router routes invoked through methodInvoke.
const (
	routeLogin       = "user/pub/login"
	routeBrokerToken = "common/emqx.getAccessToken"
	routeDeviceList  = "client/device/kh/getList"
)

// Broker defaults used when the API advertises only a host.
const (
	defaultBrokerPort   = 8083
	defaultBrokerPath   = "/mqtt"
	defaultBrokerScheme = "ws"

	deviceListPageSize = 100
)

// Key names the broker token response may use for the host and port.
var (
	brokerHostKeys = []string{"mqtt_host", "host", "mqttHost", "server", "endpoint", "broker", "url", "addr"}
	brokerPortKeys = []string{"mqtt_port", "port", "mqttPort"}
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

var _ orchestrator.AuthProvider = (*Provider)(nil)

// Provider obtains sessions from the Sydpower cloud.
//
// The anonymous API token and the broker endpoint advertised alongside the
// last broker token are cached for ResolveStreamEndpoint.
//
// Thread Safety: All methods are safe for concurrent use.
type Provider struct {
	baseURL    string
	spaceID    string
	secret     string
	locale     string
	attempts   int
	retryDelay time.Duration
	httpClient *http.Client

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu            sync.RWMutex
	logger        Logger
	apiToken      string
	endpoint      string
	endpointToken string
}

// NewProvider creates a provider for the configured API.
//
// Parameters:
//   - cfg: Cloud section of the configuration
//   - locale: Account locale sent with every routed call, "en" when empty
//
// Returns:
//   - *Provider: Ready provider
//   - error: ErrInvalidConfig when the URL, space ID or secret is missing
func NewProvider(cfg config.CloudConfig, locale string) (*Provider, error) {
	if cfg.BaseURL == "" || cfg.SpaceID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("%w: base_url, space_id and client_secret are required", ErrInvalidConfig)
	}
	if locale == "" {
		locale = "en"
	}
	attempts := cfg.Retries
	if attempts < 1 {
		attempts = 1
	}
	return &Provider{
		baseURL:    cfg.BaseURL,
		spaceID:    cfg.SpaceID,
		secret:     cfg.ClientSecret,
		locale:     locale,
		attempts:   attempts,
		retryDelay: time.Duration(cfg.RetryDelay) * time.Second,
		httpClient: &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second},
		now:        time.Now,
		sleep:      sleepContext,
	}, nil
}

// SetLogger sets the logger for the provider.
func (p *Provider) SetLogger(logger Logger) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger = logger
}

// ============================================================================
// AuthProvider
// ============================================================================

// Authenticate runs the full login sequence and returns a new session.
//
// Parameters:
//   - ctx: Bounds every call of the sequence
//   - creds: Account username and password
//
// Returns:
//   - *orchestrator.Session: Broker token, account token and devices
//   - error: ErrCredentialsRejected, ErrNoBrokerToken, ErrNoDevices or a
//     wrapped transport failure
func (p *Provider) Authenticate(ctx context.Context, creds orchestrator.Credentials) (*orchestrator.Session, error) {
	apiToken, err := p.anonymousToken(ctx)
	if err != nil {
		return nil, err
	}

	accessToken, err := p.login(ctx, apiToken, creds)
	if err != nil {
		return nil, err
	}

	broker, err := p.brokerToken(ctx, apiToken, accessToken)
	if err != nil {
		return nil, err
	}

	devices, err := p.devices(ctx, apiToken, accessToken)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}

	expires := tokenExpiry(broker.token)
	if expires.IsZero() {
		expires = tokenExpiry(accessToken)
	}

	p.mu.Lock()
	p.apiToken = apiToken
	p.endpoint = broker.endpoint
	p.endpointToken = broker.token
	p.mu.Unlock()

	p.logInfo("cloud session established",
		"devices", len(devices),
		"expires_at", expires,
		"endpoint_advertised", broker.endpoint != "",
	)

	return &orchestrator.Session{
		Token:     broker.token,
		APIToken:  accessToken,
		ExpiresAt: expires,
		Devices:   devices,
		CreatedAt: p.now(),
	}, nil
}

// ResolveStreamEndpoint returns the broker URL advertised for the session.
//
// The endpoint captured during Authenticate is returned without a round
// trip. Otherwise a fresh broker token call is made with the session's
// account token.
//
// Returns:
//   - string: ws:// or wss:// URL of the broker
//   - error: ErrNotAuthenticated, ErrNoEndpoint or a wrapped call failure
func (p *Provider) ResolveStreamEndpoint(ctx context.Context, sess *orchestrator.Session) (string, error) {
	if sess == nil || sess.APIToken == "" {
		return "", ErrNotAuthenticated
	}

	p.mu.RLock()
	apiToken := p.apiToken
	cached := p.endpoint
	cachedFor := p.endpointToken
	p.mu.RUnlock()

	if cached != "" && cachedFor == sess.Token {
		return cached, nil
	}
	if apiToken == "" {
		return "", ErrNotAuthenticated
	}

	broker, err := p.brokerToken(ctx, apiToken, sess.APIToken)
	if err != nil {
		return "", err
	}
	if broker.endpoint == "" {
		return "", ErrNoEndpoint
	}
	return broker.endpoint, nil
}

// ============================================================================
// Login sequence
// ============================================================================

func (p *Provider) anonymousToken(ctx context.Context) (string, error) {
	data, err := p.call(ctx, methodAnonymousAuth, "{}", "")
	if err != nil {
		return "", fmt.Errorf("anonymous authorization: %w", err)
	}
	var out struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.AccessToken == "" {
		return "", fmt.Errorf("anonymous authorization: %w: no access token", ErrRequestFailed)
	}
	return out.AccessToken, nil
}

func (p *Provider) login(ctx context.Context, apiToken string, creds orchestrator.Credentials) (string, error) {
	params, err := functionParams(routeLogin, map[string]any{
		"locale":   p.locale,
		"username": creds.Username,
		"password": creds.Password,
	}, "")
	if err != nil {
		return "", err
	}

	data, err := p.call(ctx, methodInvoke, params, apiToken)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	var out struct {
		Token  string `json:"token"`
		ErrMsg string `json:"errMsg"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("login: %w: %w", ErrRequestFailed, err)
	}
	if out.Token == "" {
		if out.ErrMsg != "" {
			return "", fmt.Errorf("%w: %s", ErrCredentialsRejected, out.ErrMsg)
		}
		return "", ErrCredentialsRejected
	}
	return out.Token, nil
}

// brokerGrant is the result of the broker token call.
type brokerGrant struct {
	token    string
	endpoint string
}

func (p *Provider) brokerToken(ctx context.Context, apiToken, accessToken string) (brokerGrant, error) {
	params, err := functionParams(routeBrokerToken, map[string]any{"locale": p.locale}, accessToken)
	if err != nil {
		return brokerGrant{}, err
	}

	data, err := p.call(ctx, methodInvoke, params, apiToken)
	if err != nil {
		return brokerGrant{}, fmt.Errorf("broker token: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return brokerGrant{}, fmt.Errorf("broker token: %w: %w", ErrRequestFailed, err)
	}

	token, _ := fields["access_token"].(string)
	if token == "" {
		return brokerGrant{}, ErrNoBrokerToken
	}

	grant := brokerGrant{token: token}
	host := firstString(fields, brokerHostKeys)
	if host != "" {
		endpoint, err := brokerEndpoint(host, firstInt(fields, brokerPortKeys))
		if err != nil {
			p.logWarn("ignoring advertised broker host", "host", host, "error", err)
		} else {
			grant.endpoint = endpoint
		}
	}
	return grant, nil
}

// deviceRow is one entry of the device list.
type deviceRow struct {
	DeviceID    string `json:"device_id"`
	DeviceName  string `json:"device_name"`
	ProductInfo struct {
		ModbusAddress flexInt `json:"modbus_address"`
		ModbusCount   flexInt `json:"modbus_count"`
	} `json:"productInfo"`
}

func (p *Provider) devices(ctx context.Context, apiToken, accessToken string) ([]orchestrator.Device, error) {
	params, err := functionParams(routeDeviceList, map[string]any{
		"locale":    p.locale,
		"pageIndex": 1,
		"pageSize":  deviceListPageSize,
	}, accessToken)
	if err != nil {
		return nil, err
	}

	data, err := p.call(ctx, methodInvoke, params, apiToken)
	if err != nil {
		return nil, fmt.Errorf("device list: %w", err)
	}
	var out struct {
		Rows []deviceRow `json:"rows"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("device list: %w: %w", ErrRequestFailed, err)
	}

	devices := make([]orchestrator.Device, 0, len(out.Rows))
	seen := make(map[string]bool, len(out.Rows))
	for _, row := range out.Rows {
		id := strings.ReplaceAll(row.DeviceID, ":", "")
		if id == "" {
			p.logWarn("device has no device_id, skipping; re-register it in the app",
				"name", row.DeviceName)
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		dev := orchestrator.Device{ID: id, Name: row.DeviceName}
		if a := row.ProductInfo.ModbusAddress; a.set && a.value > 0 && a.value <= 0xFF {
			dev.ModbusAddress = uint8(a.value)
		}
		if c := row.ProductInfo.ModbusCount; c.set && c.value > 0 && c.value <= 0xFFFF {
			dev.ModbusCount = uint16(c.value)
		}
		devices = append(devices, dev)
	}
	p.logDebug("device list received", "rows", len(out.Rows), "devices", len(devices))
	return devices, nil
}

// ============================================================================
// Helpers
// ============================================================================

// tokenExpiry returns the exp claim of a JWT, or the zero time when the
// token is not a JWT or carries no expiry. The signature is not verified:
// the token is only presented to the server that issued it.
func tokenExpiry(token string) time.Time {
	if token == "" {
		return time.Time{}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// brokerEndpoint builds a WebSocket URL from an advertised host.
//
// A host that already carries a scheme is kept, with the default path
// added when it has none. A bare host gets ws://, the given port (8083
// when zero) and /mqtt.
func brokerEndpoint(host string, port int) (string, error) {
	host = strings.TrimSpace(host)
	if strings.Contains(host, "://") {
		u, err := url.Parse(host)
		if err != nil {
			return "", fmt.Errorf("parsing broker url: %w", err)
		}
		if u.Host == "" {
			return "", fmt.Errorf("broker url %q has no host", host)
		}
		if u.Port() == "" && port > 0 {
			u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(port))
		}
		if u.Path == "" {
			u.Path = defaultBrokerPath
		}
		return u.String(), nil
	}

	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	if host == "" {
		return "", errors.New("empty broker host")
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		if port <= 0 {
			port = defaultBrokerPort
		}
		host = net.JoinHostPort(host, strconv.Itoa(port))
	}
	u := url.URL{Scheme: defaultBrokerScheme, Host: host, Path: defaultBrokerPath}
	return u.String(), nil
}

// firstString returns the first non-empty string value among keys.
func firstString(fields map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := fields[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// firstInt returns the first positive integer among keys, accepting JSON
// numbers and numeric strings.
func firstInt(fields map[string]any, keys []string) int {
	for _, k := range keys {
		switch v := fields[k].(type) {
		case float64:
			if v > 0 {
				return int(v)
			}
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
				return n
			}
		}
	}
	return 0
}

// flexInt decodes an integer sent either as a JSON number or a string.
type flexInt struct {
	value int
	set   bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil //nolint:nilerr // Unparseable values are treated as absent
	}
	f.value = int(n)
	f.set = true
	return nil
}

func (p *Provider) getLogger() Logger {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.logger
}

func (p *Provider) logDebug(msg string, kv ...any) {
	if l := p.getLogger(); l != nil {
		l.Debug(msg, kv...)
	}
}

func (p *Provider) logInfo(msg string, kv ...any) {
	if l := p.getLogger(); l != nil {
		l.Info(msg, kv...)
	}
}

func (p *Provider) logWarn(msg string, kv ...any) {
	if l := p.getLogger(); l != nil {
		l.Warn(msg, kv...)
	}
}

func (p *Provider) logError(msg string, kv ...any) {
	if l := p.getLogger(); l != nil {
		l.Error(msg, kv...)
	}
}
