package hilink

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opnmodem/hilinkd/pkg"
	"github.com/opnmodem/hilinkd/pkg/logx"
)

// Request endpoints of the HiLink web management API
const (
	epRoot         = "/"
	epToken        = "/api/webserver/token"
	epHomePage     = "/html/home.html"
	epBasicInfo    = "/api/device/basic_information"
	epHilinkLogin  = "/api/user/hilink_login"
	epStateLogin   = "/api/user/state-login"
	epLogin        = "/api/user/login"
	epChallenge    = "/api/user/challenge_login"
	epAuthenticate = "/api/user/authentication_login"
	epDeviceInfo   = "/api/device/information"
	epMonStatus    = "/api/monitoring/status"
	epCurrentPLMN  = "/api/net/current-plmn"
	epSignal       = "/api/device/signal"
	epTraffic      = "/api/monitoring/traffic-statistics"
	epMonthStats   = "/api/monitoring/month_statistics"
	epDataSwitch   = "/api/dialup/mobile-dataswitch"
	epDeviceCtl    = "/api/device/control"
	epNetMode      = "/api/net/net-mode"
	epDialupConn   = "/api/dialup/connection"
)

// Retry policy for transient network failures
const (
	retryBase     = 1 * time.Second
	retryFactor   = 2
	retryCap      = 30 * time.Second
	retryAttempts = 3
)

// Client is the authenticated HTTP/XML transport to one modem. All requests
// to the device are strictly serialized; concurrent callers queue on the
// client's request slot.
type Client struct {
	baseURL string
	cfg     *pkg.ModemConfig
	httpc   *http.Client
	logger  *logx.Logger

	// reqSlot serializes every request to the device. Buffered size 1:
	// acquire by send, release by receive.
	reqSlot chan struct{}

	session *Session
	parser  Parser
}

// NewClient creates a client for one modem. No network traffic happens
// until the first operation.
func NewClient(cfg *pkg.ModemConfig, logger *logx.Logger) *Client {
	c := &Client{
		baseURL: "http://" + cfg.Address,
		cfg:     cfg,
		logger:  logger.With("modem", cfg.Name),
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
		reqSlot: make(chan struct{}, 1),
	}
	return c
}

// acquire takes the serialized request slot, honoring cancellation
func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.reqSlot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return pkg.NetworkError("acquire request slot", ctx.Err())
	}
}

func (c *Client) release() { <-c.reqSlot }

// Session returns a copy of the current session, or nil before the first
// authentication
func (c *Client) Session() *Session {
	if err := c.acquire(context.Background()); err != nil {
		return nil
	}
	defer c.release()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// Authenticate establishes a fresh session: probes the WebUI variant,
// selects the matching parser, and logs in when the firmware requires it.
func (c *Client) Authenticate(ctx context.Context) (*Session, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	if err := c.authenticateLocked(ctx); err != nil {
		return nil, err
	}
	s := *c.session
	return &s, nil
}

func (c *Client) authenticateLocked(ctx context.Context) error {
	c.session = &Session{CreatedAt: time.Now()}

	if err := c.initSession(ctx); err != nil {
		return err
	}
	c.parser = parserFor(c.session.WebUIVersion)

	if err := c.checkLoginRequired(ctx); err != nil {
		c.logger.Debug("Login requirement probe failed, assuming open UI", "error", err)
	}
	if c.session.LoginRequired {
		if err := c.login(ctx); err != nil {
			return err
		}
	}

	c.logger.Info("Session established",
		"webui_version", c.session.WebUIVersion,
		"login_required", c.session.LoginRequired)
	return nil
}

// GetStatus queries device information, monitoring status, and the current
// operator, and returns the normalized status.
func (c *Client) GetStatus(ctx context.Context) (*Status, error) {
	var st *Status
	err := c.do(ctx, "get status", func() error {
		device, err := c.request(ctx, http.MethodGet, epDeviceInfo, "")
		if err != nil {
			return err
		}
		mon, err := c.request(ctx, http.MethodGet, epMonStatus, "")
		if err != nil {
			return err
		}
		plmn, err := c.request(ctx, http.MethodGet, epCurrentPLMN, "")
		if err != nil {
			return err
		}
		st, err = c.parser.ParseStatus(device, mon, plmn)
		return err
	})
	return st, err
}

// GetSignal queries and normalizes the radio metrics
func (c *Client) GetSignal(ctx context.Context) (*Signal, error) {
	var sig *Signal
	err := c.do(ctx, "get signal", func() error {
		raw, err := c.request(ctx, http.MethodGet, epSignal, "")
		if err != nil {
			return err
		}
		sig, err = c.parser.ParseSignal(raw)
		return err
	})
	return sig, err
}

// GetDataUsage queries session, total, and monthly traffic counters
func (c *Client) GetDataUsage(ctx context.Context) (*DataUsage, error) {
	var du *DataUsage
	err := c.do(ctx, "get data usage", func() error {
		traffic, err := c.request(ctx, http.MethodGet, epTraffic, "")
		if err != nil {
			return err
		}
		month, err := c.request(ctx, http.MethodGet, epMonthStats, "")
		if err != nil {
			return err
		}
		du, err = c.parser.ParseData(traffic, month)
		return err
	})
	return du, err
}

// Connect switches mobile data on. The device reaches the target state
// asynchronously; callers must poll status.
func (c *Client) Connect(ctx context.Context) error {
	body := `<?xml version="1.0" encoding="UTF-8"?><request><dataswitch>1</dataswitch></request>`
	return c.do(ctx, "connect", func() error {
		_, err := c.request(ctx, http.MethodPost, epDataSwitch, body)
		return err
	})
}

// Disconnect switches mobile data off
func (c *Client) Disconnect(ctx context.Context) error {
	body := `<?xml version="1.0" encoding="UTF-8"?><request><dataswitch>0</dataswitch></request>`
	return c.do(ctx, "disconnect", func() error {
		_, err := c.request(ctx, http.MethodPost, epDataSwitch, body)
		return err
	})
}

// Reboot restarts the device. The HTTP request usually dies mid-flight as
// the device goes down, so transport errors after the POST count as success.
func (c *Client) Reboot(ctx context.Context) error {
	body := `<?xml version="1.0" encoding="UTF-8"?><request><Control>1</Control></request>`
	err := c.do(ctx, "reboot", func() error {
		_, err := c.request(ctx, http.MethodPost, epDeviceCtl, body)
		return err
	})
	if pkg.IsKind(err, pkg.KindNetwork) {
		c.logger.Debug("Reboot request dropped by device, treating as accepted")
		return nil
	}
	return err
}

// SetNetworkMode applies the RAT selection policy, preserving the device's
// current band masks
func (c *Client) SetNetworkMode(ctx context.Context, mode pkg.NetworkMode) error {
	code, ok := networkModeCodes[mode]
	if !ok {
		return pkg.ConfigError("set network mode", fmt.Errorf("unsupported mode %q", mode))
	}
	return c.do(ctx, "set network mode", func() error {
		raw, err := c.request(ctx, http.MethodGet, epNetMode, "")
		if err != nil {
			return err
		}
		var cur netModeResponse
		if err := xml.Unmarshal(raw, &cur); err != nil {
			return pkg.ProtocolError("parse net-mode", err)
		}
		if cur.NetworkBand == "" {
			cur.NetworkBand = "3FFFFFFF"
		}
		if cur.LTEBand == "" {
			cur.LTEBand = "7FFFFFFFFFFFFFFF"
		}
		body := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?><request><NetworkMode>%s</NetworkMode><NetworkBand>%s</NetworkBand><LTEBand>%s</LTEBand></request>`,
			code, cur.NetworkBand, cur.LTEBand)
		_, err = c.request(ctx, http.MethodPost, epNetMode, body)
		return err
	})
}

// SetRoaming toggles roaming auto-connect, preserving the other dialup
// connection settings
func (c *Client) SetRoaming(ctx context.Context, enabled bool) error {
	return c.do(ctx, "set roaming", func() error {
		raw, err := c.request(ctx, http.MethodGet, epDialupConn, "")
		if err != nil {
			return err
		}
		var cur dialupConnResponse
		if err := xml.Unmarshal(raw, &cur); err != nil {
			return pkg.ProtocolError("parse dialup connection", err)
		}
		if cur.MTU == "" {
			cur.MTU = "1500"
		}
		if cur.AutoDialSwitch == "" {
			cur.AutoDialSwitch = "1"
		}
		roam := "0"
		if enabled {
			roam = "1"
		}
		body := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?><request><RoamAutoConnectEnable>%s</RoamAutoConnectEnable><MaxIdelTime>%s</MaxIdelTime><ConnectMode>%s</ConnectMode><MTU>%s</MTU><auto_dial_switch>%s</auto_dial_switch><pdp_always_on>%s</pdp_always_on></request>`,
			roam, zeroDefault(cur.MaxIdleTime), zeroDefault(cur.ConnectMode), cur.MTU, cur.AutoDialSwitch, zeroDefault(cur.PdpAlwaysOn))
		_, err = c.request(ctx, http.MethodPost, epDialupConn, body)
		return err
	})
}

func zeroDefault(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// do runs an operation holding the request slot, with session establishment,
// transient retry, and a single re-authentication on auth failure.
func (c *Client) do(ctx context.Context, op string, fn func() error) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	if c.session == nil || (c.session.LoginRequired && !c.session.LoggedIn) {
		if err := c.withRetry(ctx, op, func() error { return c.authenticateLocked(ctx) }); err != nil {
			return err
		}
	}

	err := c.withRetry(ctx, op, fn)
	if pkg.IsKind(err, pkg.KindAuth) {
		// Session expired on the device side: one fresh login, one retry
		c.logger.Debug("Session rejected, re-authenticating", "op", op)
		if authErr := c.authenticateLocked(ctx); authErr != nil {
			return authErr
		}
		err = c.withRetry(ctx, op, fn)
	}
	return err
}

// withRetry retries transient network errors with exponential backoff.
// Auth and protocol errors are returned immediately.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := retryBase
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil || !pkg.IsKind(err, pkg.KindNetwork) {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		c.logger.Debug("Transient failure, backing off",
			"op", op, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return pkg.NetworkError(op, ctx.Err())
		}
		delay *= retryFactor
		if delay > retryCap {
			delay = retryCap
		}
	}
	return err
}

// request performs one HTTP exchange with the device, maintaining the
// session cookie and verification token, and surfacing device error
// envelopes as classified errors.
func (c *Client) request(ctx context.Context, method, endpoint, body string) ([]byte, error) {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, pkg.ProtocolError(endpoint, err)
	}
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if body != "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	}
	if c.session != nil {
		if c.session.Token != "" {
			req.Header.Set("__RequestVerificationToken", c.session.Token)
		}
		if c.session.SessionID != "" {
			req.AddCookie(&http.Cookie{Name: "SessionID", Value: c.session.SessionID})
		}
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, pkg.NetworkError(endpoint, err)
	}
	defer resp.Body.Close()

	c.updateSessionInfo(resp)

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, pkg.NetworkError(endpoint, err)
	}
	if resp.StatusCode >= 500 {
		return nil, pkg.NetworkError(endpoint, fmt.Errorf("http %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, pkg.ProtocolError(endpoint, fmt.Errorf("http %d", resp.StatusCode))
	}
	if err := c.checkErrorEnvelope(endpoint, data); err != nil {
		return nil, err
	}
	return data, nil
}

// updateSessionInfo captures rotated session cookies and verification
// tokens from a response
func (c *Client) updateSessionInfo(resp *http.Response) {
	if c.session == nil {
		return
	}
	for _, ck := range resp.Cookies() {
		if ck.Name == "SessionID" && ck.Value != "" {
			c.session.SessionID = ck.Value
		}
	}
	if tok := resp.Header.Get("__RequestVerificationToken"); tok != "" {
		if i := strings.IndexByte(tok, '#'); i >= 0 {
			tok = tok[:i]
		}
		c.session.Token = tok
	}
}

type errorEnvelope struct {
	XMLName xml.Name `xml:"error"`
	Code    int      `xml:"code"`
	Message string   `xml:"message"`
}

// checkErrorEnvelope classifies <error> response bodies against the vendor
// error code table
func (c *Client) checkErrorEnvelope(endpoint string, data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if !bytes.Contains(trimmed, []byte("<error>")) {
		return nil
	}
	var env errorEnvelope
	if err := xml.Unmarshal(trimmed, &env); err != nil {
		return nil // not an error document after all
	}
	name, known := errorNames[env.Code]
	if !known {
		name = "ERROR_UNKNOWN"
	}
	devErr := fmt.Errorf("%s (code %d)", name, env.Code)
	switch env.Code {
	case errWrongToken, errWrongSession, errWrongSessionToken,
		errLoginUsernameWrong, errLoginPasswordWrong,
		errLoginUserOrPassword, errLoginTooManyTimes, errSystemNoRights:
		return pkg.AuthError(endpoint, devErr)
	case errDeviceBusy:
		return pkg.NetworkError(endpoint, devErr)
	default:
		return pkg.ProtocolError(endpoint, devErr)
	}
}
