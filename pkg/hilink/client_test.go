package hilink

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opnmodem/hilinkd/pkg"
	"github.com/opnmodem/hilinkd/pkg/logx"
)

const testToken = "abcdefabcdefabcdefabcdefabcdef12"

// fakeModem emulates the device's web management endpoints for one WebUI
// variant
type fakeModem struct {
	mu            sync.Mutex
	variant       int
	loginRequired bool
	username      string
	password      string
	loggedIn      bool
	calls         map[string]int
	bodies        map[string]string

	// salt/nonce for the challenge flow
	salt        string
	serverNonce string
	iterations  int
	firstNonce  string

	// failNext makes the next call to an endpoint answer with a device
	// error envelope
	failNext map[string]int

	// abortEndpoints drop the connection mid-request
	abort map[string]bool
}

func newFakeModem(variant int) *fakeModem {
	return &fakeModem{
		variant:     variant,
		username:    "admin",
		password:    "hunter2",
		calls:       make(map[string]int),
		bodies:      make(map[string]string),
		failNext:    make(map[string]int),
		abort:       make(map[string]bool),
		salt:        "0102030405060708090a0b0c0d0e0f10",
		serverNonce: "feedfacefeedfacefeedfacefeedface",
		iterations:  100,
	}
}

func (f *fakeModem) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.Path
	f.calls[path]++
	body, _ := io.ReadAll(r.Body)
	if len(body) > 0 {
		f.bodies[path] = string(body)
	}

	if f.abort[path] {
		panic(http.ErrAbortHandler)
	}
	if code, ok := f.failNext[path]; ok && code != 0 {
		delete(f.failNext, path)
		fmt.Fprintf(w, `<error><code>%d</code><message></message></error>`, code)
		return
	}

	switch path {
	case "/":
		w.WriteHeader(http.StatusOK)
	case "/api/webserver/token":
		if f.variant == WebUI17 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprintf(w, `<response><token>%s</token></response>`, testToken)
	case "/html/home.html":
		if f.variant != WebUI17 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprintf(w, `<html><head><meta name="csrf_token" content="%s"/></head></html>`, testToken)
	case "/api/device/basic_information":
		fmt.Fprintf(w, `<response><devicename>E3372</devicename><classify>hilink</classify><WebUIVersion>17.100.21.112</WebUIVersion></response>`)
	case "/api/user/hilink_login":
		v := "0"
		if f.loginRequired {
			v = "1"
		}
		fmt.Fprintf(w, `<response><hilink_login>%s</hilink_login></response>`, v)
	case "/api/user/state-login":
		state := "-1"
		if f.loggedIn {
			state = "0"
		}
		fmt.Fprintf(w, `<response><State>%s</State><password_type>4</password_type></response>`, state)
	case "/api/user/login":
		f.serveHashedLogin(w, string(body))
	case "/api/user/challenge_login":
		var req struct {
			FirstNonce string `xml:"firstnonce"`
		}
		if err := xml.Unmarshal(body, &req); err != nil || req.FirstNonce == "" {
			fmt.Fprint(w, `<error><code>100002</code></error>`)
			return
		}
		f.firstNonce = req.FirstNonce
		fmt.Fprintf(w, `<response><salt>%s</salt><servernonce>%s</servernonce><iterations>%d</iterations></response>`,
			f.salt, f.serverNonce, f.iterations)
	case "/api/user/authentication_login":
		var req struct {
			ClientProof string `xml:"clientproof"`
		}
		salt, _ := hex.DecodeString(f.salt)
		want := hex.EncodeToString(challengeProof(f.password, f.firstNonce, f.serverNonce, salt, f.iterations))
		if err := xml.Unmarshal(body, &req); err != nil || req.ClientProof != want {
			fmt.Fprint(w, `<error><code>108002</code></error>`)
			return
		}
		f.loggedIn = true
		fmt.Fprint(w, `<response>OK</response>`)
	case "/api/device/information":
		fmt.Fprint(w, `<response><DeviceName>E3372</DeviceName><Imei>861234567890123</Imei><Iccid>8946071234567890123</Iccid></response>`)
	case "/api/monitoring/status":
		fmt.Fprint(w, `<response><ConnectionStatus>901</ConnectionStatus><CurrentNetworkType>19</CurrentNetworkType><WanIPAddress>10.64.1.7</WanIPAddress><SimStatus>1</SimStatus><RoamingStatus>0</RoamingStatus><CurrentConnectTime>120</CurrentConnectTime></response>`)
	case "/api/net/current-plmn":
		fmt.Fprint(w, `<response><FullName>TestNet</FullName><Numeric>26201</Numeric></response>`)
	case "/api/device/signal":
		if f.variant == WebUI17 {
			fmt.Fprint(w, `<response><rssi>-63dBm</rssi><rsrp>-95dBm</rsrp></response>`)
		} else {
			fmt.Fprint(w, `<response><rssi>21</rssi></response>`)
		}
	case "/api/monitoring/traffic-statistics":
		fmt.Fprint(w, `<response><CurrentUpload>100</CurrentUpload><CurrentDownload>2000</CurrentDownload><TotalUpload>5000</TotalUpload><TotalDownload>90000</TotalDownload></response>`)
	case "/api/monitoring/month_statistics":
		fmt.Fprint(w, `<response><CurrentMonthUpload>400</CurrentMonthUpload><CurrentMonthDownload>8000</CurrentMonthDownload></response>`)
	case "/api/dialup/mobile-dataswitch", "/api/device/control":
		fmt.Fprint(w, `<response>OK</response>`)
	case "/api/net/net-mode":
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `<response><NetworkMode>00</NetworkMode><NetworkBand>3FFFFFFF</NetworkBand><LTEBand>7FFFFFFFFFFFFFFF</LTEBand></response>`)
			return
		}
		fmt.Fprint(w, `<response>OK</response>`)
	case "/api/dialup/connection":
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `<response><RoamAutoConnectEnable>0</RoamAutoConnectEnable><MTU>1500</MTU></response>`)
			return
		}
		fmt.Fprint(w, `<response>OK</response>`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeModem) serveHashedLogin(w http.ResponseWriter, body string) {
	passHash := sha256.Sum256([]byte(f.password))
	passB64 := base64.StdEncoding.EncodeToString(passHash[:])
	authHash := sha256.Sum256([]byte(f.username + passB64 + testToken))
	want := base64.StdEncoding.EncodeToString(authHash[:])

	var req struct {
		Username string `xml:"Username"`
		Password string `xml:"Password"`
	}
	if err := xml.Unmarshal([]byte(body), &req); err != nil ||
		req.Username != f.username || req.Password != want {
		fmt.Fprint(w, `<error><code>108002</code></error>`)
		return
	}
	f.loggedIn = true
	fmt.Fprint(w, `<response>OK</response>`)
}

func (f *fakeModem) callCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func newFakeClient(t *testing.T, modem *fakeModem) *Client {
	t.Helper()
	srv := httptest.NewServer(modem)
	t.Cleanup(srv.Close)
	cfg := &pkg.ModemConfig{
		UUID:     "modem-1",
		Name:     "test",
		Enabled:  true,
		Address:  strings.TrimPrefix(srv.URL, "http://"),
		Username: "admin",
		Password: "hunter2",
	}
	return NewClient(cfg, logx.NewLogger("error", "test"))
}

func TestAuthenticateOpenDevice(t *testing.T) {
	modem := newFakeModem(WebUI10)
	c := newFakeClient(t, modem)

	session, err := c.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, WebUI10, session.WebUIVersion)
	assert.False(t, session.LoginRequired)
	assert.Equal(t, testToken, session.Token)
}

func TestAuthenticateChallengeLogin(t *testing.T) {
	modem := newFakeModem(WebUI10)
	modem.loginRequired = true
	c := newFakeClient(t, modem)

	session, err := c.Authenticate(context.Background())
	require.NoError(t, err)
	assert.True(t, session.LoginRequired)
	assert.True(t, session.LoggedIn)
	assert.Equal(t, 1, modem.callCount("/api/user/authentication_login"))
}

func TestAuthenticateHashedLogin(t *testing.T) {
	modem := newFakeModem(WebUI17)
	modem.loginRequired = true
	c := newFakeClient(t, modem)

	session, err := c.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, WebUI17, session.WebUIVersion)
	assert.True(t, session.LoggedIn)
	assert.Equal(t, 1, modem.callCount("/api/user/login"))
}

func TestAuthenticateWrongPassword(t *testing.T) {
	modem := newFakeModem(WebUI17)
	modem.loginRequired = true
	modem.password = "different"
	c := newFakeClient(t, modem)

	_, err := c.Authenticate(context.Background())
	require.Error(t, err)
	assert.Equal(t, pkg.KindAuth, pkg.KindOf(err))
}

func TestGetStatusSignalAndUsage(t *testing.T) {
	modem := newFakeModem(WebUI10)
	c := newFakeClient(t, modem)
	ctx := context.Background()

	st, err := c.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, pkg.StatusConnected, st.Status)
	assert.Equal(t, pkg.Network4G, st.NetworkType)
	assert.Equal(t, "TestNet", st.Operator)
	assert.Equal(t, "10.64.1.7", st.WANIP)

	sig, err := c.GetSignal(ctx)
	require.NoError(t, err)
	assert.Equal(t, -71.0, sig.RSSI) // raw 21 rescaled

	du, err := c.GetDataUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(90000), du.TotalRx)
	assert.Equal(t, int64(8400), du.MonthTotal())
}

func TestSessionRenewalOnAuthError(t *testing.T) {
	modem := newFakeModem(WebUI10)
	c := newFakeClient(t, modem)
	ctx := context.Background()

	_, err := c.GetSignal(ctx)
	require.NoError(t, err)

	// Device invalidated the session: next call gets a session error, the
	// client re-authenticates once and repeats the call
	modem.mu.Lock()
	modem.failNext["/api/device/signal"] = 125002
	modem.mu.Unlock()

	sig, err := c.GetSignal(ctx)
	require.NoError(t, err)
	assert.Equal(t, -71.0, sig.RSSI)
	assert.Equal(t, 3, modem.callCount("/api/device/signal"))
}

func TestDeviceBusyIsRetried(t *testing.T) {
	modem := newFakeModem(WebUI10)
	c := newFakeClient(t, modem)
	ctx := context.Background()

	modem.mu.Lock()
	modem.failNext["/api/device/signal"] = 100004
	modem.mu.Unlock()

	sig, err := c.GetSignal(ctx)
	require.NoError(t, err)
	assert.Equal(t, -71.0, sig.RSSI)
	assert.Equal(t, 2, modem.callCount("/api/device/signal"))
}

func TestConnectSendsDataSwitch(t *testing.T) {
	modem := newFakeModem(WebUI10)
	c := newFakeClient(t, modem)

	require.NoError(t, c.Connect(context.Background()))
	modem.mu.Lock()
	body := modem.bodies["/api/dialup/mobile-dataswitch"]
	modem.mu.Unlock()
	assert.Contains(t, body, "<dataswitch>1</dataswitch>")

	require.NoError(t, c.Disconnect(context.Background()))
	modem.mu.Lock()
	body = modem.bodies["/api/dialup/mobile-dataswitch"]
	modem.mu.Unlock()
	assert.Contains(t, body, "<dataswitch>0</dataswitch>")
}

func TestSetNetworkModePreservesBands(t *testing.T) {
	modem := newFakeModem(WebUI10)
	c := newFakeClient(t, modem)

	require.NoError(t, c.SetNetworkMode(context.Background(), pkg.Mode4GOnly))
	modem.mu.Lock()
	body := modem.bodies["/api/net/net-mode"]
	modem.mu.Unlock()
	assert.Contains(t, body, "<NetworkMode>03</NetworkMode>")
	assert.Contains(t, body, "<NetworkBand>3FFFFFFF</NetworkBand>")
	assert.Contains(t, body, "<LTEBand>7FFFFFFFFFFFFFFF</LTEBand>")

	err := c.SetNetworkMode(context.Background(), pkg.NetworkMode("5g_only"))
	require.Error(t, err)
	assert.Equal(t, pkg.KindConfig, pkg.KindOf(err))
}

func TestRebootToleratesDroppedConnection(t *testing.T) {
	modem := newFakeModem(WebUI10)
	c := newFakeClient(t, modem)

	// Prime the session so only the control request aborts
	_, err := c.Authenticate(context.Background())
	require.NoError(t, err)

	modem.mu.Lock()
	modem.abort["/api/device/control"] = true
	modem.mu.Unlock()

	assert.NoError(t, c.Reboot(context.Background()))
}

func TestErrorEnvelopeClassification(t *testing.T) {
	c := &Client{}
	cases := []struct {
		code int
		kind pkg.ErrorKind
	}{
		{125001, pkg.KindAuth},
		{125002, pkg.KindAuth},
		{125003, pkg.KindAuth},
		{108002, pkg.KindAuth},
		{100003, pkg.KindAuth},
		{100004, pkg.KindNetwork},
		{100002, pkg.KindProtocol},
		{999999, pkg.KindProtocol},
	}
	for _, tc := range cases {
		data := fmt.Sprintf(`<error><code>%d</code><message></message></error>`, tc.code)
		err := c.checkErrorEnvelope("test", []byte(data))
		require.Error(t, err, "code %d", tc.code)
		assert.Equal(t, tc.kind, pkg.KindOf(err), "code %d", tc.code)
	}

	assert.NoError(t, c.checkErrorEnvelope("test", []byte(`<response>OK</response>`)))
}
