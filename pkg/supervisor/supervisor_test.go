package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opnmodem/hilinkd/pkg"
	"github.com/opnmodem/hilinkd/pkg/alerts"
	"github.com/opnmodem/hilinkd/pkg/config"
	"github.com/opnmodem/hilinkd/pkg/conman"
	"github.com/opnmodem/hilinkd/pkg/logx"
	"github.com/opnmodem/hilinkd/pkg/tstore"
)

// fakeDeviceHandler answers the management endpoints of an open (no login)
// device that reports a healthy 4G connection
func fakeDeviceHandler() http.Handler {
	m := http.NewServeMux()
	ok := func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<response>OK</response>`)
	}
	m.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	m.HandleFunc("/api/webserver/token", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<response><token>`+strings.Repeat("a", 32)+`</token></response>`)
	})
	m.HandleFunc("/api/device/basic_information", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<response><devicename>E3372</devicename><classify>hilink</classify><WebUIVersion>10.0.1.1</WebUIVersion></response>`)
	})
	m.HandleFunc("/api/user/hilink_login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<response><hilink_login>0</hilink_login></response>`)
	})
	m.HandleFunc("/api/device/information", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<response><DeviceName>E3372</DeviceName><Imei>861234567890123</Imei></response>`)
	})
	m.HandleFunc("/api/monitoring/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<response><ConnectionStatus>901</ConnectionStatus><CurrentNetworkType>19</CurrentNetworkType><WanIPAddress>10.0.0.2</WanIPAddress><SimStatus>1</SimStatus></response>`)
	})
	m.HandleFunc("/api/net/current-plmn", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<response><FullName>TestNet</FullName></response>`)
	})
	m.HandleFunc("/api/device/signal", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<response><rssi>-67</rssi></response>`)
	})
	m.HandleFunc("/api/monitoring/traffic-statistics", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<response><TotalUpload>100</TotalUpload><TotalDownload>900</TotalDownload></response>`)
	})
	m.HandleFunc("/api/monitoring/month_statistics", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<response><CurrentMonthUpload>100</CurrentMonthUpload><CurrentMonthDownload>900</CurrentMonthDownload></response>`)
	})
	m.HandleFunc("/api/net/net-mode", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `<response><NetworkMode>00</NetworkMode><NetworkBand>3FFFFFFF</NetworkBand><LTEBand>7FFFFFFFFFFFFFFF</LTEBand></response>`)
			return
		}
		ok(w, r)
	})
	m.HandleFunc("/api/dialup/connection", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `<response><RoamAutoConnectEnable>0</RoamAutoConnectEnable><MTU>1500</MTU></response>`)
			return
		}
		ok(w, r)
	})
	m.HandleFunc("/api/dialup/mobile-dataswitch", ok)
	m.HandleFunc("/api/device/control", ok)
	return m
}

func testStack(t *testing.T, modems ...*pkg.ModemConfig) (*Supervisor, *tstore.Store, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	logger := logx.NewLogger("error", "test")

	store, err := tstore.Open(filepath.Join(dir, "ts.db"), tstore.DefaultOptions(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	alertStore, err := alerts.OpenStore(filepath.Join(dir, "alerts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { alertStore.Close() })

	cfg := config.Default()
	cfg.Modems = modems
	engine, err := alerts.NewEngine(cfg.Alerts, alertStore, logger)
	require.NoError(t, err)

	sup := New(cfg, store, engine, nil, nil, nil, logger)
	return sup, store, cfg
}

func testModem(uuid, addr string) *pkg.ModemConfig {
	return &pkg.ModemConfig{
		UUID:                 uuid,
		Name:                 uuid,
		Address:              addr,
		Username:             "admin",
		Enabled:              true,
		NetworkMode:          pkg.ModeAuto,
		PollIntervalS:        10,
		ReconnectIntervalS:   1,
		MaxReconnectAttempts: 3,
	}
}

func TestSupervisorCollectsAndReportsStatus(t *testing.T) {
	device := httptest.NewServer(fakeDeviceHandler())
	defer device.Close()
	addr := strings.TrimPrefix(device.URL, "http://")

	sup, store, _ := testStack(t, testModem("m-1", addr))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup.Start(ctx)
	defer sup.Stop(2 * time.Second)

	require.Eventually(t, func() bool {
		last := store.Last("m-1")
		return last != nil && last.Status == pkg.StatusConnected
	}, 5*time.Second, 50*time.Millisecond)

	st, err := sup.Status("m-1")
	require.NoError(t, err)
	assert.Equal(t, pkg.StateConnected, st.State)
	require.NotNil(t, st.Last)
	assert.Equal(t, "TestNet", st.Last.Operator)
	require.NotNil(t, st.Last.RSSI)
	assert.Equal(t, -67.0, *st.Last.RSSI)

	assert.Len(t, sup.List(), 1)
}

func TestSupervisorUnknownModemCommands(t *testing.T) {
	sup, _, _ := testStack(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)
	defer sup.Stop(time.Second)

	res := sup.Connect(context.Background(), "ghost")
	assert.Equal(t, "error", res.Status)
	assert.Equal(t, pkg.KindConfig, res.ErrorKind)

	_, err := sup.Status("ghost")
	require.Error(t, err)
	assert.Equal(t, pkg.KindConfig, pkg.KindOf(err))
}

func TestSupervisorReloadAddsAndRemoves(t *testing.T) {
	device := httptest.NewServer(fakeDeviceHandler())
	defer device.Close()
	addr := strings.TrimPrefix(device.URL, "http://")

	sup, _, _ := testStack(t, testModem("m-1", addr))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)
	defer sup.Stop(2 * time.Second)

	next := config.Default()
	next.Modems = []*pkg.ModemConfig{testModem("m-2", addr)}
	require.NoError(t, sup.Reload(next))

	uuids := make([]string, 0, 1)
	for _, st := range sup.List() {
		uuids = append(uuids, st.Config.UUID)
	}
	assert.Equal(t, []string{"m-2"}, uuids)

	// An invalid configuration is rejected without touching the runtimes
	bad := config.Default()
	bad.Modems = []*pkg.ModemConfig{testModem("m-3", "")}
	err := sup.Reload(bad)
	require.Error(t, err)
	assert.Equal(t, pkg.KindConfig, pkg.KindOf(err))
	assert.Len(t, sup.List(), 1)
}

func TestSupervisorStopDrainsLoops(t *testing.T) {
	device := httptest.NewServer(fakeDeviceHandler())
	defer device.Close()
	addr := strings.TrimPrefix(device.URL, "http://")

	sup, store, _ := testStack(t, testModem("m-1", addr))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)

	require.Eventually(t, func() bool {
		return store.Last("m-1") != nil
	}, 5*time.Second, 50*time.Millisecond)

	done := make(chan struct{})
	go func() {
		sup.Stop(3 * time.Second)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop within the grace period")
	}
}

func TestStopDeadlineCoversStuckLoops(t *testing.T) {
	sup, _, _ := testStack(t)
	logger := logx.NewLogger("error", "test")

	// Two runtimes whose loops never drain share one grace period
	for _, id := range []string{"m-1", "m-2"} {
		mc := testModem(id, "127.0.0.1:1")
		sup.modems[id] = &modemRuntime{
			cfg:     mc,
			manager: conman.New(mc, nil, logger),
			cancel:  func() {},
			done:    make(chan struct{}),
		}
	}

	start := time.Now()
	done := make(chan struct{})
	go func() {
		sup.Stop(300 * time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stop blocked past the grace period")
	}
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestReloadAppliesPolicyChangesInPlace(t *testing.T) {
	device := httptest.NewServer(fakeDeviceHandler())
	defer device.Close()
	addr := strings.TrimPrefix(device.URL, "http://")

	sup, store, _ := testStack(t, testModem("m-1", addr))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)
	defer sup.Stop(2 * time.Second)

	require.Eventually(t, func() bool {
		return store.Last("m-1") != nil
	}, 5*time.Second, 50*time.Millisecond)

	sup.mu.Lock()
	before := sup.modems["m-1"]
	sup.mu.Unlock()

	// An interval change keeps the running loop; the new interval shows
	// up in the reported status and applies from the next cycle
	next := config.Default()
	mc := testModem("m-1", addr)
	mc.PollIntervalS = 30
	next.Modems = []*pkg.ModemConfig{mc}
	require.NoError(t, sup.Reload(next))

	sup.mu.Lock()
	after := sup.modems["m-1"]
	sup.mu.Unlock()
	assert.Same(t, before, after)

	st, err := sup.Status("m-1")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, st.Config.PollInterval())

	// An address change replaces the runtime
	second := httptest.NewServer(fakeDeviceHandler())
	defer second.Close()
	moved := config.Default()
	mc2 := testModem("m-1", strings.TrimPrefix(second.URL, "http://"))
	mc2.PollIntervalS = 30
	moved.Modems = []*pkg.ModemConfig{mc2}
	require.NoError(t, sup.Reload(moved))

	sup.mu.Lock()
	replaced := sup.modems["m-1"]
	sup.mu.Unlock()
	assert.NotSame(t, after, replaced)
}
