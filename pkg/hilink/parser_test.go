package hilink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opnmodem/hilinkd/pkg"
)

const (
	deviceInfoXML = `<response><DeviceName>E3372</DeviceName><Imei>861234567890123</Imei><Iccid>8946071234567890123</Iccid></response>`
	plmnXML       = `<response><FullName>TestNet</FullName><Numeric>26201</Numeric></response>`
)

func TestParseStatusConnectionCodes(t *testing.T) {
	p := &legacyParser{}
	cases := []struct {
		code string
		want pkg.ConnectionStatus
	}{
		{"901", pkg.StatusConnected},
		{"900", pkg.StatusConnecting},
		{"902", pkg.StatusDisconnected},
		{"903", pkg.StatusDisconnected},
		{"7", pkg.StatusUnknown},
	}
	for _, tc := range cases {
		mon := `<response><ConnectionStatus>` + tc.code + `</ConnectionStatus><CurrentNetworkType>19</CurrentNetworkType><WanIPAddress>10.0.0.2</WanIPAddress></response>`
		st, err := p.ParseStatus([]byte(deviceInfoXML), []byte(mon), []byte(plmnXML))
		require.NoError(t, err)
		assert.Equal(t, tc.want, st.Status, "code %s", tc.code)
	}
}

func TestParseStatusFields(t *testing.T) {
	p := &modernParser{}
	mon := `<response><ConnectionStatus>901</ConnectionStatus><CurrentNetworkType>19</CurrentNetworkType><WanIPAddress>10.64.1.7</WanIPAddress><SimStatus>1</SimStatus><RoamingStatus>1</RoamingStatus><CurrentConnectTime>3600</CurrentConnectTime></response>`
	st, err := p.ParseStatus([]byte(deviceInfoXML), []byte(mon), []byte(plmnXML))
	require.NoError(t, err)
	assert.Equal(t, pkg.Network4G, st.NetworkType)
	assert.Equal(t, "TestNet", st.Operator)
	assert.Equal(t, "10.64.1.7", st.WANIP)
	assert.Equal(t, "E3372", st.DeviceName)
	assert.Equal(t, "861234567890123", st.IMEI)
	assert.Equal(t, int64(3600), st.ConnectTimeS)
	assert.True(t, st.Roaming)
}

func TestLegacySignalRescalesRawRSSI(t *testing.T) {
	p := &legacyParser{}

	// Raw index 21 maps to -113 + 21*2 = -71 dBm
	sig, err := p.ParseSignal([]byte(`<response><rssi>21</rssi></response>`))
	require.NoError(t, err)
	assert.Equal(t, -71.0, sig.RSSI)
	assert.Equal(t, 4, sig.Bars)
	assert.Equal(t, "good", sig.Quality)
	assert.Nil(t, sig.RSRP)

	// Already-negative values pass through unscaled
	sig, err = p.ParseSignal([]byte(`<response><rssi>-89</rssi></response>`))
	require.NoError(t, err)
	assert.Equal(t, -89.0, sig.RSSI)
}

func TestModernSignalStripsUnits(t *testing.T) {
	p := &modernParser{}
	raw := `<response><rssi>-63dBm</rssi><rsrp>-95dBm</rsrp><rsrq>-11dB</rsrq><sinr>12dB</sinr><cell_id>12345678</cell_id><band>3</band></response>`
	sig, err := p.ParseSignal([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, -63.0, sig.RSSI)
	require.NotNil(t, sig.RSRP)
	assert.Equal(t, -95.0, *sig.RSRP)
	require.NotNil(t, sig.SINR)
	assert.Equal(t, 12.0, *sig.SINR)
	require.NotNil(t, sig.CellID)
	assert.Equal(t, int64(12345678), *sig.CellID)
	assert.Equal(t, 5, sig.Bars)
}

func TestModernSignalComparisonPrefix(t *testing.T) {
	p := &modernParser{}
	sig, err := p.ParseSignal([]byte(`<response><rssi>&gt;=-65dBm</rssi></response>`))
	require.NoError(t, err)
	assert.Equal(t, -65.0, sig.RSSI)
}

func TestParseData(t *testing.T) {
	p := &legacyParser{}
	traffic := `<response><CurrentUpload>100</CurrentUpload><CurrentDownload>2000</CurrentDownload><TotalUpload>5000</TotalUpload><TotalDownload>90000</TotalDownload></response>`
	month := `<response><CurrentMonthUpload>400</CurrentMonthUpload><CurrentMonthDownload>8000</CurrentMonthDownload></response>`
	du, err := p.ParseData([]byte(traffic), []byte(month))
	require.NoError(t, err)
	assert.Equal(t, int64(90000), du.TotalRx)
	assert.Equal(t, int64(5000), du.TotalTx)
	assert.Equal(t, int64(8400), du.MonthTotal())
}

func TestNetworkTypeNames(t *testing.T) {
	cases := map[string]pkg.NetworkType{
		"LTE":        pkg.Network4G,
		"WCDMA":      pkg.Network3G,
		"HSPA+":      pkg.Network3G,
		"GSM":        pkg.Network2G,
		"No Service": pkg.NetworkNone,
		"0":          pkg.NetworkNone,
		"41":         pkg.Network3G,
		"101":        pkg.Network4G,
		"weird":      pkg.NetworkUnknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, networkTypeFrom(in), "input %q", in)
	}
}

func TestClassifySignal(t *testing.T) {
	bars, quality := classifySignal(-60)
	assert.Equal(t, 5, bars)
	assert.Equal(t, "excellent", quality)

	bars, quality = classifySignal(-110)
	assert.Equal(t, 0, bars)
	assert.Equal(t, "no signal", quality)
}

func TestChallengeProofDeterministic(t *testing.T) {
	salt := []byte{0x01, 0x02, 0x03, 0x04}
	a := challengeProof("secret", "cn", "sn", salt, 100)
	b := challengeProof("secret", "cn", "sn", salt, 100)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	c := challengeProof("other", "cn", "sn", salt, 100)
	assert.NotEqual(t, a, c)

	d := challengeProof("secret", "cn2", "sn", salt, 100)
	assert.NotEqual(t, a, d)
}
