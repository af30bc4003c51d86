package hilink

import (
	"encoding/xml"
	"strconv"
	"strings"

	"github.com/opnmodem/hilinkd/pkg"
)

// Parser normalizes the firmware-variant-specific monitoring responses.
// One parser is selected per modem by the version probe and cached for the
// session's lifetime.
type Parser interface {
	ParseStatus(deviceInfo, monStatus, plmn []byte) (*Status, error)
	ParseSignal(signal []byte) (*Signal, error)
	ParseData(traffic, month []byte) (*DataUsage, error)
}

// parserFor returns the parser matching a probed WebUI variant
func parserFor(webuiVersion int) Parser {
	switch webuiVersion {
	case WebUI17, WebUI21:
		return &modernParser{}
	default:
		return &legacyParser{}
	}
}

type deviceInfoResponse struct {
	XMLName    xml.Name `xml:"response"`
	DeviceName string   `xml:"DeviceName"`
	IMEI       string   `xml:"Imei"`
	ICCID      string   `xml:"Iccid"`
}

type monStatusResponse struct {
	XMLName            xml.Name `xml:"response"`
	ConnectionStatus   string   `xml:"ConnectionStatus"`
	CurrentNetworkType string   `xml:"CurrentNetworkType"`
	WanIPAddress       string   `xml:"WanIPAddress"`
	SimStatus          string   `xml:"SimStatus"`
	RoamingStatus      string   `xml:"RoamingStatus"`
	CurrentConnectTime string   `xml:"CurrentConnectTime"`
}

type plmnResponse struct {
	XMLName  xml.Name `xml:"response"`
	FullName string   `xml:"FullName"`
	Numeric  string   `xml:"Numeric"`
}

type signalResponse struct {
	XMLName xml.Name `xml:"response"`
	RSSI    string   `xml:"rssi"`
	RSRP    string   `xml:"rsrp"`
	RSRQ    string   `xml:"rsrq"`
	SINR    string   `xml:"sinr"`
	CellID  string   `xml:"cell_id"`
	Band    string   `xml:"band"`
}

type trafficResponse struct {
	XMLName         xml.Name `xml:"response"`
	CurrentUpload   string   `xml:"CurrentUpload"`
	CurrentDownload string   `xml:"CurrentDownload"`
	TotalUpload     string   `xml:"TotalUpload"`
	TotalDownload   string   `xml:"TotalDownload"`
}

type monthStatsResponse struct {
	XMLName              xml.Name `xml:"response"`
	CurrentMonthUpload   string   `xml:"CurrentMonthUpload"`
	CurrentMonthDownload string   `xml:"CurrentMonthDownload"`
}

type netModeResponse struct {
	XMLName     xml.Name `xml:"response"`
	NetworkMode string   `xml:"NetworkMode"`
	NetworkBand string   `xml:"NetworkBand"`
	LTEBand     string   `xml:"LTEBand"`
}

type dialupConnResponse struct {
	XMLName        xml.Name `xml:"response"`
	RoamAutoConn   string   `xml:"RoamAutoConnectEnable"`
	MaxIdleTime    string   `xml:"MaxIdelTime"`
	ConnectMode    string   `xml:"ConnectMode"`
	MTU            string   `xml:"MTU"`
	AutoDialSwitch string   `xml:"auto_dial_switch"`
	PdpAlwaysOn    string   `xml:"pdp_always_on"`
}

// baseParser carries the response handling every variant shares
type baseParser struct{}

func (baseParser) parseStatus(deviceInfo, monStatus, plmn []byte) (*Status, error) {
	var dev deviceInfoResponse
	if err := xml.Unmarshal(deviceInfo, &dev); err != nil {
		return nil, pkg.ProtocolError("parse device information", err)
	}
	var mon monStatusResponse
	if err := xml.Unmarshal(monStatus, &mon); err != nil {
		return nil, pkg.ProtocolError("parse monitoring status", err)
	}
	var op plmnResponse
	if err := xml.Unmarshal(plmn, &op); err != nil {
		return nil, pkg.ProtocolError("parse current plmn", err)
	}

	st := &Status{
		Status:       connectionStatusFromCode(mon.ConnectionStatus),
		NetworkType:  networkTypeFrom(mon.CurrentNetworkType),
		Operator:     op.FullName,
		WANIP:        mon.WanIPAddress,
		SIMStatus:    mon.SimStatus,
		DeviceName:   dev.DeviceName,
		IMEI:         dev.IMEI,
		ICCID:        dev.ICCID,
		ConnectTimeS: parseInt64(mon.CurrentConnectTime),
		Roaming:      mon.RoamingStatus == "1",
	}
	return st, nil
}

func (baseParser) parseData(traffic, month []byte) (*DataUsage, error) {
	var tr trafficResponse
	if err := xml.Unmarshal(traffic, &tr); err != nil {
		return nil, pkg.ProtocolError("parse traffic statistics", err)
	}
	var mo monthStatsResponse
	if err := xml.Unmarshal(month, &mo); err != nil {
		return nil, pkg.ProtocolError("parse month statistics", err)
	}
	return &DataUsage{
		SessionRx: parseInt64(tr.CurrentDownload),
		SessionTx: parseInt64(tr.CurrentUpload),
		TotalRx:   parseInt64(tr.TotalDownload),
		TotalTx:   parseInt64(tr.TotalUpload),
		MonthRx:   parseInt64(mo.CurrentMonthDownload),
		MonthTx:   parseInt64(mo.CurrentMonthUpload),
	}, nil
}

// legacyParser handles WebUI 10 firmware: the signal endpoint reports a raw
// 0..31 RSSI index which has to be rescaled to dBm.
type legacyParser struct {
	baseParser
}

func (p *legacyParser) ParseStatus(deviceInfo, monStatus, plmn []byte) (*Status, error) {
	return p.parseStatus(deviceInfo, monStatus, plmn)
}

func (p *legacyParser) ParseSignal(signal []byte) (*Signal, error) {
	var sr signalResponse
	if err := xml.Unmarshal(signal, &sr); err != nil {
		return nil, pkg.ProtocolError("parse signal", err)
	}
	rssi := parseFloat(sr.RSSI)
	if rssi >= 0 {
		// Raw signal index, -113 dBm floor with 2 dB steps
		rssi = -113 + rssi*2
	}
	sig := &Signal{
		RSSI:   rssi,
		RSRP:   optionalFloat(sr.RSRP),
		RSRQ:   optionalFloat(sr.RSRQ),
		SINR:   optionalFloat(sr.SINR),
		CellID: optionalInt(sr.CellID),
		Band:   sr.Band,
	}
	sig.Bars, sig.Quality = classifySignal(sig.RSSI)
	return sig, nil
}

func (p *legacyParser) ParseData(traffic, month []byte) (*DataUsage, error) {
	return p.parseData(traffic, month)
}

// modernParser handles WebUI 17/21 firmware: signal values arrive in dBm
// with unit suffixes ("-85dBm", "&gt;=-65dBm") that must be stripped.
type modernParser struct {
	baseParser
}

func (p *modernParser) ParseStatus(deviceInfo, monStatus, plmn []byte) (*Status, error) {
	return p.parseStatus(deviceInfo, monStatus, plmn)
}

func (p *modernParser) ParseSignal(signal []byte) (*Signal, error) {
	var sr signalResponse
	if err := xml.Unmarshal(signal, &sr); err != nil {
		return nil, pkg.ProtocolError("parse signal", err)
	}
	sig := &Signal{
		RSSI:   parseFloat(stripUnits(sr.RSSI)),
		RSRP:   optionalFloat(stripUnits(sr.RSRP)),
		RSRQ:   optionalFloat(stripUnits(sr.RSRQ)),
		SINR:   optionalFloat(stripUnits(sr.SINR)),
		CellID: optionalInt(sr.CellID),
		Band:   sr.Band,
	}
	sig.Bars, sig.Quality = classifySignal(sig.RSSI)
	return sig, nil
}

func (p *modernParser) ParseData(traffic, month []byte) (*DataUsage, error) {
	return p.parseData(traffic, month)
}

// connectionStatusFromCode maps the vendor's dialup status codes
func connectionStatusFromCode(code string) pkg.ConnectionStatus {
	switch code {
	case "901":
		return pkg.StatusConnected
	case "900":
		return pkg.StatusConnecting
	case "902", "903":
		return pkg.StatusDisconnected
	default:
		return pkg.StatusUnknown
	}
}

// networkTypeFrom maps CurrentNetworkType codes and names onto the RAT class
func networkTypeFrom(v string) pkg.NetworkType {
	switch v {
	case "", "0":
		return pkg.NetworkNone
	case "1", "2", "3":
		return pkg.Network2G
	case "4", "5", "6", "7", "9", "41", "42", "43", "44", "45", "46":
		return pkg.Network3G
	case "19", "101":
		return pkg.Network4G
	}
	upper := strings.ToUpper(v)
	switch {
	case strings.Contains(upper, "LTE"), strings.Contains(upper, "4G"):
		return pkg.Network4G
	case strings.Contains(upper, "WCDMA"), strings.Contains(upper, "UMTS"),
		strings.Contains(upper, "HSPA"), strings.Contains(upper, "3G"):
		return pkg.Network3G
	case strings.Contains(upper, "GSM"), strings.Contains(upper, "GPRS"),
		strings.Contains(upper, "EDGE"), strings.Contains(upper, "2G"):
		return pkg.Network2G
	case strings.Contains(upper, "NO SERVICE"):
		return pkg.NetworkNone
	}
	return pkg.NetworkUnknown
}

// classifySignal buckets an RSSI in dBm into bars and a quality label
func classifySignal(rssi float64) (bars int, quality string) {
	switch {
	case rssi >= -65:
		return 5, "excellent"
	case rssi >= -75:
		return 4, "good"
	case rssi >= -85:
		return 3, "fair"
	case rssi >= -95:
		return 2, "poor"
	case rssi >= -105:
		return 1, "very poor"
	default:
		return 0, "no signal"
	}
}

// stripUnits removes unit suffixes and comparison prefixes from a reported
// signal value
func stripUnits(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, ">=")
	s = strings.TrimPrefix(s, "&gt;=")
	s = strings.TrimSuffix(s, "dBm")
	s = strings.TrimSuffix(s, "dB")
	return strings.TrimSpace(s)
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

func optionalFloat(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}

func optionalInt(s string) *int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}
