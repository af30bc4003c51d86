package hilink

import (
	"time"

	"github.com/opnmodem/hilinkd/pkg"
)

// WebUI firmware variants observed in the field. The variant changes the
// login flow and how monitoring values are encoded.
const (
	WebUIUnknown = 0
	WebUI10      = 10
	WebUI17      = 17
	WebUI21      = 21
)

// Session is the authenticated context for one modem. Exactly one session
// exists per modem; it is owned by the Client and recreated on auth failure.
type Session struct {
	SessionID     string
	Token         string
	WebUIVersion  int
	LoginRequired bool
	LoggedIn      bool
	CreatedAt     time.Time
}

// Status is the device's connection and identity state
type Status struct {
	Status       pkg.ConnectionStatus
	NetworkType  pkg.NetworkType
	Operator     string
	WANIP        string
	SIMStatus    string
	DeviceName   string
	IMEI         string
	ICCID        string
	ConnectTimeS int64
	Roaming      bool
}

// Signal holds the radio metrics reported by the device. Optional LTE
// metrics are nil on 2G/3G networks.
type Signal struct {
	RSSI    float64
	RSRP    *float64
	RSRQ    *float64
	SINR    *float64
	Bars    int
	Quality string
	CellID  *int64
	Band    string
}

// DataUsage holds cumulative traffic counters in bytes
type DataUsage struct {
	SessionRx int64
	SessionTx int64
	TotalRx   int64
	TotalTx   int64
	MonthRx   int64
	MonthTx   int64
}

// MonthTotal returns combined monthly usage
func (d *DataUsage) MonthTotal() int64 { return d.MonthRx + d.MonthTx }

// HiLink device error codes, from the vendor web UI
const (
	errSystemNoSupport      = 100002
	errSystemNoRights       = 100003
	errDeviceBusy           = 100004
	errLoginUsernameWrong   = 108001
	errLoginPasswordWrong   = 108002
	errLoginAlreadyLoggedIn = 108003
	errLoginUserOrPassword  = 108006
	errLoginTooManyTimes    = 108007
	errWrongToken           = 125001
	errWrongSession         = 125002
	errWrongSessionToken    = 125003
)

var errorNames = map[int]string{
	errSystemNoSupport:      "ERROR_SYSTEM_NO_SUPPORT",
	errSystemNoRights:       "ERROR_SYSTEM_NO_RIGHTS",
	errDeviceBusy:           "ERROR_BUSY",
	errLoginUsernameWrong:   "ERROR_LOGIN_USERNAME_WRONG",
	errLoginPasswordWrong:   "ERROR_LOGIN_PASSWORD_WRONG",
	errLoginAlreadyLoggedIn: "ERROR_LOGIN_ALREADY_LOGIN",
	errLoginUserOrPassword:  "ERROR_LOGIN_USERNAME_OR_PASSWORD_ERROR",
	errLoginTooManyTimes:    "ERROR_LOGIN_TOO_MANY_TIMES",
	errWrongToken:           "ERROR_WRONG_TOKEN",
	errWrongSession:         "ERROR_WRONG_SESSION",
	errWrongSessionToken:    "ERROR_WRONG_SESSION_TOKEN",
}

// networkModeCodes maps the configured mode policy onto the vendor's
// NetworkMode wire values
var networkModeCodes = map[pkg.NetworkMode]string{
	pkg.ModeAuto:        "00",
	pkg.Mode4GPreferred: "030201",
	pkg.Mode3GPreferred: "0201",
	pkg.Mode4GOnly:      "03",
	pkg.Mode3GOnly:      "02",
}
