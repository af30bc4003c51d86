package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/carlmjohnson/requests"
)

// Command line flags
var (
	server  = flag.String("server", "http://127.0.0.1:8181", "Daemon API address")
	timeout = flag.Duration("timeout", 30*time.Second, "Operation timeout")

	listModems = flag.Bool("list", false, "List all managed modems")
	modemUUID  = flag.String("modem", "", "Target modem UUID")
	status     = flag.Bool("status", false, "Show modem status")
	history    = flag.Bool("history", false, "Show recent samples")
	historyRes = flag.Int("resolution-s", 0, "History resolution in seconds (0 = native)")
	export     = flag.String("export", "", "Export history as CSV to the given file")

	connect    = flag.Bool("connect", false, "Bring the data connection up")
	disconnect = flag.Bool("disconnect", false, "Take the data connection down")
	reboot     = flag.Bool("reboot", false, "Reboot the modem")

	listAlerts = flag.Bool("alerts", false, "List alerts")
	activeOnly = flag.Bool("active", false, "Only active alerts (with -alerts)")
	ackAlert   = flag.String("ack", "", "Acknowledge the alert with the given id")

	reload  = flag.Bool("reload", false, "Reload the daemon configuration")
	version = flag.Bool("version", false, "Show version information")
)

const (
	AppName    = "hilinkctl"
	AppVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var err error
	switch {
	case *listModems:
		err = getJSON(ctx, "/api/v1/modems")
	case *status:
		err = withModem(func(id string) error {
			return getJSON(ctx, "/api/v1/modems/"+id+"/status")
		})
	case *history:
		err = withModem(func(id string) error {
			path := fmt.Sprintf("/api/v1/modems/%s/history?resolution_s=%d", id, *historyRes)
			return getJSON(ctx, path)
		})
	case *export != "":
		err = withModem(func(id string) error {
			return exportCSV(ctx, id, *export)
		})
	case *connect:
		err = withModem(func(id string) error {
			return postJSON(ctx, "/api/v1/modems/"+id+"/connect")
		})
	case *disconnect:
		err = withModem(func(id string) error {
			return postJSON(ctx, "/api/v1/modems/"+id+"/disconnect")
		})
	case *reboot:
		err = withModem(func(id string) error {
			return postJSON(ctx, "/api/v1/modems/"+id+"/reboot")
		})
	case *listAlerts:
		path := "/api/v1/alerts"
		if *activeOnly {
			path += "?active=true"
		}
		if *modemUUID != "" {
			sep := "?"
			if *activeOnly {
				sep = "&"
			}
			path += sep + "modem=" + *modemUUID
		}
		err = getJSON(ctx, path)
	case *ackAlert != "":
		err = postJSON(ctx, "/api/v1/alerts/"+*ackAlert+"/ack")
	case *reload:
		err = postJSON(ctx, "/api/v1/reload")
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func withModem(fn func(id string) error) error {
	if *modemUUID == "" {
		return fmt.Errorf("this command requires -modem <uuid>")
	}
	return fn(*modemUUID)
}

func getJSON(ctx context.Context, path string) error {
	var body json.RawMessage
	if err := requests.URL(*server + path).ToJSON(&body).Fetch(ctx); err != nil {
		return err
	}
	return printIndented(body)
}

func postJSON(ctx context.Context, path string) error {
	var body json.RawMessage
	err := requests.URL(*server + path).
		Post().
		AddValidator(nil). // command endpoints encode failure in the body
		ToJSON(&body).
		Fetch(ctx)
	if err != nil {
		return err
	}
	return printIndented(body)
}

func exportCSV(ctx context.Context, id, outPath string) error {
	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer f.Close()
	err = requests.URL(fmt.Sprintf("%s/api/v1/modems/%s/export?resolution_s=%d", *server, id, *historyRes)).
		ToWriter(f).
		Fetch(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("exported history to %s\n", outPath)
	return nil
}

func printIndented(raw json.RawMessage) error {
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	pretty, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}
