package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"grimm.is/fleetwall/internal/config"
	"grimm.is/fleetwall/internal/controller"
)

// RunTrace manages packet tracing sessions. Sessions live inside a running
// `serve` process, so this talks to its debug endpoint.
func RunTrace(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: trace <enable|disable|show|clear> -host <id> [options]")
	}
	action := args[0]

	fs, configFile := newFlagSet("trace " + action)
	hostID := fs.String("host", "", "Host to trace")
	hooks := fs.String("hooks", "input,forward,bridge_forward", "Comma separated hooks to trace")
	proto := fs.String("proto", "", "Only trace this protocol")
	ports := fs.String("ports", "", "Only trace these destination ports")
	src := fs.String("src", "", "Only trace packets from these addresses")
	dst := fs.String("dst", "", "Only trace packets to these addresses")
	asJSON := fs.Bool("json", false, "Print entries as JSON")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *hostID == "" {
		return fmt.Errorf("-host is required")
	}

	cfg, err := config.LoadFile(*configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.MetricsListen == "" {
		return fmt.Errorf("metrics_listen is not configured; tracing needs a running serve process")
	}
	c := &traceClient{
		base: "http://" + listenHost(cfg.MetricsListen) + "/debug/trace/" + url.PathEscape(*hostID),
		http: &http.Client{Timeout: 15 * time.Second},
	}
	ctx := context.Background()

	switch action {
	case "enable":
		req := controller.TraceRequest{
			Hooks:       splitList(*hooks),
			Protocol:    *proto,
			Ports:       *ports,
			Source:      *src,
			Destination: *dst,
		}
		if _, err := req.Settings(); err != nil {
			return err
		}
		var status controller.TraceStatus
		if err := c.do(ctx, http.MethodPut, "", req, &status); err != nil {
			return err
		}
		Printer.Printf("Tracing enabled on %s\n", *hostID)
		return nil
	case "disable":
		if err := c.do(ctx, http.MethodDelete, "", nil, nil); err != nil {
			return err
		}
		Printer.Printf("Tracing disabled on %s\n", *hostID)
		return nil
	case "clear":
		return c.do(ctx, http.MethodDelete, "/entries", nil, nil)
	case "show":
		var status controller.TraceStatus
		if err := c.do(ctx, http.MethodGet, "", nil, &status); err != nil {
			return err
		}
		if *asJSON {
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		}
		if status.Session != nil {
			Printer.Printf("Session %s since %s\n", status.Session.ID, status.Session.Started.Format(time.RFC3339))
		} else {
			Printer.Println("Tracing is not enabled.")
		}
		for _, e := range status.Entries {
			fmt.Fprintln(stdout, e.Raw)
		}
		Printer.Printf("%d entries\n", len(status.Entries))
		return nil
	default:
		return fmt.Errorf("unknown trace action %q", action)
	}
}

type traceClient struct {
	base string
	http *http.Client
}

func (c *traceClient) do(ctx context.Context, method, suffix string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+suffix, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach serve process: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e controller.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s", e.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// listenHost turns a listen address into one a client can dial.
func listenHost(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "127.0.0.1" + addr
	}
	return strings.Replace(addr, "0.0.0.0", "127.0.0.1", 1)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
