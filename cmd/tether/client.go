package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/benaskins/tether/internal/config"
	"github.com/benaskins/tether/internal/journal"
	"github.com/benaskins/tether/internal/logbuf"
	"github.com/benaskins/tether/internal/supervisor"
)

var socketFlag string

// socketPath resolves the control socket: --socket, else the config file's
// http.socket, else the default.
func socketPath() string {
	if socketFlag != "" {
		return socketFlag
	}
	if cfg, err := config.Load(configPath); err == nil && cfg.HTTP.Socket != "" {
		return cfg.HTTP.Socket
	}
	return config.Default().HTTP.Socket
}

func apiClient(timeout time.Duration) *http.Client {
	path := socketPath()
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			},
		},
	}
}

func decodeResponse(resp *http.Response, v any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API error %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func apiGet(path string, v any) error {
	resp, err := apiClient(30*time.Second).Get("http://tether" + path)
	if err != nil {
		return fmt.Errorf("connecting to tether: %w (is tether serve running?)", err)
	}
	return decodeResponse(resp, v)
}

// apiPost allows for a full stop-then-start cycle before timing out.
func apiPost(path string, v any) error {
	resp, err := apiClient(2*time.Minute).Post("http://tether"+path, "application/json", nil)
	if err != nil {
		return fmt.Errorf("connecting to tether: %w (is tether serve running?)", err)
	}
	return decodeResponse(resp, v)
}

// wantJSON reports whether output should be JSON: asked for, or piped.
func wantJSON(cmd *cobra.Command) bool {
	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		return true
	}
	return !term.IsTerminal(int(os.Stdout.Fd()))
}

func printInfo(info supervisor.Info) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BACKEND\tSTATE\tPID\tUPTIME\tSTARTS\tCOMMAND")
	pid := "-"
	if info.PID > 0 {
		pid = strconv.Itoa(info.PID)
	}
	uptime := "-"
	if info.Uptime != "" {
		uptime = info.Uptime
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
		info.Name, info.State, pid, uptime, info.Starts, strings.Join(info.Command, " "))
	w.Flush()

	if info.LastExit != nil {
		fmt.Printf("\nlast exit: pid %d, %s at %s\n", info.LastExit.PID, info.LastExit, info.LastExit.At.Format(time.RFC3339))
	}
	if info.LastError != "" {
		fmt.Printf("last error: %s\n", info.LastError)
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backend status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var info supervisor.Info
		if err := apiGet("/v1/backend", &info); err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(info)
		}
		printInfo(info)
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent backend output",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("lines")
		var entries []logbuf.Entry
		if err := apiGet("/v1/backend/logs?n="+strconv.Itoa(n), &entries); err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(entries)
		}
		for _, e := range entries {
			prefix := ""
			if e.Stream == logbuf.Stderr {
				prefix = "! "
			}
			fmt.Printf("%s %s%s\n", e.At.Format("15:04:05"), prefix, e.Text)
		}
		return nil
	},
}

// controlCommand builds a command that POSTs to a lifecycle endpoint and
// prints the resulting backend state.
func controlCommand(use, short, action string) *cobra.Command {
	c := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/backend/" + action
			if cmd.Flags().Lookup("grace") != nil {
				if grace, _ := cmd.Flags().GetDuration("grace"); grace >= 0 {
					path += "?grace=" + grace.String()
				}
			}
			var info supervisor.Info
			if err := apiPost(path, &info); err != nil {
				return err
			}
			if wantJSON(cmd) {
				return printJSON(info)
			}
			printInfo(info)
			return nil
		},
	}
	if action != "start" {
		c.Flags().Duration("grace", -1, "grace period before SIGKILL (default: backend.stop_timeout)")
	}
	c.Flags().Bool("json", false, "output as JSON")
	return c
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the lifecycle journal",
	Long:  "Print recent spawn, exit, stop and kill events from the journal in the state directory.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("lines")
		stateDir := config.Default().StateDir
		if cfg, err := config.Load(configPath); err == nil {
			stateDir = cfg.StateDir
		}

		entries, err := journal.Read(filepath.Join(stateDir, "events.log"), n)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(entries)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tACTION\tBACKEND\tPID\tDETAIL")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Action, e.Backend, e.PID, eventDetail(e))
		}
		return w.Flush()
	},
}

func eventDetail(e journal.Entry) string {
	switch {
	case e.Error != "":
		return e.Error
	case e.Signal != "":
		return "signal " + e.Signal
	case e.ExitCode != nil:
		detail := "exit " + strconv.Itoa(*e.ExitCode)
		if e.Expected {
			detail += " (requested)"
		}
		return detail
	case len(e.Command) > 0:
		return strings.Join(e.Command, " ")
	}
	return ""
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketFlag, "socket", "", "control socket path (default: http.socket from config)")

	statusCmd.Flags().Bool("json", false, "output as JSON")
	logsCmd.Flags().IntP("lines", "n", 50, "number of lines to show")
	logsCmd.Flags().Bool("json", false, "output as JSON")
	eventsCmd.Flags().IntP("lines", "n", 20, "number of events to show (0 for all)")
	eventsCmd.Flags().Bool("json", false, "output as JSON")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(controlCommand("start", "Start the backend if it is not running", "start"))
	rootCmd.AddCommand(controlCommand("stop", "Stop the backend", "stop"))
	rootCmd.AddCommand(controlCommand("restart", "Stop and start the backend", "restart"))
}
