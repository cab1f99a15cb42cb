package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/benaskins/tether/internal/config"
)

type checkResult struct {
	Path    string   `json:"path"`
	Backend string   `json:"backend,omitempty"`
	Command []string `json:"command,omitempty"`
	Addr    string   `json:"addr,omitempty"`
	Valid   bool     `json:"valid"`
	Error   string   `json:"error,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check [file]",
	Short: "Validate a config file",
	Long:  "Parse and validate a tether config file. Defaults to --config (~/.tether/config.yaml).",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCheck,
}

func init() {
	checkCmd.Flags().Bool("json", false, "output as JSON")
	rootCmd.AddCommand(checkCmd)
}

func checkFile(path string) checkResult {
	if _, err := os.Stat(path); err != nil {
		return checkResult{Path: path, Error: fmt.Sprintf("cannot access %s: %v", path, err)}
	}
	cfg, err := config.Load(path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		return checkResult{Path: path, Error: err.Error()}
	}
	return checkResult{
		Path:    path,
		Backend: cfg.Backend.Name,
		Command: cfg.Backend.Command,
		Addr:    cfg.HTTP.Addr,
		Valid:   true,
	}
}

func runCheck(cmd *cobra.Command, args []string) error {
	jsonOut, _ := cmd.Flags().GetBool("json")

	target := configPath
	if len(args) > 0 {
		target = args[0]
	}

	r := checkFile(target)
	if jsonOut {
		if err := printJSON(r); err != nil {
			return err
		}
	} else if r.Valid {
		fmt.Printf("OK    %s (%s: %s, on %s)\n", r.Path, r.Backend, strings.Join(r.Command, " "), r.Addr)
	} else {
		fmt.Fprintf(os.Stderr, "FAIL  %s\n      %v\n", r.Path, r.Error)
	}

	if !r.Valid {
		return fmt.Errorf("%s failed validation", r.Path)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
