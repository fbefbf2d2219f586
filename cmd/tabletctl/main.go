// Command tabletctl is a thin client over a tablet server's admin HTTP
// surface, the same multi-subcommand cobra.Command shape go-ycsb's CLI
// uses for its shell/load/run commands, applied here to status/tablets/
// scanners instead of workload commands.
package main

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	addr    string
	timeout time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "tabletctl",
		Short: "inspect a tabletdb tablet server's admin state",
	}
	root.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:7102", "tablet server admin HTTP address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")

	root.AddCommand(newStatusCommand(), newTabletsCommand(), newScannersCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print the target server's latest heartbeat snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint("/status")
		},
	}
}

func newTabletsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tablets <table-id>",
		Short: "list the tablets a server's meta cache knows for a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint("/tablets/" + args[0])
		},
	}
}

func newScannersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scanners",
		Short: "print the count of currently open scan cursors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint("/scanners")
		},
	}
}

func getAndPrint(path string) error {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get("http://" + addr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", resp.Status, string(body))
	}

	var pretty interface{}
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
