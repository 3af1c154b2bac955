// Copyright © 2023 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/n0ot/chanrelay/pkg/relay"
	"github.com/n0ot/chanrelay/pkg/server"
)

var statsTimeout time.Duration

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats [host:port]",
	Short: "Print stats from a chanrelay server",
	Long: `stats queries a chanrelay server for running stats.

If the address is omitted, the local server's server.statsBind setting is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := viper.GetString("server.statsBind")
		if len(args) > 0 {
			addr = args[0]
		}
		if addr == "" {
			return errors.New("No stats address given, and server.statsBind is not set")
		}
		return getStats(statsAddr(addr), cmd.OutOrStdout())
	},
}

func init() {
	RootCmd.AddCommand(statsCmd)
	statsCmd.Flags().DurationVarP(&statsTimeout, "timeout", "t", 10*time.Second, "how long to wait for the server")
}

// statsAddr turns a bind address like ":3056" into one that can be dialed.
func statsAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host != "" {
		return addr
	}
	return net.JoinHostPort("127.0.0.1", port)
}

func getStats(addr string, out io.Writer) error {
	client := &http.Client{Timeout: statsTimeout}
	resp, err := client.Get("http://" + addr + server.StatsPath)
	if err != nil {
		return errors.Wrap(err, "Connect to chanrelay server")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("Server returned an error: %s", resp.Status)
	}

	var stats relay.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return errors.Wrap(err, "Get stats response from server")
	}

	fmt.Fprintf(out, `Stats for %s:
Uptime: %s
Number of channels: %d
Max channels: %d on %s

Number of connections: %d
Max connections: %d on %s

Frames broadcast: %d
`, addr, stats.Uptime.Round(time.Second),
		stats.NumChannels,
		stats.MaxChannels, stats.MaxChannelsTime.Format(time.RFC1123),
		stats.NumConns,
		stats.MaxConns, stats.MaxConnsTime.Format(time.RFC1123),
		stats.FramesBroadcast)
	return nil
}
