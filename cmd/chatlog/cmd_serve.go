package chatlog

import (
	"github.com/spf13/cobra"

	"github.com/chatlogstore/chatlog/internal/chatlog"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("http-addr", "", "listen address, host:port or a port")
	serveCmd.Flags().Int("dedup-window", 0, "channel messages remembered per session for de-duplication")
	serveCmd.Flags().Bool("watch", true, "track shard files created by other processes")
	serveCmd.Flags().Bool("metrics", true, "serve prometheus metrics on /metrics")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return chatlog.New(cfg).Run()
	},
}
