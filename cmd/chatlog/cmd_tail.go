package chatlog

import (
	"github.com/spf13/cobra"

	"github.com/chatlogstore/chatlog/internal/chatlog"
	"github.com/chatlogstore/chatlog/internal/errors"
	"github.com/chatlogstore/chatlog/pkg/util"
)

var tailFlags struct {
	streamFlags
	before string
	limit  int
}

func init() {
	rootCmd.AddCommand(tailCmd)
	tailFlags.streamFlags.register(tailCmd)
	tailCmd.Flags().StringVar(&tailFlags.before, "before", "", "show messages before this time")
	tailCmd.Flags().IntVarP(&tailFlags.limit, "lines", "n", 50, "number of messages")
	_ = tailCmd.MarkFlagRequired("character")
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the latest messages of a stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		spec := tailFlags.spec()
		if spec == nil {
			return errors.InvalidArg("channel/pm")
		}
		before, ok := util.ParseTime(tailFlags.before)
		if !ok {
			return errors.InvalidArg("before")
		}

		m := chatlog.New(cfg)
		db, err := m.Open()
		if err != nil {
			return err
		}
		defer m.Close()

		msgs, err := db.RecentMessages(cmd.Context(), spec.Character, spec.Stream, before, tailFlags.limit)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			printMessage(msg)
		}
		return nil
	},
}
