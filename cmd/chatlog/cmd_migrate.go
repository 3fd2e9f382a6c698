package chatlog

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chatlogstore/chatlog/internal/chatdb/msgstore"
	"github.com/chatlogstore/chatlog/internal/chatlog"
	"github.com/chatlogstore/chatlog/internal/errors"
)

var migrateTo string

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().StringVar(&migrateTo, "to", "", "directory of the relational store to fill")
	_ = migrateCmd.MarkFlagRequired("to")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy binary logs into monthly relational shards",
	Long: `Copy every stream of the binary store at --data-dir into the relational store at --to.
Months already copied are skipped, so an interrupted run can simply be repeated.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Format != msgstore.FormatBinary {
			return errors.FormatUnsupported(cfg.Format)
		}
		m := chatlog.New(cfg)
		db, err := m.Open()
		if err != nil {
			return err
		}
		defer m.Close()

		report, err := db.MigrateTo(cmd.Context(), migrateTo)
		if err != nil {
			return err
		}
		log.Info().Int("streams", report.Streams).Int("skipped", report.Skipped).
			Int("messages", report.Messages).Dur("took", report.Duration).Msg("migration finished")
		fmt.Printf("migrated %d messages from %d streams\n", report.Messages, report.Streams)
		return nil
	},
}
