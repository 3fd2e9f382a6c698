package chatlog

import (
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chatlogstore/chatlog/internal/chatlog"
	"github.com/chatlogstore/chatlog/pkg/util/compress"
)

var exportFlags struct {
	criteriaFlags
	out         string
	compression string
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportFlags.criteriaFlags.register(exportCmd)
	exportCmd.Flags().StringVarP(&exportFlags.out, "out", "o", "-", "output file, - for stdout")
	exportCmd.Flags().StringVar(&exportFlags.compression, "compression", "", "none, zstd, lz4 or gzip (default from the file extension)")
}

var exportCmd = &cobra.Command{
	Use:     "export",
	Short:   "Export matching messages as JSON lines",
	Example: `chatlog export --channel Frontpage -o frontpage.jsonl.zst`,
	RunE: func(cmd *cobra.Command, args []string) error {
		crit, err := exportFlags.criteria()
		if err != nil {
			return err
		}
		codec := exportFlags.compression
		if codec == "" && exportFlags.out != "-" {
			codec = compress.FromPath(exportFlags.out)
		}

		var out io.Writer = os.Stdout
		if exportFlags.out != "-" {
			f, err := os.Create(exportFlags.out)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}

		m := chatlog.New(cfg)
		db, err := m.Open()
		if err != nil {
			return err
		}
		defer m.Close()

		n, err := db.Export(cmd.Context(), out, crit, codec)
		if err != nil {
			return err
		}
		log.Info().Int("messages", n).Str("out", exportFlags.out).Msg("export finished")
		return nil
	},
}
