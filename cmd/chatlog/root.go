package chatlog

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chatlogstore/chatlog/internal/chatlog/conf"
)

var (
	configPath string
	cfg        *conf.Config
)

func init() {
	// windows only
	cobra.MousetrapHelpText = ""

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default chatlog.yaml in . or ~/.chatlog)")
	rootCmd.PersistentFlags().String("data-dir", "", "log store directory")
	rootCmd.PersistentFlags().String("format", "", "log store format: binary or relational")
	rootCmd.PersistentFlags().Bool("debug", false, "debug")
	rootCmd.PersistentFlags().String("log-file", "", "write logs to this file instead of stderr")
	rootCmd.PersistentPreRunE = prepare
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Err(err).Msg("command execution failed")
	}
}

var rootCmd = &cobra.Command{
	Use:     "chatlog",
	Short:   "chatlog",
	Long:    `chatlog stores and searches chat transcripts of channels and private conversations.`,
	Example: `chatlog serve --data-dir ~/.chatlog/logs`,
	Args:    cobra.MinimumNArgs(0),
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func prepare(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = conf.Load(configPath, cmd.Flags())
	if err != nil {
		initLog(false, "")
		return err
	}
	initLog(cfg.Debug, cfg.LogFile)
	log.Debug().Str("data_dir", cfg.DataDir).Str("format", cfg.Format).Msg("config loaded")
	return nil
}
