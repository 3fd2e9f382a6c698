package chatlog

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatlogstore/chatlog/internal/chatlog"
	"github.com/chatlogstore/chatlog/internal/errors"
	"github.com/chatlogstore/chatlog/internal/model"
	"github.com/chatlogstore/chatlog/pkg/util"
)

// streamFlags selects a stream on the command line.
type streamFlags struct {
	character string
	channel   string
	pm        string
}

func (f *streamFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.character, "character", "", "logging character")
	cmd.Flags().StringVar(&f.channel, "channel", "", "channel name")
	cmd.Flags().StringVar(&f.pm, "pm", "", "private conversation partner")
	cmd.MarkFlagsMutuallyExclusive("channel", "pm")
}

func (f *streamFlags) spec() *model.StreamSpec {
	switch {
	case f.channel != "":
		return &model.StreamSpec{Character: f.character, Stream: model.ChannelStream(f.channel, "")}
	case f.pm != "":
		return &model.StreamSpec{Character: f.character, Stream: model.PrivateStream(f.pm)}
	default:
		return nil
	}
}

type criteriaFlags struct {
	streamFlags
	text    string
	speaker string
	after   string
	before  string
}

func (f *criteriaFlags) register(cmd *cobra.Command) {
	f.streamFlags.register(cmd)
	cmd.Flags().StringVarP(&f.text, "query", "q", "", "text to search for, case-insensitive")
	cmd.Flags().StringVar(&f.speaker, "speaker", "", "speaker name")
	cmd.Flags().StringVar(&f.after, "after", "", "inclusive lower time bound")
	cmd.Flags().StringVar(&f.before, "before", "", "exclusive upper time bound")
}

func (f *criteriaFlags) criteria() (model.SearchCriteria, error) {
	c := model.SearchCriteria{Stream: f.spec()}
	if f.text != "" {
		c.Text = &model.TextSpec{Text: f.text}
	}
	if f.speaker != "" {
		c.Who = &model.WhoSpec{Speaker: f.speaker}
	}
	after, ok := util.ParseTime(f.after)
	if !ok {
		return c, errors.InvalidArg("after")
	}
	before, ok := util.ParseTime(f.before)
	if !ok {
		return c, errors.InvalidArg("before")
	}
	if !after.IsZero() || !before.IsZero() {
		c.Time = &model.TimeSpec{After: after, Before: before}
	}
	return c, nil
}

var searchFlags struct {
	criteriaFlags
	offset int
	limit  int
	json   bool
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchFlags.criteriaFlags.register(searchCmd)
	searchCmd.Flags().IntVar(&searchFlags.offset, "offset", 0, "matches to skip")
	searchCmd.Flags().IntVar(&searchFlags.limit, "limit", 20, "page size (max 200)")
	searchCmd.Flags().BoolVar(&searchFlags.json, "json", false, "print the raw response")
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search logged messages",
	Example: `chatlog search -q hello --character Alice --pm Bob
chatlog search --channel Frontpage --speaker Bob --after 2024-01-01`,
	RunE: func(cmd *cobra.Command, args []string) error {
		crit, err := searchFlags.criteria()
		if err != nil {
			return err
		}
		m := chatlog.New(cfg)
		db, err := m.Open()
		if err != nil {
			return err
		}
		defer m.Close()

		resp, err := db.SearchMessages(cmd.Context(), &model.SearchRequest{
			Criteria: crit,
			Offset:   searchFlags.offset,
			Limit:    searchFlags.limit,
		})
		if err != nil {
			return err
		}
		if searchFlags.json {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		}
		for _, msg := range resp.Messages {
			printMessage(msg)
		}
		fmt.Fprintf(os.Stderr, "%d-%d of %d matches (%d ms)\n",
			min(resp.Offset+1, resp.Total), resp.Offset+len(resp.Messages), resp.Total, resp.DurationMs)
		return nil
	},
}

func printMessage(m *model.StoredMessage) {
	text := m.Text
	switch m.Type {
	case model.MessageTypeAction:
		text = "*" + m.Speaker + " " + text
	default:
		text = m.Speaker + ": " + text
	}
	fmt.Printf("[%s] %s %s %s\n", m.Time.Local().Format(time.DateTime), strings.ToLower(m.Character), m.Stream, text)
}
