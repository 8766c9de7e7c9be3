package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/skillprobe/internal/console"
)

var bookmarksCmd = &cobra.Command{
	Use:     "bookmarks",
	Aliases: []string{"ls"},
	Short:   "List saved sessions that can be resumed",
	Args:    cobra.NoArgs,
	RunE:    runBookmarks,
}

func runBookmarks(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.close()

	bookmarks, err := console.NewBookmarks(e.repo, e.cfg.Client.Endpoint()).List(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(bookmarks) == 0 {
		fmt.Fprintln(out, "No saved sessions.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROFILE\tENDPOINT\tSESSION\tSAVED")
	for _, b := range bookmarks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", b.ProfileKey, b.Endpoint, b.SessionID, b.UpdatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}
