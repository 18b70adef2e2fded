package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/owui-pipes/responses/internal/config"
	"github.com/owui-pipes/responses/internal/host"
)

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List stored chats",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := host.OpenSQLiteStore(filepath.Join(filepath.Dir(cfg.Store.Path), "chats.db"))
		if err != nil {
			return err
		}
		defer store.Close()

		chats, err := store.Chats(cmd.Context())
		if err != nil {
			return err
		}
		if len(chats) == 0 {
			fmt.Println("no chats yet")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CHAT\tTITLE\tMESSAGES\tUPDATED")
		for _, c := range chats {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
				c.ID, c.Title, c.Messages, c.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}
