package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"shellsync/internal/cryptoprim"
)

func newHistoryCmd() *cobra.Command {
	var group string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show synced shell history for a group",
		RunE: func(cmd *cobra.Command, args []string) error {
			if group == "" {
				group = firstGroup()
			}
			st, keys, err := openStoreAndKeys()
			if err != nil {
				return err
			}
			defer st.Close()
			defer keys.Close()

			key, err := keys.GroupKey(group)
			if err != nil {
				return err
			}
			ctx := context.Background()
			entries, err := st.ListHistory(ctx, group, limit)
			if err != nil {
				return err
			}
			for _, h := range entries {
				if h.Tombstone {
					continue
				}
				cmdText, err1 := cryptoprim.OpenField(key, group, h.CommandCT, h.CommandN)
				cwd, err2 := cryptoprim.OpenField(key, group, h.CwdCT, h.CwdN)
				if err1 != nil || err2 != nil {
					fmt.Printf("<integrity error> id=%s\n", h.ID)
					continue
				}
				ts := time.UnixMilli(h.Timestamp).Format(time.RFC3339)
				fmt.Printf("%s [%s@%s] %s\n", ts, h.MachineID, cwd, cmdText)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "", "group name (defaults to the first configured group)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "max entries to show")
	return cmd
}
