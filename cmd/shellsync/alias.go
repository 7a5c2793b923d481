package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"shellsync/internal/cryptoprim"
	"shellsync/internal/keymanager"
	"shellsync/internal/model"
	"shellsync/internal/store"
)

func openStoreAndKeys() (*store.Store, *keymanager.Manager, error) {
	st, err := store.Open(filepath.Join(cfg.DataDir, "client.db"))
	if err != nil {
		return nil, nil, err
	}
	keys, err := keymanager.Open(cfg.DataDir)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return st, keys, nil
}

func newAliasCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "aliases", Short: "Manage synced shell aliases"}
	cmd.AddCommand(newAliasListCmd(), newAliasSetCmd(), newAliasDeleteCmd())
	return cmd
}

func newAliasListCmd() *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List aliases for a group",
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
			aliases, err := st.ListAliases(ctx, group)
			if err != nil {
				return err
			}
			for _, a := range aliases {
				if a.Tombstone {
					continue
				}
				plain, err := cryptoprim.OpenField(key, group, a.CommandCT, a.Nonce)
				if err != nil {
					fmt.Printf("%s\t<integrity error>\n", a.Name)
					continue
				}
				fmt.Printf("%s=%s\n", a.Name, plain)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "", "group name (defaults to the first configured group)")
	return cmd
}

func newAliasSetCmd() *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "set NAME COMMAND",
		Short: "Create or update an alias",
		Args:  cobra.ExactArgs(2),
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
			current, err := st.GetAlias(ctx, group, args[0])
			nextVersion := uint64(1)
			if err == nil {
				nextVersion = current.Version + 1
			}
			ct, nonce, err := cryptoprim.SealField(key, group, []byte(args[1]))
			if err != nil {
				return err
			}
			a := model.Alias{
				Group: group, Name: args[0], CommandCT: ct, Nonce: nonce,
				Version: nextVersion, UpdatedBy: cfg.MachineID, UpdatedAt: time.Now().UnixMilli(),
			}
			if _, err := st.UpsertAlias(ctx, a); err != nil {
				return err
			}
			pendingID := fmt.Sprintf("%s-%s-%d", group, args[0], a.UpdatedAt)
			return st.EnqueueAliasPending(ctx, pendingID, a, a.UpdatedAt)
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "", "group name (defaults to the first configured group)")
	return cmd
}

func newAliasDeleteCmd() *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete an alias (tombstone)",
		Args:  cobra.ExactArgs(1),
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
			_ = keys

			ctx := context.Background()
			current, err := st.GetAlias(ctx, group, args[0])
			nextVersion := uint64(1)
			if err == nil {
				nextVersion = current.Version + 1
			}
			at := time.Now().UnixMilli()
			if _, err := st.DeleteAlias(ctx, group, args[0], cfg.MachineID, nextVersion, at); err != nil {
				return err
			}
			a := model.Alias{Group: group, Name: args[0], Version: nextVersion, UpdatedBy: cfg.MachineID, UpdatedAt: at, Tombstone: true}
			pendingID := fmt.Sprintf("%s-%s-%d", group, args[0], at)
			return st.EnqueueAliasPending(ctx, pendingID, a, at)
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "", "group name (defaults to the first configured group)")
	return cmd
}

func firstGroup() string {
	if len(cfg.Groups) == 0 {
		return ""
	}
	return cfg.Groups[0]
}
