package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"shellsync/internal/conflict"
	"shellsync/internal/cryptoprim"
	"shellsync/internal/model"
)

func newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "conflicts", Short: "List and resolve alias conflicts"}
	cmd.AddCommand(newConflictsListCmd(), newConflictsResolveCmd())
	return cmd
}

func newConflictsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending and resolved conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, keys, err := openStoreAndKeys()
			if err != nil {
				return err
			}
			defer st.Close()
			defer keys.Close()

			ctx := context.Background()
			conflicts, err := st.ListConflicts(ctx)
			if err != nil {
				return err
			}
			for _, c := range conflicts {
				key, err := keys.GroupKey(c.Group)
				if err != nil {
					fmt.Printf("%s\t%s/%s\t%s\t<no group key>\n", c.ID, c.Group, c.Name, c.Resolution)
					continue
				}
				local, _ := cryptoprim.OpenField(key, c.Group, c.LocalCT, c.LocalNonce)
				remote, _ := cryptoprim.OpenField(key, c.Group, c.RemoteCT, c.RemoteNonce)
				fmt.Printf("%s\t%s/%s\t%s\tlocal(%s)=%q\tremote(%s)=%q\n",
					c.ID, c.Group, c.Name, c.Resolution, c.LocalMachine, local, c.RemoteMachine, remote)
			}
			return nil
		},
	}
}

func newConflictsResolveCmd() *cobra.Command {
	var keepLocal, keepRemote bool
	cmd := &cobra.Command{
		Use:   "resolve ID",
		Short: "Resolve a pending conflict by keeping one side",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if keepLocal == keepRemote {
				return fmt.Errorf("pass exactly one of --keep-local or --keep-remote")
			}
			st, keys, err := openStoreAndKeys()
			if err != nil {
				return err
			}
			defer st.Close()
			defer keys.Close()

			ctx := context.Background()
			conflicts, err := st.ListConflicts(ctx)
			if err != nil {
				return err
			}
			var target model.Conflict
			var found bool
			for _, c := range conflicts {
				if c.ID == args[0] {
					target, found = c, true
					break
				}
			}
			if !found {
				return fmt.Errorf("no conflict with id %s", args[0])
			}
			resolution := model.ResolutionKeepLocal
			if keepRemote {
				resolution = model.ResolutionKeepRemote
			}
			key, err := keys.GroupKey(target.Group)
			if err != nil {
				return err
			}
			_, err = conflict.Resolve(ctx, st, key, target, resolution, cfg.MachineID, time.Now().UnixMilli())
			return err
		},
	}
	cmd.Flags().BoolVar(&keepLocal, "keep-local", false, "keep this machine's side")
	cmd.Flags().BoolVar(&keepRemote, "keep-remote", false, "keep the remote side")
	return cmd
}
