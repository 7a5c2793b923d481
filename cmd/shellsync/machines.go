package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

type machineRow struct {
	ID       string `json:"ID"`
	Hostname string `json:"Hostname"`
	OS       string `json:"OS"`
	LastSeen int64  `json:"LastSeen"`
}

func newMachinesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "machines",
		Short: "List machines registered with the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := strings.Replace(cfg.ServerURL, "ws://", "http://", 1)
			url = strings.Replace(url, "wss://", "https://", 1)
			url = strings.TrimSuffix(url, "/ws") + "/machines"

			req, err := http.NewRequest(http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("relay returned %s", resp.Status)
			}
			var machines []machineRow
			if err := json.NewDecoder(resp.Body).Decode(&machines); err != nil {
				return err
			}
			for _, m := range machines {
				fmt.Printf("%s\t%s\t%s\n", m.ID, m.Hostname, m.OS)
			}
			return nil
		},
	}
}
