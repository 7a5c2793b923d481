package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"shellsync/internal/cryptoprim"
	"shellsync/internal/model"
)

// secretPatterns flags lines that look like they carry credentials so a
// bulk shell-history import can skip them individually instead of
// rejecting the whole file.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)aws_secret_access_key\s*=`),
	regexp.MustCompile(`(?i)(password|passwd|secret|token|api[_-]?key)\s*[:=]`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
}

func looksLikeSecret(line string) bool {
	for _, re := range secretPatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

func newImportCmd() *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import an existing shell history file, skipping lines that look like secrets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if group == "" {
				group = firstGroup()
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

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
			scanner := bufio.NewScanner(f)
			var imported, skipped int
			for scanner.Scan() {
				line := scanner.Text()
				if line == "" {
					continue
				}
				if looksLikeSecret(line) {
					skipped++
					continue
				}
				if err := importLine(ctx, st, key, group, line); err != nil {
					return err
				}
				imported++
			}
			if err := scanner.Err(); err != nil {
				return err
			}
			fmt.Printf("imported %d entries, skipped %d possible secrets\n", imported, skipped)
			return nil
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "", "group name (defaults to the first configured group)")
	return cmd
}

func importLine(ctx context.Context, st interface {
	AppendHistory(context.Context, model.HistoryEntry) error
}, key []byte, group, command string) error {
	ct, nonce, err := cryptoprim.SealField(key, group, []byte(command))
	if err != nil {
		return err
	}
	h := model.HistoryEntry{
		ID:        uuid.NewString(),
		Group:     group,
		SessionID: "import",
		Timestamp: time.Now().UnixMilli(),
		Shell:     "imported",
		CommandCT: ct, CommandN: nonce,
	}
	return st.AppendHistory(ctx, h)
}
