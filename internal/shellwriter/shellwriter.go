// Package shellwriter regenerates the POSIX-shell aliases.sh file a user's
// shell rc sources, atomically. cmd/shellsyncd calls Write on a 10-second
// tick; individual alias changes do not trigger it. The write-temp-then-rename idiom avoids a shell ever sourcing a
// half-written file.
package shellwriter

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"shellsync/internal/apperr"
	"shellsync/internal/cryptoprim"
	"shellsync/internal/model"
)

const header = "# generated by shell-sync, do not edit by hand\n"

// Write decrypts every live alias in aliases under groupKey and atomically
// replaces path with a POSIX `alias name='command'` script.
func Write(path string, aliases []model.Alias, groupKey []byte, group string) error {
	sort.Slice(aliases, func(i, j int) bool { return aliases[i].Name < aliases[j].Name })

	var b strings.Builder
	b.WriteString(header)
	for _, a := range aliases {
		if a.Tombstone {
			continue
		}
		plain, err := cryptoprim.OpenField(groupKey, group, a.CommandCT, a.Nonce)
		if err != nil {
			return apperr.Wrap(apperr.Integrity, err, "decrypt alias "+a.Name)
		}
		b.WriteString("alias ")
		b.WriteString(shellQuoteName(a.Name))
		b.WriteString("=")
		b.WriteString(shellQuoteValue(string(plain)))
		b.WriteString("\n")
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".aliases.sh.tmp-*")
	if err != nil {
		return apperr.Wrap(apperr.Fatal, err, "create temp aliases file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		return apperr.Wrap(apperr.Fatal, err, "write temp aliases file")
	}
	if err := tmp.Close(); err != nil {
		return apperr.Wrap(apperr.Fatal, err, "close temp aliases file")
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return apperr.Wrap(apperr.Fatal, err, "chmod temp aliases file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return apperr.Wrap(apperr.Fatal, err, "rename aliases file into place")
	}
	return nil
}

func shellQuoteName(name string) string {
	// Alias names are not validated when they are written, so this strips
	// anything outside [A-Za-z0-9_.-] that would break the line.
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			return r
		default:
			return -1
		}
	}, name)
}

func shellQuoteValue(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}
