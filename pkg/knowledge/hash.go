package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// ContentHash computes the deterministic hash of an item's synchronized
// surface: content, constraints, and status. Any change to any of the
// three produces a different hash; everything else (title, tags,
// timestamps) is deliberately excluded so cosmetic edits do not force a
// re-sync.
func ContentHash(item *Item) string {
	h := sha256.New()
	h.Write([]byte(item.Content))
	h.Write([]byte{0})
	for _, c := range item.Constraints {
		fmt.Fprintf(h, "%s:%s", c.Severity, c.Text)
		h.Write([]byte{0})
	}
	h.Write([]byte(item.Status))
	return hex.EncodeToString(h.Sum(nil))
}

// HashRevision derives a repository revision token from the set of
// per-item hashes. The token is order-independent: the same corpus
// always yields the same revision.
func HashRevision(hashes map[string]string) string {
	keys := make([]string, 0, len(hashes))
	for id, hash := range hashes {
		keys = append(keys, id+"="+hash)
	}
	sort.Strings(keys)
	h := sha256.Sum256([]byte(strings.Join(keys, "\n")))
	return hex.EncodeToString(h[:12])
}
