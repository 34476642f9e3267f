package index

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// DeriveKey produces the stable identity for a (repository URL, branch)
// pair: hex of the leading 16 bytes of a BLAKE3 hash. The result is safe to
// use as a directory name on every supported platform.
func DeriveKey(repoURL, branch string) string {
	normalized := strings.TrimSuffix(strings.TrimSpace(repoURL), "/")
	sum := blake3.Sum256([]byte(normalized + "\n" + branch))
	return hex.EncodeToString(sum[:16])
}
