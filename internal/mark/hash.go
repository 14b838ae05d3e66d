package mark

import (
	"fmt"
	"strings"
)

// ContentHash computes a cheap change-detection fingerprint for a bookmark.
// It is a DJB2 rolling hash over the normalized URL and the trimmed title,
// folded to 32 bits and hex encoded. Not collision resistant; only used to
// decide whether a linked pair needs an update.
func ContentHash(rawURL, title string) string {
	input := NormalizeURL(rawURL) + "|" + strings.TrimSpace(title)
	var hash uint32 = 5381
	for i := 0; i < len(input); i++ {
		hash = hash*33 + uint32(input[i])
	}
	return fmt.Sprintf("%08x", hash)
}
