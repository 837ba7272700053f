package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// CoalesceKey returns the key under which identical dispatches are
// collapsed. Query parameter order is normalized; headers are part of the
// key in the order given, since a later duplicate overrides an earlier one.
func CoalesceKey(d *Descriptor) string {
	keyParts := []string{string(d.method), normalizeTarget(d.target)}

	if len(d.headers) > 0 {
		hs := make([]string, 0, len(d.headers))
		for _, h := range d.headers {
			hs = append(hs, strings.ToLower(h.Name)+":"+h.Value)
		}
		keyParts = append(keyParts, strings.Join(hs, "\n"))
	}

	if len(d.body) > 0 {
		bodyHash := sha256.Sum256(d.body)
		keyParts = append(keyParts, hex.EncodeToString(bodyHash[:]))
	}

	return hashString(strings.Join(keyParts, "|"))
}

func normalizeTarget(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	// keys are sorted, values of a repeated key keep their order
	query := u.Query()
	keys := make([]string, 0, len(query))
	for key := range query {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	params := make([]string, 0, len(keys))
	for _, key := range keys {
		for _, v := range query[key] {
			params = append(params, key+"="+v)
		}
	}

	return fmt.Sprintf("%s://%s%s?%s", u.Scheme, u.Host, u.Path, strings.Join(params, "&"))
}

func hashString(s string) string {
	hash := sha256.Sum256([]byte(s))
	return hex.EncodeToString(hash[:])
}
