package download

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ternarybob/colligo/internal/models"
)

// invalidFilenameChars covers characters rejected by at least one of the
// supported filesystems.
const invalidFilenameChars = `\/:*?"<>|`

// deriveFilename picks a target filename for a resource: sanitized title,
// else URL basename, else a hash-derived fallback. The extension is always
// normalized against the resource type.
func deriveFilename(r *models.Resource) string {
	var name string

	if t := strings.TrimSpace(r.Title); t != "" && len(t) < 100 {
		name = sanitizeFilename(t)
	}

	if name == "" && r.URL != "" {
		if u, err := url.Parse(r.URL); err == nil {
			base := path.Base(u.Path)
			if decoded, err := url.PathUnescape(base); err == nil {
				base = decoded
			}
			if base != "" && base != "/" && base != "." {
				name = sanitizeFilename(base)
			}
		}
	}

	if name == "" {
		sum := md5.Sum([]byte(r.URL))
		name = "file_" + hex.EncodeToString(sum[:])[:10]
	}

	if path.Ext(name) == "" {
		ext := r.Extension
		if ext == "" {
			ext = models.DefaultExtension(r.Type)
		}
		name += ext
	}

	return name
}

// sanitizeFilename strips characters that are unsafe in filenames.
func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, c := range name {
		if c < 0x20 || strings.ContainsRune(invalidFilenameChars, c) {
			b.WriteRune('_')
			continue
		}
		b.WriteRune(c)
	}
	return strings.Trim(b.String(), " .")
}

// uniquePath makes target unique within its directory by appending _1, _2,
// and so on before the extension. Reports whether the original target
// already existed, which triggers the cached-skip probe.
func uniquePath(target string) (string, bool) {
	if _, err := os.Stat(target); err != nil {
		return target, false
	}

	dir := filepath.Dir(target)
	ext := filepath.Ext(target)
	stem := strings.TrimSuffix(filepath.Base(target), ext)

	for i := 1; ; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		if _, err := os.Stat(candidate); err != nil {
			return candidate, true
		}
	}
}
