package manager

import (
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"vlmd/pkg/types"
)

// dataURL inlines a staged media file as a base64 data URL. Runtimes only
// ever see local files; remote references are fetched before generation.
func dataURL(ref types.MediaRef) (string, error) {
	b, err := os.ReadFile(ref.Path)
	if err != nil {
		return "", fmt.Errorf("read %s %s: %w", ref.Kind, ref.Path, err)
	}
	return "data:" + mimeOf(ref) + ";base64," + base64.StdEncoding.EncodeToString(b), nil
}

func mimeOf(ref types.MediaRef) string {
	if ref.MimeType != "" {
		return ref.MimeType
	}
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(ref.Path))); t != "" {
		if i := strings.IndexByte(t, ';'); i >= 0 {
			t = t[:i]
		}
		return t
	}
	if ref.Kind == types.MediaVideo {
		return "video/mp4"
	}
	return "image/jpeg"
}
