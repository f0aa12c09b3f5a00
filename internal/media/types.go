// Package media stages request attachments (local paths, http(s) URLs,
// s3:// objects and multipart uploads) as local files the runtime can read.
package media

import (
	"mime"
	"strings"

	"vlmd/pkg/types"
)

var mimeByExt = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"webp": "image/webp",
	"bmp":  "image/bmp",
	"gif":  "image/gif",
	"tiff": "image/tiff",
	"mp4":  "video/mp4",
	"webm": "video/webm",
	"mov":  "video/quicktime",
	"avi":  "video/x-msvideo",
	"mkv":  "video/x-matroska",
}

var (
	ImageExts = []string{"jpg", "jpeg", "png", "webp", "bmp", "gif", "tiff"}
	VideoExts = []string{"mp4", "webm", "mov", "avi", "mkv"}
)

// Accepted reports whether ext (lower case, no dot) is allowed for kind.
func Accepted(kind types.MediaKind, ext string) bool {
	list := ImageExts
	if kind == types.MediaVideo {
		list = VideoExts
	}
	for _, e := range list {
		if e == ext {
			return true
		}
	}
	return false
}

// MimeType returns the content type for an accepted extension, or "".
func MimeType(ext string) string { return mimeByExt[ext] }

// extForContentType maps a response content type to an accepted extension.
func extForContentType(ct string) string {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	if mt == "image/jpeg" {
		return "jpg"
	}
	for ext, t := range mimeByExt {
		if t == mt {
			return ext
		}
	}
	if strings.HasPrefix(mt, "image/tif") {
		return "tiff"
	}
	return ""
}
