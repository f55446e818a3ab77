package channels

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// DefaultMediaType is used when nothing better is known.
const DefaultMediaType = "application/octet-stream"

// sniffLen is how much of a payload DetectMediaType looks at.
const sniffLen = 512

// extMediaTypes covers image extensions that mime.TypeByExtension may not
// know on minimal systems.
var extMediaTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".svg":  "image/svg+xml",
	".heic": "image/heic",
	".pdf":  "application/pdf",
}

// DetectMediaType picks a media type for an attachment. In order it
// prefers a specific declared type, the type sniffed from data, the
// extension of rawURL, then DefaultMediaType.
func DetectMediaType(declared string, data []byte, rawURL string) string {
	if mt := specificMediaType(declared); mt != "" {
		return mt
	}
	if mt := sniffMediaType(data); mt != "" {
		return mt
	}
	if mt := mediaTypeFromURL(rawURL); mt != "" {
		return mt
	}
	return DefaultMediaType
}

// specificMediaType returns the normalized declared type unless it is
// missing or a wildcard.
func specificMediaType(declared string) string {
	declared = strings.TrimSpace(declared)
	if declared == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return ""
	}
	switch {
	case mt == "*/*", mt == DefaultMediaType, strings.HasSuffix(mt, "/*"):
		return ""
	}
	return mt
}

func sniffMediaType(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	if _, format, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		return "image/" + format
	}
	if len(data) > sniffLen {
		data = data[:sniffLen]
	}
	mt := http.DetectContentType(data)
	if mt == DefaultMediaType {
		return ""
	}
	if base, _, err := mime.ParseMediaType(mt); err == nil {
		// Plain text sniffing is too weak a signal to beat the URL.
		if base == "text/plain" {
			return ""
		}
		return base
	}
	return ""
}

func mediaTypeFromURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return ""
	}
	if mt, ok := extMediaTypes[ext]; ok {
		return mt
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		if base, _, err := mime.ParseMediaType(mt); err == nil {
			return base
		}
	}
	return ""
}
