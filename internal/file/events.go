package file

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"strings"

	"github.com/mssola/useragent"
)

// viewerHash anonymizes a downloader for counting distinct viewers without
// storing the raw address.
func viewerHash(ip, rawUA string) string {
	h := sha256.Sum256([]byte(ip + "|" + rawUA))
	return fmt.Sprintf("%x", h[:8])
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if first, _, ok := strings.Cut(forwarded, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(forwarded)
	}
	return r.RemoteAddr
}

func parseBrowser(rawUA string) string {
	if rawUA == "" {
		return "Other"
	}
	// Chromium Edge advertises itself as Chrome plus an Edg token.
	if strings.Contains(rawUA, "Edg/") || strings.Contains(rawUA, "Edge/") {
		return "Edge"
	}
	name, _ := useragent.New(rawUA).Browser()
	switch name {
	case "Chrome", "Chromium":
		return "Chrome"
	case "Safari":
		return "Safari"
	case "Firefox":
		return "Firefox"
	case "Opera":
		return "Opera"
	case "Edge":
		return "Edge"
	default:
		return "Other"
	}
}

func parseDevice(rawUA string) string {
	if rawUA == "" {
		return "Desktop"
	}
	lower := strings.ToLower(rawUA)
	switch {
	case strings.Contains(lower, "ipad"):
		return "Tablet"
	case strings.Contains(lower, "tablet"):
		return "Tablet"
	case strings.Contains(lower, "android") && !strings.Contains(lower, "mobile"):
		return "Tablet"
	case useragent.New(rawUA).Mobile():
		return "Mobile"
	default:
		return "Desktop"
	}
}
