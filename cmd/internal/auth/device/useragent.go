package device

import "strings"

type uaInfo struct {
	Type    Type
	OS      string
	Browser string
}

// Name is the display name shown in device lists, e.g. "Chrome on macOS".
func (u uaInfo) Name() string {
	switch {
	case u.Browser != "" && u.OS != "":
		return u.Browser + " on " + u.OS
	case u.Browser != "":
		return u.Browser
	case u.OS != "":
		return u.OS
	default:
		return "Unknown device"
	}
}

// parseUserAgent classifies a user agent with substring heuristics. Order
// matters: many browsers embed the tokens of the ones they imitate.
func parseUserAgent(ua string) uaInfo {
	s := strings.ToLower(ua)
	if s == "" {
		return uaInfo{Type: TypeUnknown}
	}

	info := uaInfo{Type: TypeDesktop}

	switch {
	case containsAny(s, "bot", "crawler", "spider", "curl/", "wget/", "python-requests", "go-http-client"):
		info.Type = TypeBot
	case containsAny(s, "ipad", "tablet") || (strings.Contains(s, "android") && !strings.Contains(s, "mobile")):
		info.Type = TypeTablet
	case containsAny(s, "mobile", "iphone", "ipod", "windows phone"):
		info.Type = TypeMobile
	}

	switch {
	case containsAny(s, "iphone", "ipad", "ipod"):
		info.OS = "iOS"
	case strings.Contains(s, "android"):
		info.OS = "Android"
	case strings.Contains(s, "windows"):
		info.OS = "Windows"
	case strings.Contains(s, "cros"):
		info.OS = "ChromeOS"
	case containsAny(s, "mac os x", "macintosh"):
		info.OS = "macOS"
	case strings.Contains(s, "linux"):
		info.OS = "Linux"
	}

	switch {
	case strings.Contains(s, "edg/"):
		info.Browser = "Edge"
	case containsAny(s, "opr/", "opera"):
		info.Browser = "Opera"
	case strings.Contains(s, "samsungbrowser"):
		info.Browser = "Samsung Internet"
	case containsAny(s, "firefox/", "fxios/"):
		info.Browser = "Firefox"
	case containsAny(s, "chrome/", "crios/"):
		info.Browser = "Chrome"
	case strings.Contains(s, "safari/"):
		info.Browser = "Safari"
	case strings.Contains(s, "curl/"):
		info.Browser = "curl"
	}

	return info
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
