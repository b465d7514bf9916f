package goShield

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/MrEthical07/goShield/internal"
)

// uaFamily reduces a User-Agent string to its coarse browser family. Full
// UA strings churn on every minor version; keying abuse state on them would
// let clients rotate identities for free.
func uaFamily(userAgent string) string {
	ua := strings.ToLower(userAgent)

	switch {
	case ua == "":
		return "unknown"
	case strings.Contains(ua, "edg/"), strings.Contains(ua, "edge/"):
		return "edge"
	case strings.Contains(ua, "opr/"), strings.Contains(ua, "opera"):
		return "opera"
	case strings.Contains(ua, "chrome/"), strings.Contains(ua, "crios/"):
		return "chrome"
	case strings.Contains(ua, "firefox/"), strings.Contains(ua, "fxios/"):
		return "firefox"
	case strings.Contains(ua, "safari/"):
		return "safari"
	case strings.Contains(ua, "curl/"), strings.Contains(ua, "wget/"):
		return "cli"
	case strings.Contains(ua, "bot"), strings.Contains(ua, "crawler"), strings.Contains(ua, "spider"):
		return "bot"
	default:
		return "other"
	}
}

// fingerprintFromContext derives the abuse-tracking fingerprint from the
// request attributes carried on ctx: IP, UA family, and Accept-Language,
// hashed so raw client attributes never become storage keys.
func fingerprintFromContext(ctx context.Context) string {
	sum := internal.HashFingerprintInput(
		clientIPFromContext(ctx),
		uaFamily(userAgentFromContext(ctx)),
		acceptLanguageFromContext(ctx),
	)
	return hex.EncodeToString(sum[:16])
}
