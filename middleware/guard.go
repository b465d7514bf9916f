package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	goShield "github.com/MrEthical07/goShield"
)

// Cookie and header names of the wire contract. The csrf secret cookie is
// HttpOnly; has_auth is the only cookie scripts may read.
const (
	SessionCookie = "session_id"
	CsrfCookie    = "csrf_secret"
	HasAuthCookie = "has_auth"
	CsrfHeader    = "X-CSRF-Token"
	retryAfterHdr = "Retry-After"
	rateRemainHdr = "X-RateLimit-Remaining"
)

type checkResultContextKey struct{}

// ResultFromContext returns the admitted [goShield.CheckResult] injected
// by [Guard].
func ResultFromContext(ctx context.Context) (*goShield.CheckResult, bool) {
	res, ok := ctx.Value(checkResultContextKey{}).(*goShield.CheckResult)
	return res, ok
}

// Guard wraps a handler with engine authorization under the given endpoint
// class. Anonymous requests pass when the class allows them; see
// [RequireAuth] for authenticated-only routes.
func Guard(engine *goShield.Engine, class goShield.EndpointClass) func(http.Handler) http.Handler {
	return guard(engine, class, false)
}

// RequireAuth wraps a handler like [Guard] but rejects requests without a
// valid session.
func RequireAuth(engine *goShield.Engine, class goShield.EndpointClass) func(http.Handler) http.Handler {
	return guard(engine, class, true)
}

func guard(engine *goShield.Engine, class goShield.EndpointClass, requireAuth bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "service unavailable", http.StatusServiceUnavailable)
				return
			}

			ctx := requestContext(r)
			req := goShield.CheckRequest{
				Method:      r.Method,
				Path:        r.URL.Path,
				Class:       class,
				RequireAuth: requireAuth,
				SessionID:   cookieValue(r, SessionCookie),
				CsrfToken:   r.Header.Get(CsrfHeader),
				CsrfSecret:  cookieValue(r, CsrfCookie),
			}

			result, err := engine.Authorize(ctx, req)
			if err != nil {
				writeRejection(w, result, err)
				return
			}

			ctx = context.WithValue(ctx, checkResultContextKey{}, &result)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeRejection maps engine errors to HTTP statuses with deliberately
// generic bodies. The audit trail carries the precise cause.
func writeRejection(w http.ResponseWriter, result goShield.CheckResult, err error) {
	if result.RetryAfter > 0 {
		w.Header().Set(retryAfterHdr, strconv.Itoa(retryAfterSeconds(result.RetryAfter)))
	}

	switch {
	case errors.Is(err, goShield.ErrRateLimited),
		errors.Is(err, goShield.ErrFingerprintBlocked):
		w.Header().Set(rateRemainHdr, "0")
		http.Error(w, "too many requests", http.StatusTooManyRequests)

	case errors.Is(err, goShield.ErrUnauthenticated),
		errors.Is(err, goShield.ErrSessionInvalid):
		http.Error(w, "authentication required", http.StatusUnauthorized)

	case errors.Is(err, goShield.ErrAccountLocked),
		errors.Is(err, goShield.ErrAdminRequired):
		http.Error(w, "forbidden", http.StatusForbidden)

	case errors.Is(err, goShield.ErrBackendUnavailable):
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)

	default:
		// Any CSRF failure: never distinguish causes for the caller.
		http.Error(w, "forbidden", http.StatusForbidden)
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// SetSessionCookies writes the cookies for a fresh [goShield.SessionGrant]:
// the HttpOnly session id and csrf secret, plus the script-readable
// has_auth indicator. The two credential cookies are always Secure and
// SameSite=Strict; deployments terminating TLS upstream still get the
// Secure attribute on the wire.
func SetSessionCookies(w http.ResponseWriter, grant *goShield.SessionGrant) {
	maxAge := int(time.Until(grant.ExpiresAt).Seconds())

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    grant.SessionID,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     CsrfCookie,
		Value:    grant.CsrfSecret,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     HasAuthCookie,
		Value:    "1",
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: false,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookies expires all three cookies on logout.
func ClearSessionCookies(w http.ResponseWriter) {
	for _, name := range []string{SessionCookie, CsrfCookie, HasAuthCookie} {
		sameSite := http.SameSiteStrictMode
		if name == HasAuthCookie {
			sameSite = http.SameSiteLaxMode
		}
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: name != HasAuthCookie,
			Secure:   true,
			SameSite: sameSite,
		})
	}
}

func cookieValue(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// requestContext attaches the fingerprint attributes from the request.
func requestContext(r *http.Request) context.Context {
	ctx := r.Context()

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ctx = goShield.WithClientIP(ctx, host)
	ctx = goShield.WithUserAgent(ctx, r.UserAgent())
	ctx = goShield.WithAcceptLanguage(ctx, r.Header.Get("Accept-Language"))

	return ctx
}
