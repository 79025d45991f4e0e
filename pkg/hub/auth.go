package hub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
)

const (
	adminCookieName  = "ts_hub_admin"
	adminSessionTTL  = 86400
	adminTokenHeader = "X-TS-Admin-Token"
)

// signAdminSession builds the session cookie value "expiry.signature".
// The signature binds the expiry to the admin token, so the token itself
// never travels back to the browser after login.
func signAdminSession(adminToken string, expiresAt int64) string {
	expiry := strconv.FormatInt(expiresAt, 10)
	mac := hmac.New(sha256.New, []byte(adminToken))
	mac.Write([]byte(expiry))
	return expiry + "." + hex.EncodeToString(mac.Sum(nil))
}

func validAdminSession(adminToken, cookieValue string, now int64) bool {
	expiry, _, ok := strings.Cut(cookieValue, ".")
	if !ok {
		return false
	}
	expiresAt, err := strconv.ParseInt(expiry, 10, 64)
	if err != nil || expiresAt <= now {
		return false
	}
	expected := signAdminSession(adminToken, expiresAt)
	return hmac.Equal([]byte(expected), []byte(cookieValue))
}

// adminAuthorized accepts the admin token from the X-TS-Admin-Token header,
// a bearer Authorization header, or a signed session cookie.
func (s *Server) adminAuthorized(r *http.Request) bool {
	if s.adminToken == "" {
		return false
	}
	if supplied := strings.TrimSpace(r.Header.Get(adminTokenHeader)); supplied != "" {
		return hmac.Equal([]byte(supplied), []byte(s.adminToken))
	}
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			return hmac.Equal([]byte(strings.TrimSpace(auth[7:])), []byte(s.adminToken))
		}
	}
	if cookie, err := r.Cookie(adminCookieName); err == nil && cookie.Value != "" {
		return validAdminSession(s.adminToken, cookie.Value, nowUnix())
	}
	return false
}

func adminSessionCookie(value string, maxAge int, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     adminCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	}
}

func isSecureRequest(r *http.Request) bool {
	if proto, _, _ := strings.Cut(r.Header.Get("X-Forwarded-Proto"), ","); strings.EqualFold(strings.TrimSpace(proto), "https") {
		return true
	}
	return r.TLS != nil
}

// clientAddress identifies the caller for login rate limiting. The RealIP
// middleware already folds X-Forwarded-For into RemoteAddr.
func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return "unknown"
	}
	return host
}

// loginLimiter counts failed login attempts per source address in a fixed
// window. A successful login clears the source's counter.
type loginLimiter struct {
	mu            sync.Mutex
	windowSeconds int64
	maxAttempts   int
	attempts      map[string]*loginWindow
}

type loginWindow struct {
	count   int
	resetAt int64
}

func newLoginLimiter(windowSeconds int64, maxAttempts int) *loginLimiter {
	return &loginLimiter{
		windowSeconds: windowSeconds,
		maxAttempts:   maxAttempts,
		attempts:      map[string]*loginWindow{},
	}
}

// limited reports whether the source has exhausted its window, returning
// the current count for audit logging.
func (l *loginLimiter) limited(source string, now int64) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.attempts[source]
	if w == nil || w.resetAt <= now {
		return false, 0
	}
	return w.count >= l.maxAttempts, w.count
}

// recordFailure counts one failed attempt and returns the new count.
func (l *loginLimiter) recordFailure(source string, now int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.attempts[source]
	if w == nil || w.resetAt <= now {
		w = &loginWindow{}
		l.attempts[source] = w
	}
	w.count++
	w.resetAt = now + l.windowSeconds
	return w.count
}

func (l *loginLimiter) clear(source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, source)
}

func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			http.Error(w, "Admin token is not configured on hub", http.StatusServiceUnavailable)
			return
		}
		if !s.adminAuthorized(r) {
			http.Error(w, "Invalid admin token", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	if s.adminToken == "" {
		http.Error(w, "Admin token is not configured on hub", http.StatusServiceUnavailable)
		return
	}
	now := nowUnix()
	source := clientAddress(r)
	if limited, count := s.logins.limited(source, now); limited {
		s.log.Warn("admin login rate limited",
			"action", "admin_login_rate_limited", "source", source, "attempts", count)
		http.Error(w, "Too many login attempts. Try again later.", http.StatusTooManyRequests)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "Unable to read request body", http.StatusBadRequest)
		return
	}
	supplied := strings.TrimSpace(r.PostFormValue("adminToken"))
	if supplied == "" || !hmac.Equal([]byte(supplied), []byte(s.adminToken)) {
		count := s.logins.recordFailure(source, now)
		s.log.Warn("admin login failed",
			"action", "admin_login_failed", "source", source, "attempts", count)
		http.Error(w, "Invalid admin token", http.StatusForbidden)
		return
	}

	s.logins.clear(source)
	s.log.Info("admin login", "action", "admin_login_success", "source", source)

	session := signAdminSession(s.adminToken, now+adminSessionTTL)
	http.SetCookie(w, adminSessionCookie(session, adminSessionTTL, isSecureRequest(r)))
	w.Header().Set("Location", "/admin")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusSeeOther)
}

func (s *Server) handleAdminLogout(w http.ResponseWriter, r *http.Request) {
	s.log.Info("admin logout", "action", "admin_logout", "source", clientAddress(r))
	http.SetCookie(w, adminSessionCookie("", -1, isSecureRequest(r)))
	w.Header().Set("Location", "/admin")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusSeeOther)
}
