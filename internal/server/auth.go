package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// Auth guards the audit API. Operators are bcrypt users with opaque
// session cookies in Postgres; automation presents the configured admin
// token instead. Every login outcome lands in the same audit trail as run
// activity, and a per-IP throttle slows credential guessing against the
// login endpoint.
type Auth struct {
	pool       *pgxpool.Pool
	store      Store
	adminToken string
	cookieName string
	sessionTTL time.Duration
	loginLimit *ipRateLimiter
}

func NewAuth(pool *pgxpool.Pool, store Store, cfg ServerConfig) *Auth {
	ttl := 8 * time.Hour
	if parsed, err := time.ParseDuration(strings.TrimSpace(cfg.Auth.SessionTTL)); err == nil && parsed > 0 {
		ttl = parsed
	}
	name := strings.TrimSpace(cfg.Auth.CookieName)
	if name == "" {
		name = "audit_session"
	}
	return &Auth{
		pool:       pool,
		store:      store,
		adminToken: strings.TrimSpace(cfg.Security.AdminToken),
		cookieName: name,
		sessionTTL: ttl,
		loginLimit: newIPRateLimiter(cfg.Limits.LoginRPM),
	}
}

func (a *Auth) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ipHash, uaHash := actorHashes(r)
	if !a.loginLimit.Allow(ipHash) {
		a.recordAuthEvent("auth.login", "rate_limited", "", ipHash, uaHash)
		writeError(w, http.StatusTooManyRequests, "too many login attempts")
		return
	}
	if a.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "user accounts require a database")
		return
	}
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	body.Username = strings.TrimSpace(body.Username)
	if body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	var userID, hash, role string
	err := a.pool.QueryRow(r.Context(),
		`SELECT id, password_hash, role FROM users WHERE username=$1`, body.Username).Scan(&userID, &hash, &role)
	if err != nil || bcrypt.CompareHashAndPassword([]byte(hash), []byte(body.Password)) != nil {
		a.recordAuthEvent("auth.login", "invalid_credentials", "", ipHash, uaHash)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := a.createSession(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session error")
		return
	}
	_, _ = a.pool.Exec(r.Context(), `UPDATE users SET last_login_at=now() WHERE id=$1`, userID)
	a.recordAuthEvent("auth.login", "success", userID, ipHash, uaHash)

	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(a.sessionTTL.Seconds()),
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "role": role})
}

func (a *Auth) HandleLogout(w http.ResponseWriter, r *http.Request) {
	principal, _ := a.AuthenticateRequest(r)
	if cookie, err := r.Cookie(a.cookieName); err == nil && cookie != nil && a.pool != nil {
		_, _ = a.pool.Exec(r.Context(), `DELETE FROM sessions WHERE token_hash=$1`, sha256Hex(cookie.Value))
	}
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	if principal.Subject != "" {
		ipHash, uaHash := actorHashes(r)
		a.recordAuthEvent("auth.logout", "success", principal.Subject, ipHash, uaHash)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// HandleMe reports who the caller is and the latest audit runs they
// created, so a fresh session lands on its own work.
func (a *Auth) HandleMe(w http.ResponseWriter, r *http.Request) {
	principal, err := a.AuthenticateRequest(r)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	view := map[string]any{
		"authenticated": true,
		"principal":     principal,
	}
	if a.store != nil && principal.Subject != "" {
		owned := a.store.ListRunsByCreator(principal.Subject, 5)
		recent := make([]map[string]any, 0, len(owned))
		for _, run := range owned {
			recent = append(recent, map[string]any{
				"run_id":     run.RunID,
				"status":     run.Status,
				"model":      run.Request.Model,
				"all_passed": run.Verdict.AllPassed,
			})
		}
		view["recent_runs"] = recent
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *Auth) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.AuthenticateRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Auth) RequireAdmin(next http.Handler) http.Handler {
	return a.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFromContext(r.Context())
		if p.Role != "admin" {
			writeError(w, http.StatusForbidden, "admin required")
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func (a *Auth) AuthenticateRequest(r *http.Request) (Principal, error) {
	if principal, ok := a.sessionPrincipal(r); ok {
		return principal, nil
	}
	if principal, ok := a.tokenPrincipal(r); ok {
		return principal, nil
	}
	return Principal{}, errors.New("no valid session")
}

func (a *Auth) sessionPrincipal(r *http.Request) (Principal, bool) {
	if a.pool == nil {
		return Principal{}, false
	}
	cookie, err := r.Cookie(a.cookieName)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		return Principal{}, false
	}
	var sub, username, role string
	err = a.pool.QueryRow(r.Context(),
		`SELECT u.id, u.username, u.role FROM sessions s
		 JOIN users u ON u.id = s.user_id
		 WHERE s.token_hash=$1 AND s.expires_at > now()`, sha256Hex(cookie.Value)).Scan(&sub, &username, &role)
	if err != nil {
		return Principal{}, false
	}
	return Principal{Subject: sub, Username: username, Role: role}, true
}

func (a *Auth) tokenPrincipal(r *http.Request) (Principal, bool) {
	if a.adminToken == "" {
		return Principal{}, false
	}
	candidate := strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	if candidate == "" {
		authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
		if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			candidate = strings.TrimSpace(authHeader[7:])
		}
	}
	if candidate == "" || !constantTimeEqual(candidate, a.adminToken) {
		return Principal{}, false
	}
	return Principal{Subject: "admin-token", Username: "admin-token", Role: "admin"}, true
}

func (a *Auth) createSession(ctx context.Context, userID string) (string, error) {
	token, err := randomBase64(32)
	if err != nil {
		return "", err
	}
	// Expired rows pile up otherwise; sweep on the write path.
	_, _ = a.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < now()`)
	_, err = a.pool.Exec(ctx,
		`INSERT INTO sessions (token_hash, user_id, expires_at) VALUES ($1, $2, $3)`,
		sha256Hex(token), userID, time.Now().Add(a.sessionTTL))
	if err != nil {
		return "", err
	}
	return token, nil
}

func (a *Auth) recordAuthEvent(action, result, actorSub, ipHash, uaHash string) {
	if a.store == nil {
		return
	}
	_ = a.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		ActorType: "user",
		ActorSub:  actorSub,
		Action:    action,
		Result:    result,
		IPHash:    ipHash,
		UAHash:    uaHash,
	})
}

func SeedUser(ctx context.Context, pool *pgxpool.Pool, username, password, role string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	_, err = pool.Exec(ctx,
		`INSERT INTO users (username, password_hash, role) VALUES ($1, $2, $3)
		 ON CONFLICT (username) DO UPDATE SET password_hash=$2, role=$3, updated_at=now()`,
		username, string(hash), role)
	return err
}

type principalContextKey struct{}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	value := ctx.Value(principalContextKey{})
	principal, ok := value.(Principal)
	return principal, ok
}

func sha256Hex(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func randomBase64(length int) (string, error) {
	if length <= 0 {
		length = 32
	}
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
