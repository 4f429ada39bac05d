package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

// Role is the permission level carried by an API token
type Role string

const (
	RoleViewer Role = "viewer"
	RoleAdmin  Role = "admin"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleViewer || r == RoleAdmin
}

// Allows reports whether r grants the permissions of required
func (r Role) Allows(required Role) bool {
	return r == RoleAdmin || r == required
}

var (
	errInvalidCredentials = errors.New("invalid username or password")
	errInvalidToken       = errors.New("invalid or expired token")
)

const tokenIssuer = "securewatch"

// Claims are the JWT claims of an API session
type Claims struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator checks credentials against the configured users and LDAP
// and issues HS256 tokens.
type Authenticator struct {
	users  map[string]APIUser
	ldap   LDAPConfig
	secret []byte
	expiry time.Duration
	logger *zap.Logger

	// dummyHash keeps unknown users on the bcrypt path
	dummyHash []byte
}

// NewAuthenticator builds an authenticator from the API config. An empty
// secret is replaced by a random one, so tokens do not survive a restart.
func NewAuthenticator(cfg APIConfig, logger *zap.Logger) (*Authenticator, error) {
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
		logger.Warn("no jwt_secret configured, using a random secret")
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte("securewatch"), bcrypt.MinCost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare password hashing: %w", err)
	}

	users := make(map[string]APIUser, len(cfg.Users))
	for _, u := range cfg.Users {
		users[u.Username] = u
	}
	return &Authenticator{
		users:     users,
		ldap:      cfg.LDAP,
		secret:    secret,
		expiry:    cfg.TokenExpiry,
		logger:    logger.Named("auth"),
		dummyHash: dummy,
	}, nil
}

// Authenticate returns the role of username if password is correct
func (a *Authenticator) Authenticate(username, password string) (Role, error) {
	if username == "" || password == "" {
		return "", errInvalidCredentials
	}

	if user, ok := a.users[username]; ok {
		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err == nil {
			return user.Role, nil
		}
	} else {
		bcrypt.CompareHashAndPassword(a.dummyHash, []byte(password))
	}

	if a.ldap.Enabled {
		role, err := a.authenticateLDAP(username, password)
		if err == nil {
			return role, nil
		}
		a.logger.Debug("ldap authentication failed", zap.String("user", username), zap.Error(err))
	}
	return "", errInvalidCredentials
}

// authenticateLDAP finds the user entry and binds as it
func (a *Authenticator) authenticateLDAP(username, password string) (Role, error) {
	conn, err := ldap.DialURL("ldap://" + net.JoinHostPort(a.ldap.Server, strconv.Itoa(a.ldap.Port)))
	if err != nil {
		return "", fmt.Errorf("ldap connection error: %w", err)
	}
	defer conn.Close()

	if a.ldap.BindDN != "" {
		if err := conn.Bind(a.ldap.BindDN, a.ldap.BindPassword); err != nil {
			return "", fmt.Errorf("ldap service bind error: %w", err)
		}
	}

	filter := fmt.Sprintf("(%s=%s)", a.ldap.UserAttr, ldap.EscapeFilter(username))
	if a.ldap.SearchFilter != "" {
		filter = fmt.Sprintf("(&%s%s)", a.ldap.SearchFilter, filter)
	}
	sr, err := conn.Search(ldap.NewSearchRequest(
		a.ldap.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 2, 10, false,
		filter,
		[]string{"dn"},
		nil,
	))
	if err != nil {
		return "", fmt.Errorf("ldap search error: %w", err)
	}
	if len(sr.Entries) != 1 {
		return "", fmt.Errorf("ldap user not found or ambiguous: %s", username)
	}

	if err := conn.Bind(sr.Entries[0].DN, password); err != nil {
		return "", fmt.Errorf("ldap bind failed: %w", err)
	}

	for _, admin := range a.ldap.AdminUsers {
		if admin == username {
			return RoleAdmin, nil
		}
	}
	return RoleViewer, nil
}

// IssueToken signs a token for username with role
func (a *Authenticator) IssueToken(username string, role Role) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(a.expiry)
	claims := &Claims{
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expires, nil
}

// ParseToken validates a signed token and returns its claims
func (a *Authenticator) ParseToken(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", errInvalidToken, claims.Role)
	}
	return claims, nil
}

// loginLimiter rate limits login attempts per client IP
type loginLimiter struct {
	limit    rate.Limit
	burst    int
	limiters *lru.Cache[string, *rate.Limiter]
}

func newLoginLimiter(perSecond float64, burst int) *loginLimiter {
	limiters, _ := lru.New[string, *rate.Limiter](4096)
	return &loginLimiter{limit: rate.Limit(perSecond), burst: burst, limiters: limiters}
}

// Allow consumes one attempt for ip
func (l *loginLimiter) Allow(ip string) bool {
	limiter, ok := l.limiters.Get(ip)
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		if prev, found, _ := l.limiters.PeekOrAdd(ip, limiter); found {
			limiter = prev
		}
	}
	return limiter.Allow()
}

// clientIP returns the request's source address, honouring
// X-Forwarded-For only when trustProxy is set.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			return strings.TrimSpace(strings.Split(xff, ",")[0])
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
