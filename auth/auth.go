// Package auth registers and logs in users and issues the signed bearer
// tokens that identify them on every later request.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	app "github.com/etitcombe/taskflow"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinPasswordLength is the shortest password Register accepts.
const MinPasswordLength = 6

// DefaultTokenTTL is how long a token stays valid when no TTL is configured.
const DefaultTokenTTL = 24 * time.Hour

// Claims are the JWT claims of a session token. The user id travels in the
// registered subject claim.
type Claims struct {
	jwt.RegisteredClaims
}

// Session is the result of a successful register or login.
type Session struct {
	Token string    `json:"access_token"`
	User  *app.User `json:"user"`
}

// Issuer verifies credentials and issues tokens signed with a single shared
// secret.
type Issuer struct {
	users  app.UserStore
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer returns an Issuer. A zero ttl uses DefaultTokenTTL.
func NewIssuer(users app.UserStore, secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Issuer{
		users:  users,
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Register creates a user and returns a session for it.
func (i *Issuer) Register(ctx context.Context, email, password, name string) (*Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, app.Errorf(app.EINVALID, "A valid email is required.")
	}
	if len(password) < MinPasswordLength {
		return nil, app.Errorf(app.EINVALID, "Password must be at least %d characters.", MinPasswordLength)
	}

	u := &app.User{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      strings.TrimSpace(name),
		CreatedAt: i.now().UTC(),
	}
	if err := i.users.Create(ctx, u, password); err != nil {
		return nil, err
	}
	return i.session(u)
}

// Login checks the credentials and returns a session.
func (i *Issuer) Login(ctx context.Context, email, password string) (*Session, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return nil, app.Errorf(app.EUNAUTHORIZED, "Invalid email or password.")
	}
	u, err := i.users.Authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return i.session(u)
}

// Authenticate verifies the token and resolves the user it was issued to.
func (i *Issuer) Authenticate(ctx context.Context, token string) (*app.User, error) {
	userID, err := i.Verify(token)
	if err != nil {
		return nil, err
	}
	u, err := i.users.ByID(ctx, userID)
	if app.ErrorCode(err) == app.ENOTFOUND {
		return nil, app.Errorf(app.EUNAUTHORIZED, "Unknown user.")
	} else if err != nil {
		return nil, err
	}
	return u, nil
}

// Sign issues a token for userID.
func (i *Issuer) Sign(userID string) (string, error) {
	now := i.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(i.secret)
}

// Verify checks the signature and expiry of token and returns its subject.
func (i *Issuer) Verify(token string) (string, error) {
	if token == "" {
		return "", app.Errorf(app.EUNAUTHORIZED, "Missing token.")
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", app.Errorf(app.EUNAUTHORIZED, "Token expired.")
		}
		return "", app.Errorf(app.EUNAUTHORIZED, "Invalid token.")
	}
	c, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || c.Subject == "" {
		return "", app.Errorf(app.EUNAUTHORIZED, "Invalid token.")
	}
	return c.Subject, nil
}

func (i *Issuer) session(u *app.User) (*Session, error) {
	tok, err := i.Sign(u.ID)
	if err != nil {
		return nil, err
	}
	return &Session{Token: tok, User: u}, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header value.
func BearerToken(header string) string {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
