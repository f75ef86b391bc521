package db

import (
	"context"
	"errors"
	"strings"

	app "github.com/etitcombe/taskflow"
	"golang.org/x/crypto/bcrypt"
)

// UserStore implements the UserStore interface against the database.
type UserStore struct {
	UserPwPepper string
	db           *DB
}

// NewUserStore creates and returns a new instance of a UserStore.
func NewUserStore(db *DB, pepper string) *UserStore {
	return &UserStore{UserPwPepper: pepper, db: db}
}

var _ app.UserStore = (*UserStore)(nil)

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// HashPassword hashes password with pepper using bcrypt.
func HashPassword(password, pepper string) (string, error) {
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(password+pepper), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashedBytes), nil
}

// Authenticate authenticates a user based on email and password. Unknown
// emails and wrong passwords give the same error.
func (s *UserStore) Authenticate(ctx context.Context, email, password string) (*app.User, error) {
	foundUser, err := s.ByEmail(ctx, email)
	if err != nil {
		if app.ErrorCode(err) == app.ENOTFOUND {
			return nil, app.Errorf(app.EUNAUTHORIZED, "Invalid email or password.")
		}
		return nil, err
	}

	err = bcrypt.CompareHashAndPassword([]byte(foundUser.PasswordHash), []byte(password+s.UserPwPepper))
	switch {
	case err == nil:
		return foundUser, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return nil, app.Errorf(app.EUNAUTHORIZED, "Invalid email or password.")
	default:
		return nil, err
	}
}

// Create creates a new user, hashing password. user.ID and user.CreatedAt
// must already be set.
func (s *UserStore) Create(ctx context.Context, user *app.User, password string) error {
	user.Email = NormalizeEmail(user.Email)
	hash, err := HashPassword(password, s.UserPwPepper)
	if err != nil {
		return err
	}
	user.PasswordHash = hash

	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.db.rebind(`INSERT INTO users
		(id, email, name, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		user.ID, user.Email, user.Name, user.PasswordHash, user.CreatedAt)
	if isUniqueViolation(err) {
		return app.Errorf(app.ECONFLICT, "Email already in use.")
	} else if err != nil {
		return err
	}
	return tx.Commit()
}

// ByEmail retrieves a user by their email address.
func (s *UserStore) ByEmail(ctx context.Context, email string) (*app.User, error) {
	return s.one(ctx, `email = ?`, NormalizeEmail(email))
}

// ByID retrieves a user by their id.
func (s *UserStore) ByID(ctx context.Context, id string) (*app.User, error) {
	return s.one(ctx, `id = ?`, id)
}

func (s *UserStore) one(ctx context.Context, where string, arg string) (*app.User, error) {
	row := s.db.db.QueryRowContext(ctx, s.db.rebind(`SELECT id, email, name, password_hash, created_at
		FROM users WHERE `+where), arg)
	var u app.User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.CreatedAt); err != nil {
		return nil, notFound(err, "User not found.")
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}
