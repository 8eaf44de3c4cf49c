package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// MaxUsernameLength matches the accounts.username column and the login name limit.
const MaxUsernameLength = 64

// maxPasswordBytes is the longest input bcrypt hashes without truncation.
const maxPasswordBytes = 72

var (
	// ErrAccountNotFound is returned when an account lookup yields no results.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountExists is returned when attempting to create a duplicate username.
	ErrAccountExists = errors.New("account already exists")
	// ErrInvalidCredentials is returned when authentication fails.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidUsername is returned for an empty or over-long username.
	ErrInvalidUsername = errors.New("invalid username")
	// ErrInvalidPassword is returned for an empty password or one bcrypt would truncate.
	ErrInvalidPassword = errors.New("invalid password")
)

// Account is a login name that requires a password.
type Account struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// AccountRepository stores credential accounts for password-checked logins.
type AccountRepository struct {
	db *pgxpool.Pool
	// dummyHash is compared against when the username is unknown so that a
	// failed lookup costs the same as a wrong password.
	dummyHash []byte
}

// NewAccountRepository creates an AccountRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewAccountRepository(db *pgxpool.Pool) *AccountRepository {
	hash, _ := bcrypt.GenerateFromPassword([]byte("lobby-dummy-password"), bcrypt.DefaultCost)
	return &AccountRepository{db: db, dummyHash: hash}
}

// Create inserts a new account with a bcrypt-hashed password.
//
// Postcondition: Returns the created Account, ErrAccountExists if the username
// is taken, or ErrInvalidUsername / ErrInvalidPassword for bad input.
func (r *AccountRepository) Create(ctx context.Context, username, password string) (Account, error) {
	if err := validateUsername(username); err != nil {
		return Account{}, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return Account{}, err
	}

	var acct Account
	err = r.db.QueryRow(ctx,
		`INSERT INTO accounts (username, password_hash)
		 VALUES ($1, $2)
		 RETURNING id, username, password_hash, created_at`,
		username, hash,
	).Scan(&acct.ID, &acct.Username, &acct.PasswordHash, &acct.CreatedAt)
	if isDuplicateKeyError(err) {
		return Account{}, ErrAccountExists
	}
	if err != nil {
		return Account{}, fmt.Errorf("inserting account %q: %w", username, err)
	}
	return acct, nil
}

// CheckCredentials reports whether password is correct for username. An
// unknown username is reported as ErrInvalidCredentials.
func (r *AccountRepository) CheckCredentials(ctx context.Context, username, password string) error {
	acct, err := r.GetByUsername(ctx, username)
	switch {
	case errors.Is(err, ErrAccountNotFound):
		_ = bcrypt.CompareHashAndPassword(r.dummyHash, []byte(password))
		return ErrInvalidCredentials
	case err != nil:
		return err
	case !CheckPassword(password, acct.PasswordHash):
		return ErrInvalidCredentials
	}
	return nil
}

// GetByUsername retrieves an account by username.
//
// Postcondition: Returns the Account or ErrAccountNotFound.
func (r *AccountRepository) GetByUsername(ctx context.Context, username string) (Account, error) {
	var acct Account
	err := r.db.QueryRow(ctx,
		`SELECT id, username, password_hash, created_at
		 FROM accounts WHERE username = $1`,
		username,
	).Scan(&acct.ID, &acct.Username, &acct.PasswordHash, &acct.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("querying account %q: %w", username, err)
	}
	return acct, nil
}

// SetPassword replaces the password hash for username.
//
// Postcondition: The stored hash matches password, or ErrAccountNotFound is returned.
func (r *AccountRepository) SetPassword(ctx context.Context, username, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts SET password_hash = $1 WHERE username = $2`,
		hash, username,
	)
	if err != nil {
		return fmt.Errorf("updating password for %q: %w", username, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// Delete removes the account for username.
func (r *AccountRepository) Delete(ctx context.Context, username string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM accounts WHERE username = $1`, username)
	if err != nil {
		return fmt.Errorf("deleting account %q: %w", username, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// HashPassword creates a bcrypt hash of password.
//
// Postcondition: Returns ErrInvalidPassword for an empty password or one longer
// than 72 bytes.
func HashPassword(password string) (string, error) {
	if password == "" || len(password) > maxPasswordBytes {
		return "", ErrInvalidPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword compares a plaintext password against a bcrypt hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func validateUsername(username string) error {
	if username == "" || utf8.RuneCountInString(username) > MaxUsernameLength {
		return ErrInvalidUsername
	}
	return nil
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
