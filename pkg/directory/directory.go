// Package directory is the account and contact service behind the relay:
// it registers users, checks passwords, issues login tokens, and answers
// the relay's identity and contact questions.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/aeolun/pairchat/pkg/database"
	"github.com/samber/lo"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for an unknown contact or wrong password
var ErrInvalidCredentials = errors.New("invalid credentials")

// Store is the persistence the directory needs
type Store interface {
	CreateUser(ctx context.Context, firstName, lastName, contact, passwordHash string) (int64, error)
	GetUserByContact(ctx context.Context, contact string) (*database.User, error)
	GetUserByID(ctx context.Context, id int64) (*database.User, error)
	FindUsersByUsername(ctx context.Context, username string) ([]*database.User, error)
	ListUsers(ctx context.Context) ([]*database.User, error)
	AddContact(ctx context.Context, userID, contactUserID int64) error
	RemoveContact(ctx context.Context, userID, contactUserID int64) error
	ListContacts(ctx context.Context, userID int64) ([]*database.Contact, error)
	HasContactUsername(ctx context.Context, userIDs []int64, counterpart string) (bool, error)
}

// Directory implements signup, login and contact management
type Directory struct {
	store      Store
	tokens     *Tokens
	bcryptCost int
}

// Option configures a Directory
type Option func(*Directory)

// WithBcryptCost overrides the password hashing cost
func WithBcryptCost(cost int) Option {
	return func(d *Directory) { d.bcryptCost = cost }
}

// New creates a directory over store
func New(store Store, tokens *Tokens, opts ...Option) *Directory {
	d := &Directory{
		store:      store,
		tokens:     tokens,
		bcryptCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Signup registers a new account and returns its ID
func (d *Directory) Signup(ctx context.Context, firstName, lastName, contact, password string) (int64, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), d.bcryptCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}
	return d.store.CreateUser(ctx, firstName, lastName, contact, string(hash))
}

// CheckPassword returns the account for contact if password matches
func (d *Directory) CheckPassword(ctx context.Context, contact, password string) (*database.User, error) {
	user, err := d.store.GetUserByContact(ctx, contact)
	if errors.Is(err, database.ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// Login checks credentials and issues a token
func (d *Directory) Login(ctx context.Context, contact, password string) (string, *database.User, error) {
	user, err := d.CheckPassword(ctx, contact, password)
	if err != nil {
		return "", nil, err
	}

	token, err := d.tokens.Sign(user.ID, user.Username(), user.ContactIdentifier)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return token, user, nil
}

// Users lists every account, newest first
func (d *Directory) Users(ctx context.Context) ([]*database.User, error) {
	return d.store.ListUsers(ctx)
}

// Contacts lists userID's contacts
func (d *Directory) Contacts(ctx context.Context, userID int64) ([]*database.Contact, error) {
	return d.store.ListContacts(ctx, userID)
}

// AddContact adds contactUserID to userID's list
func (d *Directory) AddContact(ctx context.Context, userID, contactUserID int64) error {
	return d.store.AddContact(ctx, userID, contactUserID)
}

// RemoveContact drops contactUserID from userID's list
func (d *Directory) RemoveContact(ctx context.Context, userID, contactUserID int64) error {
	return d.store.RemoveContact(ctx, userID, contactUserID)
}

// VerifyIdentity checks a login token presented on the real-time channel.
// The identity is taken from the token; a declared name that disagrees
// with it is rejected.
func (d *Directory) VerifyIdentity(_ context.Context, declared, token string) (string, error) {
	claims, err := d.tokens.Verify(token)
	if err != nil {
		return "", err
	}
	if declared != "" && declared != claims.Username {
		return "", fmt.Errorf("declared identity %q does not match token", declared)
	}
	return claims.Username, nil
}

// IsContact reports whether any account named identity lists counterpart
func (d *Directory) IsContact(ctx context.Context, identity, counterpart string) (bool, error) {
	users, err := d.store.FindUsersByUsername(ctx, identity)
	if err != nil {
		return false, err
	}

	ids := lo.Map(users, func(u *database.User, _ int) int64 { return u.ID })
	return d.store.HasContactUsername(ctx, ids, counterpart)
}
