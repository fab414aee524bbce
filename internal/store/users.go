package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUserExists is returned when registering a username that is already
	// taken (comparison is case-insensitive).
	ErrUserExists = errors.New("user already registered")
	// ErrInvalidCredentials is returned when a username/password pair or a
	// remember token does not resolve to a registered user.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound is returned when an operation references an unknown
	// user id.
	ErrUserNotFound = errors.New("user not found")
)

const (
	minUsernameLen = 3
	minPasswordLen = 8
)

// User is a registered account. The password hash never leaves the server:
// it is persisted to disk but excluded from every client-facing payload via
// the Public view.
type User struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	PasswordHash   string    `json:"password"`
	DisplayName    string    `json:"displayName"`
	ProfilePicture string    `json:"profilePicture,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// PublicUser is the client-facing projection of a User.
type PublicUser struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	DisplayName    string    `json:"displayName"`
	ProfilePicture string    `json:"profilePicture,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Public returns the projection of u safe to send to clients.
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:             u.ID,
		Username:       u.Username,
		DisplayName:    u.DisplayName,
		ProfilePicture: u.ProfilePicture,
		CreatedAt:      u.CreatedAt,
	}
}

// RememberToken lets a client rejoin without re-sending credentials. Tokens
// expire and are pruned periodically by the liveness sweeper.
type RememberToken struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// cloneUser returns a detached copy. Every method returning a *User hands out
// a clone so callers can hold it outside the store's mutex without racing
// later profile mutations.
func cloneUser(u *User) *User {
	c := *u
	return &c
}

// userDocument is the on-disk layout of the user table.
type userDocument struct {
	Users  []User          `json:"users"`
	Tokens []RememberToken `json:"tokens"`
}

// UserStore is the flat-file-backed table of registered accounts. Every
// mutation rewrites the whole backing document synchronously; a failed write
// is logged by the caller and the in-memory table stays authoritative until
// the next successful save.
type UserStore struct {
	mu      sync.RWMutex
	storage Storage
	byID    map[string]*User
	byName  map[string]*User // key: lowercase username
	tokens  map[string]RememberToken
}

// NewUserStore loads the user table from storage.
func NewUserStore(storage Storage) (*UserStore, error) {
	us := &UserStore{
		storage: storage,
		byID:    make(map[string]*User),
		byName:  make(map[string]*User),
		tokens:  make(map[string]RememberToken),
	}

	var doc userDocument
	if err := storage.Load(&doc); err != nil {
		return nil, fmt.Errorf("load user table: %w", err)
	}
	for i := range doc.Users {
		u := doc.Users[i]
		us.byID[u.ID] = &u
		us.byName[strings.ToLower(u.Username)] = &u
	}
	for _, tok := range doc.Tokens {
		us.tokens[tok.Token] = tok
	}
	return us, nil
}

// persistLocked writes the current table back to storage. Callers hold mu.
func (us *UserStore) persistLocked() error {
	doc := userDocument{
		Users:  make([]User, 0, len(us.byID)),
		Tokens: make([]RememberToken, 0, len(us.tokens)),
	}
	for _, u := range us.byID {
		doc.Users = append(doc.Users, *u)
	}
	for _, tok := range us.tokens {
		doc.Tokens = append(doc.Tokens, tok)
	}
	return us.storage.Save(&doc)
}

// Register creates a new account. Usernames are unique case-insensitively and
// passwords are stored as bcrypt hashes only.
func (us *UserStore) Register(username, password, displayName string) (*User, error) {
	username = strings.TrimSpace(username)
	if len(username) < minUsernameLen {
		return nil, fmt.Errorf("username must be at least %d characters", minUsernameLen)
	}
	if len(password) < minPasswordLen {
		return nil, fmt.Errorf("password must be at least %d characters", minPasswordLen)
	}
	if displayName == "" {
		displayName = username
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	us.mu.Lock()
	defer us.mu.Unlock()

	key := strings.ToLower(username)
	if _, taken := us.byName[key]; taken {
		return nil, ErrUserExists
	}

	user := &User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		DisplayName:  displayName,
		CreatedAt:    time.Now().UTC(),
	}
	us.byID[user.ID] = user
	us.byName[key] = user

	if err := us.persistLocked(); err != nil {
		return cloneUser(user), err
	}
	return cloneUser(user), nil
}

// Authenticate resolves a username/password pair to the account it belongs
// to, or ErrInvalidCredentials.
func (us *UserStore) Authenticate(username, password string) (*User, error) {
	us.mu.RLock()
	var user *User
	if u, ok := us.byName[strings.ToLower(strings.TrimSpace(username))]; ok {
		user = cloneUser(u)
	}
	us.mu.RUnlock()
	if user == nil {
		return nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// Get returns the user with the given id.
func (us *UserStore) Get(id string) (*User, error) {
	us.mu.RLock()
	defer us.mu.RUnlock()
	user, ok := us.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(user), nil
}

// Lookup returns the user with the given username (case-insensitive).
func (us *UserStore) Lookup(username string) (*User, error) {
	us.mu.RLock()
	defer us.mu.RUnlock()
	user, ok := us.byName[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(user), nil
}

// List returns the public view of every registered account.
func (us *UserStore) List() []PublicUser {
	us.mu.RLock()
	defer us.mu.RUnlock()
	users := make([]PublicUser, 0, len(us.byID))
	for _, u := range us.byID {
		users = append(users, u.Public())
	}
	return users
}

// ProfileUpdate carries the mutable profile fields. Nil fields are left
// unchanged.
type ProfileUpdate struct {
	DisplayName    *string
	ProfilePicture *string
	Password       *string
}

// UpdateProfile mutates the account and persists the table.
func (us *UserStore) UpdateProfile(id string, upd ProfileUpdate) (*User, error) {
	us.mu.Lock()
	defer us.mu.Unlock()

	user, ok := us.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}

	// Validate everything before touching the record so a rejected update
	// never leaves a half-applied profile behind.
	var newHash string
	if upd.Password != nil {
		if len(*upd.Password) < minPasswordLen {
			return nil, fmt.Errorf("password must be at least %d characters", minPasswordLen)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(*upd.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		newHash = string(hash)
	}

	if upd.DisplayName != nil && *upd.DisplayName != "" {
		user.DisplayName = *upd.DisplayName
	}
	if upd.ProfilePicture != nil {
		user.ProfilePicture = *upd.ProfilePicture
	}
	if newHash != "" {
		user.PasswordHash = newHash
	}

	if err := us.persistLocked(); err != nil {
		return cloneUser(user), err
	}
	return cloneUser(user), nil
}

// Delete removes the account and all of its remember tokens, returning the
// removed user so the caller can force-close that user's live connections.
func (us *UserStore) Delete(id string) (*User, error) {
	us.mu.Lock()
	defer us.mu.Unlock()

	user, ok := us.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	delete(us.byID, id)
	delete(us.byName, strings.ToLower(user.Username))
	for tok, rt := range us.tokens {
		if rt.UserID == id {
			delete(us.tokens, tok)
		}
	}

	if err := us.persistLocked(); err != nil {
		return cloneUser(user), err
	}
	return cloneUser(user), nil
}

// IssueToken mints a remember token for the user, valid for ttl.
func (us *UserStore) IssueToken(userID string, ttl time.Duration) (RememberToken, error) {
	us.mu.Lock()
	defer us.mu.Unlock()

	if _, ok := us.byID[userID]; !ok {
		return RememberToken{}, ErrUserNotFound
	}
	now := time.Now().UTC()
	tok := RememberToken{
		Token:     uuid.NewString(),
		UserID:    userID,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	us.tokens[tok.Token] = tok

	if err := us.persistLocked(); err != nil {
		return tok, err
	}
	return tok, nil
}

// ResolveToken returns the user a live remember token belongs to. Expired or
// unknown tokens resolve to ErrInvalidCredentials.
func (us *UserStore) ResolveToken(token string) (*User, error) {
	us.mu.RLock()
	defer us.mu.RUnlock()

	tok, ok := us.tokens[token]
	if !ok || time.Now().After(tok.ExpiresAt) {
		return nil, ErrInvalidCredentials
	}
	user, ok := us.byID[tok.UserID]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	return cloneUser(user), nil
}

// RevokeToken drops a remember token. Revoking an unknown token is a no-op.
func (us *UserStore) RevokeToken(token string) error {
	us.mu.Lock()
	defer us.mu.Unlock()

	if _, ok := us.tokens[token]; !ok {
		return nil
	}
	delete(us.tokens, token)
	return us.persistLocked()
}

// PruneTokens drops every token expired as of now and reports how many were
// removed. The table is persisted only if something changed.
func (us *UserStore) PruneTokens(now time.Time) (int, error) {
	us.mu.Lock()
	defer us.mu.Unlock()

	removed := 0
	for tok, rt := range us.tokens {
		if now.After(rt.ExpiresAt) {
			delete(us.tokens, tok)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, us.persistLocked()
}
