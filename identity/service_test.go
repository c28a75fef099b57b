package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "supersafe",
		FullName: "Alice Payer",
	}

	ctx := context.Background()
	user, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}

	if user.Email != req.Email {
		t.Fatalf("expected email %q got %q", req.Email, user.Email)
	}
	if user.Role != RoleMember {
		t.Fatalf("register: expected default role %s got %s", RoleMember, user.Role)
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.User.ID != user.ID {
		t.Fatalf("login: expected user id %q got %q", user.ID, resp.User.ID)
	}

	tokenUserID, tokenRole, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if tokenUserID != user.ID {
		t.Fatalf("verify token: expected %q got %q", user.ID, tokenUserID)
	}
	if tokenRole != RoleMember {
		t.Fatalf("verify token: expected role %s got %s", RoleMember, tokenRole)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "short",
		FullName: "Alice Payer",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "",
		Password: "strongpassword",
		FullName: "",
	}); err == nil {
		t.Fatal("expected validation error for missing fields")
	}
}

func TestService_DuplicateAccount(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "strongpassword",
		FullName: "Alice Payer",
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateAccount) {
		t.Fatalf("expected ErrDuplicateAccount, got %v", err)
	}
}

func TestService_ResolveByEmailAndUsername(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	user, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "bob@example.com",
		Username: "bob",
		Password: "strongpassword",
		FullName: "Bob Payee",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	byEmail, err := svc.Resolve(context.Background(), "bob@example.com")
	if err != nil {
		t.Fatalf("resolve by email: %v", err)
	}
	if byEmail.ID != user.ID {
		t.Fatalf("resolve by email: expected %q got %q", user.ID, byEmail.ID)
	}

	byUsername, err := svc.Resolve(context.Background(), "bob")
	if err != nil {
		t.Fatalf("resolve by username: %v", err)
	}
	if byUsername.ID != user.ID {
		t.Fatalf("resolve by username: expected %q got %q", user.ID, byUsername.ID)
	}

	if _, err := svc.Resolve(context.Background(), "ghost@example.com"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@example.com",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

type fakeRepository struct {
	usersByEmail    map[string]User
	usersByUsername map[string]User
	usersByID       map[string]User
	nextID          int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		usersByEmail:    make(map[string]User),
		usersByUsername: make(map[string]User),
		usersByID:       make(map[string]User),
		nextID:          1,
	}
}

func (f *fakeRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	if _, exists := f.usersByEmail[strings.ToLower(params.Email)]; exists {
		return User{}, ErrDuplicateAccount
	}
	if _, exists := f.usersByUsername[strings.ToLower(params.Username)]; exists {
		return User{}, ErrDuplicateAccount
	}

	id := fmt.Sprintf("user-%d", f.nextID)
	f.nextID++
	role := params.Role
	if role == "" {
		role = RoleMember
	}

	user := User{
		ID:           id,
		Email:        params.Email,
		Username:     params.Username,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	f.usersByEmail[strings.ToLower(user.Email)] = user
	f.usersByUsername[strings.ToLower(user.Username)] = user
	f.usersByID[user.ID] = user

	return user, nil
}

func (f *fakeRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, ok := f.usersByID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) GetUserByIdentifier(ctx context.Context, identifier string) (User, error) {
	key := strings.ToLower(strings.TrimSpace(identifier))
	if strings.Contains(key, "@") {
		if user, ok := f.usersByEmail[key]; ok {
			return user, nil
		}
		return User{}, ErrUserNotFound
	}
	if user, ok := f.usersByUsername[key]; ok {
		return user, nil
	}
	return User{}, ErrUserNotFound
}
