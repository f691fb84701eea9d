package party

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
		Email:    "warehouse@example.com",
		Password: "supersafe",
		FullName: "Warehouse Operator",
	}

	ctx := context.Background()
	p, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}

	if p.Email != req.Email {
		t.Fatalf("expected email %q got %q", req.Email, p.Email)
	}
	if p.Role != RoleOperator {
		t.Fatalf("register: expected default role %s got %s", RoleOperator, p.Role)
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.Party.ID != p.ID {
		t.Fatalf("login: expected party id %q got %q", p.ID, resp.Party.ID)
	}

	tokenPartyID, tokenRole, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if tokenPartyID != p.ID {
		t.Fatalf("verify token: expected %q got %q", p.ID, tokenPartyID)
	}
	if tokenRole != RoleOperator {
		t.Fatalf("verify token: expected role %s got %s", RoleOperator, tokenRole)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "warehouse@example.com",
		Password: "short",
		FullName: "Warehouse Operator",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "",
		Password: "strongpassword",
		FullName: "",
	}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing fields, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "warehouse@example.com",
		Password: "strongpassword",
		FullName: "Warehouse Operator",
		Role:     "auditor",
	}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown role, got %v", err)
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "warehouse@example.com",
		Password: "strongpassword",
		FullName: "Warehouse Operator",
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
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
	byEmail map[string]Party
	byID    map[string]Party
	nextID  int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		byEmail: make(map[string]Party),
		byID:    make(map[string]Party),
		nextID:  1,
	}
}

func (f *fakeRepository) Create(ctx context.Context, params CreateParams) (Party, error) {
	if _, exists := f.byEmail[strings.ToLower(params.Email)]; exists {
		return Party{}, ErrDuplicateEmail
	}

	id := fmt.Sprintf("party-%d", f.nextID)
	f.nextID++

	p := Party{
		ID:           id,
		Email:        params.Email,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		Role:         params.Role,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	f.byEmail[strings.ToLower(p.Email)] = p
	f.byID[p.ID] = p

	return p, nil
}

func (f *fakeRepository) GetByEmail(ctx context.Context, email string) (Party, error) {
	p, ok := f.byEmail[strings.ToLower(email)]
	if !ok {
		return Party{}, ErrPartyNotFound
	}
	return p, nil
}

func (f *fakeRepository) GetByID(ctx context.Context, partyID string) (Party, error) {
	p, ok := f.byID[partyID]
	if !ok {
		return Party{}, ErrPartyNotFound
	}
	return p, nil
}
