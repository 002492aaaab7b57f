package service

import (
	"context"
	"fmt"
	"time"

	"billdesk/backend/internal/auth"
	"billdesk/backend/internal/domain"
	"billdesk/backend/internal/store"
)

func (s *Service) CreateEditor(ctx context.Context, req domain.EditorCreateRequest) (domain.EditorUser, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.EditorUser{}, err
	}
	account, err := s.newAccount(req.Username, req.Password, domain.RoleEditor)
	if err != nil {
		return domain.EditorUser{}, err
	}
	if err := s.repo.CreateUser(ctx, account); err != nil {
		return domain.EditorUser{}, err
	}

	s.logAudit(ctx, "user.create", "user", account.Username, "role="+account.Role)
	return editorView(account), nil
}

func (s *Service) ListEditors(ctx context.Context) ([]domain.EditorUser, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	accounts, err := s.repo.ListUsers(ctx, domain.RoleEditor)
	if err != nil {
		return nil, err
	}
	editors := make([]domain.EditorUser, 0, len(accounts))
	for _, account := range accounts {
		editors = append(editors, editorView(account))
	}
	return editors, nil
}

// SetEditorActive enables or disables an editor login. Bills the editor
// created stay attributed to them. Admin accounts can not be changed here.
func (s *Service) SetEditorActive(ctx context.Context, username string, active bool) (domain.EditorUser, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.EditorUser{}, err
	}
	account, err := s.repo.GetUser(ctx, username)
	if err != nil {
		return domain.EditorUser{}, err
	}
	if account.Role != domain.RoleEditor {
		return domain.EditorUser{}, fmt.Errorf("%w: %s is not an editor", store.ErrInvalidUser, account.Username)
	}
	if account.Active != active {
		if err := s.repo.SetUserActive(ctx, account.Username, active); err != nil {
			return domain.EditorUser{}, err
		}
		account.Active = active
		s.logAudit(ctx, "user.set_active", "user", account.Username, fmt.Sprintf("active=%t", active))
	}
	return editorView(*account), nil
}

// EnsureAdmin creates the first admin account when the store has none and
// reports whether it did.
func (s *Service) EnsureAdmin(ctx context.Context, username string, password string) (bool, error) {
	admins, err := s.repo.ListUsers(ctx, domain.RoleAdmin)
	if err != nil {
		return false, err
	}
	if len(admins) > 0 {
		return false, nil
	}
	account, err := s.newAccount(username, password, domain.RoleAdmin)
	if err != nil {
		return false, fmt.Errorf("no admin account exists: %w", err)
	}
	if err := s.repo.CreateUser(ctx, account); err != nil {
		return false, err
	}

	s.logAudit(ctx, "user.bootstrap_admin", "user", account.Username, "role="+account.Role)
	s.logger.Info("created bootstrap admin", "username", account.Username)
	return true, nil
}

func (s *Service) newAccount(rawUsername string, password string, role string) (domain.UserAccount, error) {
	username, err := auth.NormalizeUsername(rawUsername)
	if err != nil {
		return domain.UserAccount{}, err
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.UserAccount{}, err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.UserAccount{}, err
	}
	return domain.UserAccount{
		Username:  username,
		Password:  hash,
		Role:      role,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func editorView(account domain.UserAccount) domain.EditorUser {
	return domain.EditorUser{
		Username:  account.Username,
		Role:      account.Role,
		Active:    account.Active,
		CreatedAt: account.CreatedAt,
	}
}
