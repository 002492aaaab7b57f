package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"billdesk/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidBill       = errors.New("invalid bill")
	ErrInvalidItem       = errors.New("invalid item")
	ErrInvalidUser       = errors.New("invalid user")
	ErrInvalidTransition = errors.New("invalid bill status transition")
	ErrAlreadyLinked     = errors.New("bill already has an active derivative")
	ErrLineageCycle      = errors.New("lineage cycle detected")
	ErrBusy              = errors.New("resource busy, retry later")
	ErrForbidden         = errors.New("forbidden")
)

// InsufficientStockError names the first item that could not be satisfied.
type InsufficientStockError struct {
	ItemID    string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for item %s: requested %d, available %d", e.ItemID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// ItemStore owns item records and is the single place stock changes.
type ItemStore interface {
	GetItem(ctx context.Context, id string) (*domain.Item, error)
	ListItems(ctx context.Context, filter domain.ItemFilter) ([]domain.Item, error)
	CreateItem(ctx context.Context, item domain.Item) (*domain.Item, error)
	Reserve(ctx context.Context, id string, qty int) error
	ApplyDelta(ctx context.Context, id string, delta int) (int, error)
}

type BillLedger interface {
	CreateBill(ctx context.Context, bill domain.Bill) (*domain.Bill, error)
	GetBill(ctx context.Context, number string) (*domain.Bill, error)
	SetBillStatus(ctx context.Context, number string, from domain.BillStatus, to domain.BillStatus, reason string) (*domain.Bill, error)
	SetChildBill(ctx context.Context, parent string, previousChild string, child string) error
	ListBills(ctx context.Context, filter domain.BillFilter) ([]domain.Bill, error)
}

// Transactor groups store writes so they commit together or not at all.
// Writes made through ctx inside fn are invisible to other callers until fn
// returns nil.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type AuditStore interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}

// UserStore holds accounts with already hashed passwords. Usernames are
// stored lowercased.
type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	// ListUsers returns accounts with the given role, or every account when
	// role is empty.
	ListUsers(ctx context.Context, role string) ([]domain.UserAccount, error)
	SetUserActive(ctx context.Context, username string, active bool) error
}

type Repository interface {
	ItemStore
	BillLedger
	Transactor
	AuditStore
	UserStore
}
