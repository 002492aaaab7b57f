package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleAdmin  = "admin"
	RoleEditor = "editor"
)

type BillKind string

const (
	KindSale     BillKind = "SALE"
	KindExchange BillKind = "EXCHANGE"
	KindReturn   BillKind = "RETURN"
)

func (k BillKind) Valid() bool {
	switch k {
	case KindSale, KindExchange, KindReturn:
		return true
	}
	return false
}

type BillStatus string

const (
	StatusActive    BillStatus = "ACTIVE"
	StatusExchanged BillStatus = "EXCHANGED"
	StatusReturned  BillStatus = "RETURNED"
	StatusVoid      BillStatus = "VOID"
)

// CanTransition reports whether a bill may move from s to next. Transitions
// only move forward and VOID is terminal.
func (s BillStatus) CanTransition(next BillStatus) bool {
	switch s {
	case StatusActive:
		return next == StatusExchanged || next == StatusReturned || next == StatusVoid
	case StatusExchanged, StatusReturned:
		return next == StatusVoid
	default:
		return false
	}
}

func (s BillStatus) Valid() bool {
	switch s {
	case StatusActive, StatusExchanged, StatusReturned, StatusVoid:
		return true
	}
	return false
}

// Transition is the closed set of ways a bill can come into existence:
// Sale, Exchange or Return. Only types in this package implement it.
type Transition interface {
	Kind() BillKind
	ParentBillNumber() string
	isTransition()
}

type Sale struct{}

func (Sale) Kind() BillKind           { return KindSale }
func (Sale) ParentBillNumber() string { return "" }
func (Sale) isTransition()            {}

type Exchange struct {
	Parent string
}

func (Exchange) Kind() BillKind             { return KindExchange }
func (e Exchange) ParentBillNumber() string { return e.Parent }
func (Exchange) isTransition()              {}

type Return struct {
	Parent string
}

func (Return) Kind() BillKind             { return KindReturn }
func (r Return) ParentBillNumber() string { return r.Parent }
func (Return) isTransition()              {}

var (
	errUnknownKind    = errors.New("unknown bill kind")
	errSaleWithParent = errors.New("sale bill can not reference a parent bill")
	errMissingParent  = errors.New("exchange and return bills require a parent bill number")
)

// NewTransition builds the transition for a bill kind as received on the wire.
func NewTransition(kind string, parent string) (Transition, error) {
	parent = strings.TrimSpace(parent)
	switch BillKind(strings.ToUpper(strings.TrimSpace(kind))) {
	case KindSale, "":
		if parent != "" {
			return nil, errSaleWithParent
		}
		return Sale{}, nil
	case KindExchange:
		if parent == "" {
			return nil, errMissingParent
		}
		return Exchange{Parent: parent}, nil
	case KindReturn:
		if parent == "" {
			return nil, errMissingParent
		}
		return Return{Parent: parent}, nil
	default:
		return nil, errUnknownKind
	}
}

type Item struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	CostPrice decimal.Decimal `json:"cost_price"`
	SalePrice decimal.Decimal `json:"sale_price"`
	Stock     int             `json:"stock"`
	Category  string          `json:"category"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
}

type ItemFilter struct {
	CreatedBy string
	Category  string
}

type ItemCreateRequest struct {
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	SalePrice    decimal.Decimal `json:"sale_price"`
	InitialStock int             `json:"initial_stock"`
}

type RestockRequest struct {
	Delta  int    `json:"delta"`
	Reason string `json:"reason"`
}

type StockLevel struct {
	ItemID string `json:"item_id"`
	Stock  int    `json:"stock"`
}

type BillLine struct {
	ItemID    string          `json:"item_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (l BillLine) Amount() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// TotalAmount sums unit price times quantity exactly and rounds to the
// currency minor unit once, at the end.
func TotalAmount(lines []BillLine) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.Amount())
	}
	return total.Round(2)
}

type Bill struct {
	Number           string          `json:"bill_number"`
	Kind             BillKind        `json:"kind"`
	Status           BillStatus      `json:"status"`
	Customer         string          `json:"customer"`
	CreatedBy        string          `json:"created_by"`
	Lines            []BillLine      `json:"lines"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	ParentBillNumber string          `json:"parent_bill_number,omitempty"`
	ChildBillNumber  string          `json:"child_bill_number,omitempty"`
	VoidReason       string          `json:"void_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Transition rebuilds the tagged variant from the stored kind and parent.
func (b Bill) Transition() Transition {
	switch b.Kind {
	case KindExchange:
		return Exchange{Parent: b.ParentBillNumber}
	case KindReturn:
		return Return{Parent: b.ParentBillNumber}
	default:
		return Sale{}
	}
}

// LineQuantities returns quantity per item id.
func (b Bill) LineQuantities() map[string]int {
	out := make(map[string]int, len(b.Lines))
	for _, line := range b.Lines {
		out[line.ItemID] += line.Quantity
	}
	return out
}

type BillFilter struct {
	Kind      BillKind
	Status    BillStatus
	Customer  string
	CreatedBy string
	From      time.Time
	To        time.Time
	Limit     int
}

type DraftLine struct {
	ItemID    string
	Quantity  int
	UnitPrice *decimal.Decimal
}

type BillDraft struct {
	Transition Transition
	Lines      []DraftLine
	Customer   string
	CreatedBy  string
}

type BillLineRequest struct {
	ItemID    string           `json:"item_id"`
	Quantity  int              `json:"quantity"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
}

type BillCreateRequest struct {
	Kind             string            `json:"kind"`
	Lines            []BillLineRequest `json:"lines"`
	Customer         string            `json:"customer"`
	ParentBillNumber string            `json:"parent_bill_number,omitempty"`
}

type BillCreateResponse struct {
	BillNumber  string          `json:"bill_number"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Bill        Bill            `json:"bill"`
}

type BillVoidRequest struct {
	Reason string `json:"reason"`
}

type ResolvedBill struct {
	Bill
	ResolvedFrom string `json:"resolved_from"`
}

type LineageEntry struct {
	BillNumber       string     `json:"bill_number"`
	Kind             BillKind   `json:"kind"`
	Status           BillStatus `json:"status"`
	ParentBillNumber string     `json:"parent_bill_number,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

type LineageResponse struct {
	BillNumber string         `json:"bill_number"`
	Current    string         `json:"current"`
	Chain      []LineageEntry `json:"chain"`
}

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type EditorCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type EditorStatusRequest struct {
	Active *bool `json:"active"`
}

type EditorUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type PartyStat struct {
	Name   string          `json:"name"`
	Bills  int             `json:"bills"`
	Amount decimal.Decimal `json:"amount"`
}

type DailySales struct {
	Date    string          `json:"date"`
	Bills   int             `json:"bills"`
	Revenue decimal.Decimal `json:"revenue"`
}

type KindCounts struct {
	Sale     int `json:"sale"`
	Exchange int `json:"exchange"`
	Return   int `json:"return"`
	Void     int `json:"void"`
}

type Dashboard struct {
	Scope           string          `json:"scope"`
	Editor          string          `json:"editor,omitempty"`
	TotalBills      int             `json:"total_bills"`
	NetSales        decimal.Decimal `json:"net_sales"`
	UniqueCustomers int             `json:"unique_customers"`
	TopEditors      []PartyStat     `json:"top_editors"`
	TopCustomers    []PartyStat     `json:"top_customers"`
	WeeklySales     []DailySales    `json:"weekly_sales"`
	Counts          KindCounts      `json:"counts"`
	GeneratedAt     time.Time       `json:"generated_at"`
}
