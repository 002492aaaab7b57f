package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"billdesk/backend/internal/domain"
	"billdesk/backend/internal/store"
	"billdesk/backend/internal/xid"
)

type Store struct {
	db          *sql.DB
	billPrefix  string
	lockTimeout time.Duration
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

func New(ctx context.Context, databaseURL string, billPrefix string, lockTimeout time.Duration) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if billPrefix == "" {
		billPrefix = "BILL"
	}
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	return &Store{db: db, billPrefix: billPrefix, lockTimeout: lockTimeout}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// RunInTx runs fn in one READ COMMITTED transaction. Row locks taken by
// conditional updates give up after the configured lock timeout and surface
// as store.ErrBusy. Nested calls join the outer transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = pgTx.Rollback() }()

	if _, err := pgTx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return mapError(err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, pgTx)); err != nil {
		return mapError(err)
	}
	return mapError(pgTx.Commit())
}

func (s *Store) CreateItem(ctx context.Context, item domain.Item) (*domain.Item, error) {
	item.Name = strings.TrimSpace(item.Name)
	if item.Name == "" || item.Stock < 0 || item.SalePrice.IsNegative() || item.CostPrice.IsNegative() {
		return nil, store.ErrInvalidItem
	}
	if item.ID == "" {
		item.ID = xid.New("itm")
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO items (id, name, category, cost_price, sale_price, stock, created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
	`, item.ID, item.Name, item.Category, item.CostPrice, item.SalePrice, item.Stock, item.CreatedBy, item.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: item %s already exists", store.ErrInvalidItem, item.ID)
		}
		return nil, mapError(err)
	}
	created := item
	return &created, nil
}

func (s *Store) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	var item domain.Item
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT id, name, category, cost_price, sale_price, stock, created_by, created_at
		FROM items
		WHERE id = $1
	`, id).Scan(&item.ID, &item.Name, &item.Category, &item.CostPrice, &item.SalePrice, &item.Stock, &item.CreatedBy, &item.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("item %s: %w", id, store.ErrNotFound)
		}
		return nil, mapError(err)
	}
	item.CreatedAt = item.CreatedAt.UTC()
	return &item, nil
}

func (s *Store) ListItems(ctx context.Context, filter domain.ItemFilter) ([]domain.Item, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT id, name, category, cost_price, sale_price, stock, created_by, created_at
		FROM items
		WHERE ($1 = '' OR created_by = $1)
			AND ($2 = '' OR lower(category) = lower($2))
		ORDER BY name, id
	`, filter.CreatedBy, filter.Category)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	items := make([]domain.Item, 0, 64)
	for rows.Next() {
		var item domain.Item
		if err := rows.Scan(&item.ID, &item.Name, &item.Category, &item.CostPrice, &item.SalePrice, &item.Stock, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.CreatedAt = item.CreatedAt.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) Reserve(ctx context.Context, id string, qty int) error {
	item, err := s.GetItem(ctx, id)
	if err != nil {
		return err
	}
	if qty > item.Stock {
		return &store.InsufficientStockError{ItemID: id, Requested: qty, Available: item.Stock}
	}
	return nil
}

// ApplyDelta moves stock with a single conditional update so the row can
// never be written below zero, whatever the caller checked beforehand.
func (s *Store) ApplyDelta(ctx context.Context, id string, delta int) (int, error) {
	var next int
	err := s.conn(ctx).QueryRowContext(ctx, `
		UPDATE items
		SET stock = stock + $2, updated_at = now()
		WHERE id = $1 AND stock + $2 >= 0
		RETURNING stock
	`, id, delta).Scan(&next)
	if err == nil {
		return next, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, mapError(err)
	}

	item, getErr := s.GetItem(ctx, id)
	if getErr != nil {
		return 0, getErr
	}
	return 0, &store.InsufficientStockError{ItemID: id, Requested: -delta, Available: item.Stock}
}

func (s *Store) CreateBill(ctx context.Context, bill domain.Bill) (*domain.Bill, error) {
	if len(bill.Lines) == 0 {
		return nil, store.ErrInvalidBill
	}
	if bill.CreatedAt.IsZero() {
		bill.CreatedAt = time.Now().UTC()
	}
	bill.UpdatedAt = bill.CreatedAt
	if bill.Status == "" {
		bill.Status = domain.StatusActive
	}

	err := s.RunInTx(ctx, func(ctx context.Context) error {
		q := s.conn(ctx)
		var seq int64
		if err := q.QueryRowContext(ctx, `SELECT nextval('bill_number_seq')`).Scan(&seq); err != nil {
			return err
		}
		bill.Number = xid.BillNumber(s.billPrefix, seq)

		_, err := q.ExecContext(ctx, `
			INSERT INTO bills (
				number, seq, kind, status, customer, created_by, total_amount,
				parent_bill_number, child_bill_number, void_reason, created_at, updated_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, bill.Number, seq, bill.Kind, bill.Status, bill.Customer, bill.CreatedBy, bill.TotalAmount,
			nullIfEmpty(bill.ParentBillNumber), nullIfEmpty(bill.ChildBillNumber), bill.VoidReason, bill.CreatedAt, bill.UpdatedAt)
		if err != nil {
			return err
		}

		for i, line := range bill.Lines {
			_, err := q.ExecContext(ctx, `
				INSERT INTO bill_lines (bill_number, line_no, item_id, name, quantity, unit_price)
				VALUES ($1,$2,$3,$4,$5,$6)
			`, bill.Number, i+1, line.ItemID, line.Name, line.Quantity, line.UnitPrice)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	created := bill
	created.Lines = append([]domain.BillLine(nil), bill.Lines...)
	return &created, nil
}

const billColumns = `number, kind, status, customer, created_by, total_amount,
	COALESCE(parent_bill_number, ''), COALESCE(child_bill_number, ''), void_reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBill(row rowScanner) (domain.Bill, error) {
	var bill domain.Bill
	err := row.Scan(&bill.Number, &bill.Kind, &bill.Status, &bill.Customer, &bill.CreatedBy, &bill.TotalAmount,
		&bill.ParentBillNumber, &bill.ChildBillNumber, &bill.VoidReason, &bill.CreatedAt, &bill.UpdatedAt)
	bill.CreatedAt = bill.CreatedAt.UTC()
	bill.UpdatedAt = bill.UpdatedAt.UTC()
	return bill, err
}

func (s *Store) GetBill(ctx context.Context, number string) (*domain.Bill, error) {
	bill, err := scanBill(s.conn(ctx).QueryRowContext(ctx, `SELECT `+billColumns+` FROM bills WHERE number = $1`, number))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("bill %s: %w", number, store.ErrNotFound)
		}
		return nil, mapError(err)
	}

	lines, err := s.billLines(ctx, []string{number})
	if err != nil {
		return nil, err
	}
	bill.Lines = lines[number]
	return &bill, nil
}

func (s *Store) billLines(ctx context.Context, numbers []string) (map[string][]domain.BillLine, error) {
	out := make(map[string][]domain.BillLine, len(numbers))
	if len(numbers) == 0 {
		return out, nil
	}
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT bill_number, item_id, name, quantity, unit_price
		FROM bill_lines
		WHERE bill_number = ANY($1)
		ORDER BY bill_number, line_no
	`, numbers)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var number string
		var line domain.BillLine
		var price decimal.Decimal
		if err := rows.Scan(&number, &line.ItemID, &line.Name, &line.Quantity, &price); err != nil {
			return nil, err
		}
		line.UnitPrice = price
		out[number] = append(out[number], line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) SetBillStatus(ctx context.Context, number string, from domain.BillStatus, to domain.BillStatus, reason string) (*domain.Bill, error) {
	if !from.CanTransition(to) {
		return nil, fmt.Errorf("%w: cannot move %s -> %s", store.ErrInvalidTransition, from, to)
	}
	if to != domain.StatusVoid {
		reason = ""
	}

	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE bills
		SET status = $3,
			void_reason = CASE WHEN $3 = 'VOID' THEN $4 ELSE void_reason END,
			updated_at = now()
		WHERE number = $1 AND status = $2
	`, number, from, to, reason)
	if err != nil {
		return nil, mapError(err)
	}
	if err := s.expectOneRow(ctx, res, number, store.ErrInvalidTransition); err != nil {
		return nil, err
	}
	return s.GetBill(ctx, number)
}

func (s *Store) SetChildBill(ctx context.Context, parent string, previousChild string, child string) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE bills
		SET child_bill_number = $3, updated_at = now()
		WHERE number = $1 AND COALESCE(child_bill_number, '') = $2
	`, parent, previousChild, nullIfEmpty(child))
	if err != nil {
		return mapError(err)
	}
	return s.expectOneRow(ctx, res, parent, store.ErrAlreadyLinked)
}

// expectOneRow turns a compare-and-set update that matched nothing into
// ErrNotFound when the bill is missing and into conflict otherwise.
func (s *Store) expectOneRow(ctx context.Context, res sql.Result, number string, conflict error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	if _, err := s.GetBill(ctx, number); err != nil {
		return err
	}
	return fmt.Errorf("%w: bill %s changed", conflict, number)
}

func (s *Store) ListBills(ctx context.Context, filter domain.BillFilter) ([]domain.Bill, error) {
	where := make([]string, 0, 6)
	args := make([]any, 0, 7)
	add := func(clause string, val any) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Kind != "" {
		add("kind = $%d", filter.Kind)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.Customer != "" {
		add("lower(customer) = lower($%d)", filter.Customer)
	}
	if filter.CreatedBy != "" {
		add("created_by = $%d", filter.CreatedBy)
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at < $%d", filter.To)
	}

	query := `SELECT ` + billColumns + ` FROM bills`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	bills := make([]domain.Bill, 0, 64)
	for rows.Next() {
		bill, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, bill)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// oldest first, matching bill number order
	for i, j := 0, len(bills)-1; i < j; i, j = i+1, j-1 {
		bills[i], bills[j] = bills[j], bills[i]
	}

	numbers := make([]string, 0, len(bills))
	for _, bill := range bills {
		numbers = append(numbers, bill.Number)
	}
	lines, err := s.billLines(ctx, numbers)
	if err != nil {
		return nil, err
	}
	for i := range bills {
		bills[i].Lines = lines[bills[i].Number]
	}
	return bills, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return mapError(err)
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1
			AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || user.Password == "" {
		return fmt.Errorf("%w: username and password hash are required", store.ErrInvalidUser)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username %s already exists", store.ErrInvalidUser, user.Username)
		}
		return mapError(err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	var user domain.UserAccount
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		WHERE username = $1
	`, username).Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", username, store.ErrNotFound)
	}
	if err != nil {
		return nil, mapError(err)
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context, role string) ([]domain.UserAccount, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		WHERE $1 = '' OR role = $1
		ORDER BY username ASC
	`, role)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) SetUserActive(ctx context.Context, username string, active bool) error {
	username = strings.ToLower(strings.TrimSpace(username))
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE app_users
		SET active = $2, updated_at = now()
		WHERE username = $1
	`, username, active)
	if err != nil {
		return mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("user %s: %w", username, store.ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// mapError converts lock and serialization failures into store.ErrBusy and
// a stock check violation into ErrInsufficientStock. Everything else passes
// through unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "55P03", "40001", "40P01":
		return fmt.Errorf("%w: %s", store.ErrBusy, pgErr.Message)
	case "23514":
		if strings.Contains(pgErr.ConstraintName, "stock") {
			return fmt.Errorf("%w: %s", store.ErrInsufficientStock, pgErr.Message)
		}
	}
	return err
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
