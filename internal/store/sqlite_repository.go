package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kijumbe/ledger-service/internal/domain"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// Ensure both backends implement Repository.
var (
	_ Repository = (*SQLiteRepository)(nil)
	_ Repository = (*PostgresRepository)(nil)
)

// SQLiteRepository implements Repository on a local SQLite file. It backs
// local development and the engine tests.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository opens (creating if needed) the database at dbPath and
// runs migrations.
func NewSQLiteRepository(ctx context.Context, dbPath string) (*SQLiteRepository, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storeError("open sqlite", err)
	}
	// SQLite serializes writers; one connection keeps conditional updates
	// from failing with SQLITE_BUSY under concurrent callers.
	db.SetMaxOpenConns(1)

	repo := &SQLiteRepository{db: db, now: time.Now}
	if err := repo.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, sqliteSchema); err != nil {
		return storeError("migrate", err)
	}
	return nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: nanos(*t), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeError("rows affected", err)
	}
	return n, nil
}

// --- Groups ---

func (r *SQLiteRepository) CreateGroup(ctx context.Context, g *domain.Group) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	stampCreated(&g.CreatedAt, &g.UpdatedAt, r.now)
	if g.CycleStartedAt.IsZero() {
		g.CycleStartedAt = g.CreatedAt
	}
	if err := validateGroup(g); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO kijumbe_groups (`+groupColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID.String(), g.Name, g.ContributionAmount, g.MaxMembers, g.RotationDurationMonths, g.CurrentRotation,
		nanos(g.CycleStartedAt), string(g.Status), nanos(g.CreatedAt), nanos(g.UpdatedAt),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return storeError("create group", err)
	}
	return nil
}

func scanSQLiteGroup(row rowScanner) (*domain.Group, error) {
	var g domain.Group
	var status string
	var cycleStarted, created, updated int64
	if err := row.Scan(&g.ID, &g.Name, &g.ContributionAmount, &g.MaxMembers, &g.RotationDurationMonths,
		&g.CurrentRotation, &cycleStarted, &status, &created, &updated); err != nil {
		return nil, err
	}
	g.Status = domain.GroupStatus(status)
	g.CycleStartedAt = fromNanos(cycleStarted)
	g.CreatedAt = fromNanos(created)
	g.UpdatedAt = fromNanos(updated)
	return &g, nil
}

func (r *SQLiteRepository) GetGroup(ctx context.Context, groupID uuid.UUID) (*domain.Group, error) {
	g, err := scanSQLiteGroup(r.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM kijumbe_groups WHERE id = ?`, groupID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrGroupNotFound
		}
		return nil, storeError("get group", err)
	}
	return g, nil
}

func (r *SQLiteRepository) ListGroupsByStatus(ctx context.Context, status domain.GroupStatus) ([]domain.Group, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+groupColumns+` FROM kijumbe_groups WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, storeError("list groups", err)
	}
	defer rows.Close()

	var groups []domain.Group
	for rows.Next() {
		g, err := scanSQLiteGroup(rows)
		if err != nil {
			return nil, storeError("scan group", err)
		}
		groups = append(groups, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list groups", err)
	}
	return groups, nil
}

func (r *SQLiteRepository) AdvanceGroupRotation(ctx context.Context, groupID uuid.UUID, fromRotation int, next RotationAdvance) error {
	if next.Rotation <= fromRotation || !next.Status.Valid() {
		return invalid("rotation must advance forward")
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE kijumbe_groups
		SET current_rotation = ?, status = ?, cycle_started_at = ?, updated_at = ?
		WHERE id = ? AND current_rotation = ? AND status = 'active'`,
		next.Rotation, string(next.Status), nanos(next.CycleStartedAt), nanos(r.now()), groupID.String(), fromRotation,
	)
	if err != nil {
		return storeError("advance rotation", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.GetGroup(ctx, groupID); err != nil {
			return err
		}
		return ErrConditionFailed
	}
	return nil
}

// --- Members ---

func (r *SQLiteRepository) CreateMember(ctx context.Context, m *domain.Member) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	stampCreated(&m.JoinedAt, &m.UpdatedAt, r.now)
	if err := validateMember(m); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO group_members (`+memberColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.GroupID.String(), m.UserID.String(), m.PhoneNumber, m.MemberNumber, m.RotationOrder,
		string(m.Status), nanos(m.JoinedAt), nanos(m.UpdatedAt),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return storeError("create member", err)
	}
	return nil
}

func scanSQLiteMember(row rowScanner) (*domain.Member, error) {
	var m domain.Member
	var status string
	var joined, updated int64
	if err := row.Scan(&m.ID, &m.GroupID, &m.UserID, &m.PhoneNumber, &m.MemberNumber, &m.RotationOrder,
		&status, &joined, &updated); err != nil {
		return nil, err
	}
	m.Status = domain.MemberStatus(status)
	m.JoinedAt = fromNanos(joined)
	m.UpdatedAt = fromNanos(updated)
	return &m, nil
}

func (r *SQLiteRepository) FindMember(ctx context.Context, groupID, userID uuid.UUID) (*domain.Member, error) {
	m, err := scanSQLiteMember(r.db.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM group_members WHERE group_id = ? AND user_id = ?`, groupID.String(), userID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, storeError("find member", err)
	}
	return m, nil
}

func (r *SQLiteRepository) ListMembers(ctx context.Context, groupID uuid.UUID, statuses ...domain.MemberStatus) ([]domain.Member, error) {
	w := &whereBuilder{d: sqliteDialect}
	w.eq("group_id", groupID.String())
	w.in("status", memberStatusArgs(statuses))

	rows, err := r.db.QueryContext(ctx, `SELECT `+memberColumns+` FROM group_members`+w.String()+` ORDER BY member_number`, w.args...)
	if err != nil {
		return nil, storeError("list members", err)
	}
	defer rows.Close()

	var members []domain.Member
	for rows.Next() {
		m, err := scanSQLiteMember(rows)
		if err != nil {
			return nil, storeError("scan member", err)
		}
		members = append(members, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list members", err)
	}
	return members, nil
}

func (r *SQLiteRepository) UpdateMemberRotationOrders(ctx context.Context, groupID uuid.UUID, orders map[uuid.UUID]int) error {
	if len(orders) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin rotation update", err)
	}
	defer tx.Rollback()

	now := nanos(r.now())
	for memberID, order := range orders {
		if order < 1 {
			return invalid("rotation order must be at least 1")
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE group_members SET rotation_order = ?, updated_at = ? WHERE id = ? AND group_id = ?`,
			order, now, memberID.String(), groupID.String())
		if err != nil {
			return storeError("update rotation order", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrMemberNotFound
		}
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit rotation update", err)
	}
	return nil
}

func (r *SQLiteRepository) UpdateMemberStatus(ctx context.Context, memberID uuid.UUID, status domain.MemberStatus) error {
	if !status.Valid() {
		return invalid("unknown member status %q", status)
	}
	res, err := r.db.ExecContext(ctx, `UPDATE group_members SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), nanos(r.now()), memberID.String())
	if err != nil {
		return storeError("update member status", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// --- Transactions ---

func (r *SQLiteRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	stampCreated(&tx.CreatedAt, &tx.UpdatedAt, r.now)
	if err := validateTransaction(tx); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO ledger_transactions (`+transactionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID.String(), tx.GroupID.String(), tx.UserID.String(), string(tx.Type), tx.Amount, string(tx.Status),
		tx.PaymentReference, tx.OverdraftID, tx.Rotation, tx.Description, nanos(tx.CreatedAt), nanos(tx.UpdatedAt),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return storeError("create transaction", err)
	}
	return nil
}

func scanSQLiteTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var txType, status string
	var created, updated int64
	if err := row.Scan(&tx.ID, &tx.GroupID, &tx.UserID, &txType, &tx.Amount, &status, &tx.PaymentReference,
		&tx.OverdraftID, &tx.Rotation, &tx.Description, &created, &updated); err != nil {
		return nil, err
	}
	tx.Type = domain.TransactionType(txType)
	tx.Status = domain.Status(status)
	tx.CreatedAt = fromNanos(created)
	tx.UpdatedAt = fromNanos(updated)
	return &tx, nil
}

func (r *SQLiteRepository) GetTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	tx, err := scanSQLiteTransaction(r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM ledger_transactions WHERE id = ?`, transactionID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, storeError("get transaction", err)
	}
	return tx, nil
}

// sqliteFilter converts uuid filter fields to the TEXT form SQLite stores.
func sqliteFilter(f TransactionFilter) (string, []any) {
	where, args := transactionWhere(sqliteDialect, f)
	for i, arg := range args {
		if id, ok := arg.(uuid.UUID); ok {
			args[i] = id.String()
		}
	}
	return where, args
}

func (r *SQLiteRepository) FindTransactions(ctx context.Context, filter TransactionFilter) ([]domain.Transaction, error) {
	where, args := sqliteFilter(filter)
	rows, err := r.db.QueryContext(ctx, `SELECT `+transactionColumns+` FROM ledger_transactions`+where+transactionOrderLimit(filter), args...)
	if err != nil {
		return nil, storeError("find transactions", err)
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		tx, err := scanSQLiteTransaction(rows)
		if err != nil {
			return nil, storeError("scan transaction", err)
		}
		txs = append(txs, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("find transactions", err)
	}
	return txs, nil
}

func (r *SQLiteRepository) SumTransactions(ctx context.Context, filter TransactionFilter) (map[domain.TransactionType]int64, error) {
	where, args := sqliteFilter(filter)
	rows, err := r.db.QueryContext(ctx, `SELECT type, COALESCE(SUM(amount), 0) FROM ledger_transactions`+where+` GROUP BY type`, args...)
	if err != nil {
		return nil, storeError("sum transactions", err)
	}
	defer rows.Close()

	sums := make(map[domain.TransactionType]int64)
	for rows.Next() {
		var txType string
		var total int64
		if err := rows.Scan(&txType, &total); err != nil {
			return nil, storeError("scan sum", err)
		}
		sums[domain.TransactionType(txType)] = total
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("sum transactions", err)
	}
	return sums, nil
}

func (r *SQLiteRepository) TransitionTransactionStatus(ctx context.Context, transactionID uuid.UUID, from, to domain.Status) error {
	if err := validateStatusMove(from, to); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE ledger_transactions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), nanos(r.now()), transactionID.String(), string(from))
	if err != nil {
		return storeError("transition transaction", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.GetTransaction(ctx, transactionID); err != nil {
			return err
		}
		return ErrConditionFailed
	}
	return nil
}

// --- Payments ---

func (r *SQLiteRepository) CreatePayment(ctx context.Context, p *domain.Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	stampCreated(&p.CreatedAt, &p.UpdatedAt, r.now)
	if err := validatePayment(p); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO payments (`+paymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.GroupID.String(), p.UserID.String(), string(p.PaymentType), p.Amount, p.PhoneNumber,
		p.PaymentReference, p.GatewayTransactionID, string(p.Status), p.FailureReason, nanos(p.CreatedAt), nanos(p.UpdatedAt),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return storeError("create payment", err)
	}
	return nil
}

func (r *SQLiteRepository) FindPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	var p domain.Payment
	var paymentType, status string
	var created, updated int64
	err := r.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE payment_reference = ?`, reference).Scan(
		&p.ID, &p.GroupID, &p.UserID, &paymentType, &p.Amount, &p.PhoneNumber, &p.PaymentReference,
		&p.GatewayTransactionID, &status, &p.FailureReason, &created, &updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, storeError("find payment", err)
	}
	p.PaymentType = domain.TransactionType(paymentType)
	p.Status = domain.Status(status)
	p.CreatedAt = fromNanos(created)
	p.UpdatedAt = fromNanos(updated)
	return &p, nil
}

func (r *SQLiteRepository) TransitionPaymentStatus(ctx context.Context, reference string, from, to domain.Status, update PaymentUpdate) error {
	if err := validateStatusMove(from, to); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE payments
		SET status = ?,
		    gateway_transaction_id = COALESCE(?, gateway_transaction_id),
		    failure_reason = COALESCE(?, failure_reason),
		    updated_at = ?
		WHERE payment_reference = ? AND status = ?`,
		string(to), update.GatewayTransactionID, update.FailureReason, nanos(r.now()), reference, string(from))
	if err != nil {
		return storeError("transition payment", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.FindPaymentByReference(ctx, reference); err != nil {
			return err
		}
		return ErrConditionFailed
	}
	return nil
}

func (r *SQLiteRepository) SetPaymentGatewayTransactionID(ctx context.Context, reference, gatewayTransactionID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE payments SET gateway_transaction_id = ?, updated_at = ?
		WHERE payment_reference = ? AND gateway_transaction_id IS NULL`,
		gatewayTransactionID, nanos(r.now()), reference)
	if err != nil {
		return storeError("set gateway transaction id", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.FindPaymentByReference(ctx, reference); err != nil {
			return err
		}
	}
	return nil
}

// --- Overdrafts ---

func (r *SQLiteRepository) CreateOverdraft(ctx context.Context, o *domain.Overdraft) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.Version == 0 {
		o.Version = 1
	}
	stampCreated(&o.CreatedAt, &o.UpdatedAt, r.now)
	if err := validateOverdraft(o); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO overdrafts (`+overdraftColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID.String(), o.GroupID.String(), o.UserID.String(), o.Amount, o.Purpose, o.RepaymentPeriodMonths,
		o.InterestRate, string(o.Status), o.RepaidAmount, nullNanos(o.DueDate), nullNanos(o.ApprovedAt),
		nullNanos(o.ActivatedAt), o.Version, nanos(o.CreatedAt), nanos(o.UpdatedAt),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return storeError("create overdraft", err)
	}
	return nil
}

func scanSQLiteOverdraft(row rowScanner) (*domain.Overdraft, error) {
	var o domain.Overdraft
	var status string
	var due, approved, activated sql.NullInt64
	var created, updated int64
	if err := row.Scan(&o.ID, &o.GroupID, &o.UserID, &o.Amount, &o.Purpose, &o.RepaymentPeriodMonths,
		&o.InterestRate, &status, &o.RepaidAmount, &due, &approved, &activated, &o.Version,
		&created, &updated); err != nil {
		return nil, err
	}
	o.Status = domain.OverdraftStatus(status)
	o.DueDate = fromNullNanos(due)
	o.ApprovedAt = fromNullNanos(approved)
	o.ActivatedAt = fromNullNanos(activated)
	o.CreatedAt = fromNanos(created)
	o.UpdatedAt = fromNanos(updated)
	return &o, nil
}

func (r *SQLiteRepository) GetOverdraft(ctx context.Context, overdraftID uuid.UUID) (*domain.Overdraft, error) {
	o, err := scanSQLiteOverdraft(r.db.QueryRowContext(ctx, `SELECT `+overdraftColumns+` FROM overdrafts WHERE id = ?`, overdraftID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOverdraftNotFound
		}
		return nil, storeError("get overdraft", err)
	}
	return o, nil
}

func (r *SQLiteRepository) FindOpenOverdraft(ctx context.Context, groupID, userID uuid.UUID) (*domain.Overdraft, error) {
	w := &whereBuilder{d: sqliteDialect}
	w.eq("group_id", groupID.String())
	w.eq("user_id", userID.String())
	w.in("status", overdraftOpenArgs())

	o, err := scanSQLiteOverdraft(r.db.QueryRowContext(ctx, `SELECT `+overdraftColumns+` FROM overdrafts`+w.String()+` LIMIT 1`, w.args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOverdraftNotFound
		}
		return nil, storeError("find open overdraft", err)
	}
	return o, nil
}

func (r *SQLiteRepository) ListOverdraftsByStatus(ctx context.Context, status domain.OverdraftStatus) ([]domain.Overdraft, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+overdraftColumns+` FROM overdrafts WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, storeError("list overdrafts", err)
	}
	defer rows.Close()

	var overdrafts []domain.Overdraft
	for rows.Next() {
		o, err := scanSQLiteOverdraft(rows)
		if err != nil {
			return nil, storeError("scan overdraft", err)
		}
		overdrafts = append(overdrafts, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list overdrafts", err)
	}
	return overdrafts, nil
}

func (r *SQLiteRepository) UpdateOverdraft(ctx context.Context, o *domain.Overdraft) error {
	if err := validateOverdraft(o); err != nil {
		return err
	}
	now := r.now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE overdrafts
		SET status = ?, repaid_amount = ?, due_date = ?, approved_at = ?, activated_at = ?,
		    version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(o.Status), o.RepaidAmount, nullNanos(o.DueDate), nullNanos(o.ApprovedAt), nullNanos(o.ActivatedAt),
		nanos(now), o.ID.String(), o.Version)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return storeError("update overdraft", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.GetOverdraft(ctx, o.ID); err != nil {
			return err
		}
		return ErrConditionFailed
	}
	o.Version++
	o.UpdatedAt = now
	return nil
}
