/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Every state change is a single conditional statement so that concurrent callers
 * (duplicate gateway callbacks, racing rotation advances, parallel repayments)
 * resolve through the database instead of in-process locks.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver and connection pool.
 * - internal/domain: The ledger's typed records.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kijumbe/ledger-service/internal/domain"
)

const pgUniqueViolation = "23505"

const (
	groupColumns       = `id, name, contribution_amount, max_members, rotation_duration_months, current_rotation, cycle_started_at, status, created_at, updated_at`
	memberColumns      = `id, group_id, user_id, phone_number, member_number, rotation_order, status, joined_at, updated_at`
	transactionColumns = `id, group_id, user_id, type, amount, status, payment_reference, overdraft_id, rotation, description, created_at, updated_at`
	paymentColumns     = `id, group_id, user_id, payment_type, amount, phone_number, payment_reference, gateway_transaction_id, status, failure_reason, created_at, updated_at`
	overdraftColumns   = `id, group_id, user_id, amount, purpose, repayment_period_months, interest_rate, status, repaid_amount, due_date, approved_at, activated_at, version, created_at, updated_at`
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db, now: time.Now}
}

func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, postgresSchema); err != nil {
		return storeError("migrate", err)
	}
	return nil
}

func (r *PostgresRepository) Close() error {
	r.db.Close()
	return nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

type rowScanner interface {
	Scan(dest ...any) error
}

// --- Groups ---

func (r *PostgresRepository) CreateGroup(ctx context.Context, g *domain.Group) error {
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
	_, err := r.db.Exec(ctx,
		`INSERT INTO kijumbe_groups (`+groupColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		g.ID, g.Name, g.ContributionAmount, g.MaxMembers, g.RotationDurationMonths, g.CurrentRotation,
		g.CycleStartedAt.UTC(), string(g.Status), g.CreatedAt.UTC(), g.UpdatedAt.UTC(),
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return storeError("create group", err)
	}
	return nil
}

func scanPgGroup(row rowScanner) (*domain.Group, error) {
	var g domain.Group
	var status string
	if err := row.Scan(&g.ID, &g.Name, &g.ContributionAmount, &g.MaxMembers, &g.RotationDurationMonths,
		&g.CurrentRotation, &g.CycleStartedAt, &status, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	g.Status = domain.GroupStatus(status)
	return &g, nil
}

func (r *PostgresRepository) GetGroup(ctx context.Context, groupID uuid.UUID) (*domain.Group, error) {
	g, err := scanPgGroup(r.db.QueryRow(ctx, `SELECT `+groupColumns+` FROM kijumbe_groups WHERE id = $1`, groupID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGroupNotFound
		}
		return nil, storeError("get group", err)
	}
	return g, nil
}

func (r *PostgresRepository) ListGroupsByStatus(ctx context.Context, status domain.GroupStatus) ([]domain.Group, error) {
	rows, err := r.db.Query(ctx, `SELECT `+groupColumns+` FROM kijumbe_groups WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, storeError("list groups", err)
	}
	defer rows.Close()

	var groups []domain.Group
	for rows.Next() {
		g, err := scanPgGroup(rows)
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

func (r *PostgresRepository) AdvanceGroupRotation(ctx context.Context, groupID uuid.UUID, fromRotation int, next RotationAdvance) error {
	if next.Rotation <= fromRotation || !next.Status.Valid() {
		return invalid("rotation must advance forward")
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE kijumbe_groups
		SET current_rotation = $3, status = $4, cycle_started_at = $5, updated_at = $6
		WHERE id = $1 AND current_rotation = $2 AND status = 'active'`,
		groupID, fromRotation, next.Rotation, string(next.Status), next.CycleStartedAt.UTC(), r.now().UTC(),
	)
	if err != nil {
		return storeError("advance rotation", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetGroup(ctx, groupID); err != nil {
			return err
		}
		return ErrConditionFailed
	}
	return nil
}

// --- Members ---

func (r *PostgresRepository) CreateMember(ctx context.Context, m *domain.Member) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	stampCreated(&m.JoinedAt, &m.UpdatedAt, r.now)
	if err := validateMember(m); err != nil {
		return err
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO group_members (`+memberColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.GroupID, m.UserID, m.PhoneNumber, m.MemberNumber, m.RotationOrder, string(m.Status),
		m.JoinedAt.UTC(), m.UpdatedAt.UTC(),
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return storeError("create member", err)
	}
	return nil
}

func scanPgMember(row rowScanner) (*domain.Member, error) {
	var m domain.Member
	var status string
	if err := row.Scan(&m.ID, &m.GroupID, &m.UserID, &m.PhoneNumber, &m.MemberNumber, &m.RotationOrder,
		&status, &m.JoinedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Status = domain.MemberStatus(status)
	return &m, nil
}

func (r *PostgresRepository) FindMember(ctx context.Context, groupID, userID uuid.UUID) (*domain.Member, error) {
	m, err := scanPgMember(r.db.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM group_members WHERE group_id = $1 AND user_id = $2`, groupID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, storeError("find member", err)
	}
	return m, nil
}

func (r *PostgresRepository) ListMembers(ctx context.Context, groupID uuid.UUID, statuses ...domain.MemberStatus) ([]domain.Member, error) {
	w := &whereBuilder{d: postgresDialect}
	w.eq("group_id", groupID)
	w.in("status", memberStatusArgs(statuses))

	rows, err := r.db.Query(ctx, `SELECT `+memberColumns+` FROM group_members`+w.String()+` ORDER BY member_number`, w.args...)
	if err != nil {
		return nil, storeError("list members", err)
	}
	defer rows.Close()

	var members []domain.Member
	for rows.Next() {
		m, err := scanPgMember(rows)
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

func (r *PostgresRepository) UpdateMemberRotationOrders(ctx context.Context, groupID uuid.UUID, orders map[uuid.UUID]int) error {
	if len(orders) == 0 {
		return nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return storeError("begin rotation update", err)
	}
	defer tx.Rollback(ctx)

	now := r.now().UTC()
	for memberID, order := range orders {
		if order < 1 {
			return invalid("rotation order must be at least 1")
		}
		tag, err := tx.Exec(ctx,
			`UPDATE group_members SET rotation_order = $3, updated_at = $4 WHERE id = $1 AND group_id = $2`,
			memberID, groupID, order, now)
		if err != nil {
			return storeError("update rotation order", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrMemberNotFound
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return storeError("commit rotation update", err)
	}
	return nil
}

func (r *PostgresRepository) UpdateMemberStatus(ctx context.Context, memberID uuid.UUID, status domain.MemberStatus) error {
	if !status.Valid() {
		return invalid("unknown member status %q", status)
	}
	tag, err := r.db.Exec(ctx, `UPDATE group_members SET status = $2, updated_at = $3 WHERE id = $1`,
		memberID, string(status), r.now().UTC())
	if err != nil {
		return storeError("update member status", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// --- Transactions ---

func (r *PostgresRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	stampCreated(&tx.CreatedAt, &tx.UpdatedAt, r.now)
	if err := validateTransaction(tx); err != nil {
		return err
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO ledger_transactions (`+transactionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		tx.ID, tx.GroupID, tx.UserID, string(tx.Type), tx.Amount, string(tx.Status), tx.PaymentReference,
		tx.OverdraftID, tx.Rotation, tx.Description, tx.CreatedAt.UTC(), tx.UpdatedAt.UTC(),
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return storeError("create transaction", err)
	}
	return nil
}

func scanPgTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var txType, status string
	if err := row.Scan(&tx.ID, &tx.GroupID, &tx.UserID, &txType, &tx.Amount, &status, &tx.PaymentReference,
		&tx.OverdraftID, &tx.Rotation, &tx.Description, &tx.CreatedAt, &tx.UpdatedAt); err != nil {
		return nil, err
	}
	tx.Type = domain.TransactionType(txType)
	tx.Status = domain.Status(status)
	return &tx, nil
}

func (r *PostgresRepository) GetTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	tx, err := scanPgTransaction(r.db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM ledger_transactions WHERE id = $1`, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, storeError("get transaction", err)
	}
	return tx, nil
}

func (r *PostgresRepository) FindTransactions(ctx context.Context, filter TransactionFilter) ([]domain.Transaction, error) {
	where, args := transactionWhere(postgresDialect, filter)
	rows, err := r.db.Query(ctx, `SELECT `+transactionColumns+` FROM ledger_transactions`+where+transactionOrderLimit(filter), args...)
	if err != nil {
		return nil, storeError("find transactions", err)
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		tx, err := scanPgTransaction(rows)
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

func (r *PostgresRepository) SumTransactions(ctx context.Context, filter TransactionFilter) (map[domain.TransactionType]int64, error) {
	where, args := transactionWhere(postgresDialect, filter)
	rows, err := r.db.Query(ctx, `SELECT type, COALESCE(SUM(amount), 0)::BIGINT FROM ledger_transactions`+where+` GROUP BY type`, args...)
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

func (r *PostgresRepository) TransitionTransactionStatus(ctx context.Context, transactionID uuid.UUID, from, to domain.Status) error {
	if err := validateStatusMove(from, to); err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE ledger_transactions SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
		transactionID, string(from), string(to), r.now().UTC())
	if err != nil {
		return storeError("transition transaction", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetTransaction(ctx, transactionID); err != nil {
			return err
		}
		return ErrConditionFailed
	}
	return nil
}

// --- Payments ---

func (r *PostgresRepository) CreatePayment(ctx context.Context, p *domain.Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	stampCreated(&p.CreatedAt, &p.UpdatedAt, r.now)
	if err := validatePayment(p); err != nil {
		return err
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO payments (`+paymentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.GroupID, p.UserID, string(p.PaymentType), p.Amount, p.PhoneNumber, p.PaymentReference,
		p.GatewayTransactionID, string(p.Status), p.FailureReason, p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return storeError("create payment", err)
	}
	return nil
}

func (r *PostgresRepository) FindPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	var p domain.Payment
	var paymentType, status string
	err := r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE payment_reference = $1`, reference).Scan(
		&p.ID, &p.GroupID, &p.UserID, &paymentType, &p.Amount, &p.PhoneNumber, &p.PaymentReference,
		&p.GatewayTransactionID, &status, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, storeError("find payment", err)
	}
	p.PaymentType = domain.TransactionType(paymentType)
	p.Status = domain.Status(status)
	return &p, nil
}

func (r *PostgresRepository) TransitionPaymentStatus(ctx context.Context, reference string, from, to domain.Status, update PaymentUpdate) error {
	if err := validateStatusMove(from, to); err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE payments
		SET status = $3,
		    gateway_transaction_id = COALESCE($4, gateway_transaction_id),
		    failure_reason = COALESCE($5, failure_reason),
		    updated_at = $6
		WHERE payment_reference = $1 AND status = $2`,
		reference, string(from), string(to), update.GatewayTransactionID, update.FailureReason, r.now().UTC())
	if err != nil {
		return storeError("transition payment", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.FindPaymentByReference(ctx, reference); err != nil {
			return err
		}
		return ErrConditionFailed
	}
	return nil
}

func (r *PostgresRepository) SetPaymentGatewayTransactionID(ctx context.Context, reference, gatewayTransactionID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE payments SET gateway_transaction_id = $2, updated_at = $3
		WHERE payment_reference = $1 AND gateway_transaction_id IS NULL`,
		reference, gatewayTransactionID, r.now().UTC())
	if err != nil {
		return storeError("set gateway transaction id", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.FindPaymentByReference(ctx, reference); err != nil {
			return err
		}
	}
	return nil
}

// --- Overdrafts ---

func (r *PostgresRepository) CreateOverdraft(ctx context.Context, o *domain.Overdraft) error {
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
	_, err := r.db.Exec(ctx,
		`INSERT INTO overdrafts (`+overdraftColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		o.ID, o.GroupID, o.UserID, o.Amount, o.Purpose, o.RepaymentPeriodMonths, o.InterestRate, string(o.Status),
		o.RepaidAmount, utcPtr(o.DueDate), utcPtr(o.ApprovedAt), utcPtr(o.ActivatedAt), o.Version,
		o.CreatedAt.UTC(), o.UpdatedAt.UTC(),
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return storeError("create overdraft", err)
	}
	return nil
}

func scanPgOverdraft(row rowScanner) (*domain.Overdraft, error) {
	var o domain.Overdraft
	var status string
	if err := row.Scan(&o.ID, &o.GroupID, &o.UserID, &o.Amount, &o.Purpose, &o.RepaymentPeriodMonths,
		&o.InterestRate, &status, &o.RepaidAmount, &o.DueDate, &o.ApprovedAt, &o.ActivatedAt, &o.Version,
		&o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Status = domain.OverdraftStatus(status)
	return &o, nil
}

func (r *PostgresRepository) GetOverdraft(ctx context.Context, overdraftID uuid.UUID) (*domain.Overdraft, error) {
	o, err := scanPgOverdraft(r.db.QueryRow(ctx, `SELECT `+overdraftColumns+` FROM overdrafts WHERE id = $1`, overdraftID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOverdraftNotFound
		}
		return nil, storeError("get overdraft", err)
	}
	return o, nil
}

func (r *PostgresRepository) FindOpenOverdraft(ctx context.Context, groupID, userID uuid.UUID) (*domain.Overdraft, error) {
	w := &whereBuilder{d: postgresDialect}
	w.eq("group_id", groupID)
	w.eq("user_id", userID)
	w.in("status", overdraftOpenArgs())

	o, err := scanPgOverdraft(r.db.QueryRow(ctx, `SELECT `+overdraftColumns+` FROM overdrafts`+w.String()+` LIMIT 1`, w.args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOverdraftNotFound
		}
		return nil, storeError("find open overdraft", err)
	}
	return o, nil
}

func (r *PostgresRepository) ListOverdraftsByStatus(ctx context.Context, status domain.OverdraftStatus) ([]domain.Overdraft, error) {
	rows, err := r.db.Query(ctx, `SELECT `+overdraftColumns+` FROM overdrafts WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, storeError("list overdrafts", err)
	}
	defer rows.Close()

	var overdrafts []domain.Overdraft
	for rows.Next() {
		o, err := scanPgOverdraft(rows)
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

func (r *PostgresRepository) UpdateOverdraft(ctx context.Context, o *domain.Overdraft) error {
	if err := validateOverdraft(o); err != nil {
		return err
	}
	now := r.now().UTC()
	tag, err := r.db.Exec(ctx, `
		UPDATE overdrafts
		SET status = $3, repaid_amount = $4, due_date = $5, approved_at = $6, activated_at = $7,
		    version = version + 1, updated_at = $8
		WHERE id = $1 AND version = $2`,
		o.ID, o.Version, string(o.Status), o.RepaidAmount, utcPtr(o.DueDate), utcPtr(o.ApprovedAt),
		utcPtr(o.ActivatedAt), now)
	if err != nil {
		if isPgUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return storeError("update overdraft", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetOverdraft(ctx, o.ID); err != nil {
			return err
		}
		return ErrConditionFailed
	}
	o.Version++
	o.UpdatedAt = now
	return nil
}

func stampCreated(created, updated *time.Time, now func() time.Time) {
	if created.IsZero() {
		*created = now().UTC()
	}
	if updated.IsZero() {
		*updated = *created
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
