package store

import (
	"strconv"
	"strings"
	"time"

	"github.com/kijumbe/ledger-service/internal/domain"
)

// dialect captures the differences between the SQL backends that matter to
// the shared query builders.
type dialect struct {
	placeholder func(n int) string
	timeArg     func(t time.Time) any
}

var postgresDialect = dialect{
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	timeArg:     func(t time.Time) any { return t.UTC() },
}

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	timeArg:     func(t time.Time) any { return t.UTC().UnixNano() },
}

// whereBuilder accumulates AND-ed predicates and their positional arguments.
type whereBuilder struct {
	d      dialect
	clause []string
	args   []any
}

func (w *whereBuilder) next(arg any) string {
	w.args = append(w.args, arg)
	return w.d.placeholder(len(w.args))
}

func (w *whereBuilder) eq(column string, arg any) {
	w.clause = append(w.clause, column+" = "+w.next(arg))
}

func (w *whereBuilder) in(column string, args []any) {
	if len(args) == 0 {
		return
	}
	marks := make([]string, len(args))
	for i, arg := range args {
		marks[i] = w.next(arg)
	}
	w.clause = append(w.clause, column+" IN ("+strings.Join(marks, ", ")+")")
}

func (w *whereBuilder) cmp(column, op string, arg any) {
	w.clause = append(w.clause, column+" "+op+" "+w.next(arg))
}

func (w *whereBuilder) String() string {
	if len(w.clause) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clause, " AND ")
}

func transactionWhere(d dialect, f TransactionFilter) (string, []any) {
	w := &whereBuilder{d: d}
	if f.GroupID != nil {
		w.eq("group_id", *f.GroupID)
	}
	if f.UserID != nil {
		w.eq("user_id", *f.UserID)
	}
	if f.OverdraftID != nil {
		w.eq("overdraft_id", *f.OverdraftID)
	}
	if len(f.Types) > 0 {
		types := make([]any, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		w.in("type", types)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]any, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		w.in("status", statuses)
	}
	if f.PaymentReference != "" {
		w.eq("payment_reference", f.PaymentReference)
	}
	if f.Rotation > 0 {
		w.eq("rotation", f.Rotation)
	}
	if !f.CreatedFrom.IsZero() {
		w.cmp("created_at", ">=", d.timeArg(f.CreatedFrom))
	}
	if !f.CreatedBefore.IsZero() {
		w.cmp("created_at", "<", d.timeArg(f.CreatedBefore))
	}
	return w.String(), w.args
}

func transactionOrderLimit(f TransactionFilter) string {
	order := " ORDER BY created_at ASC, id ASC"
	if f.NewestFirst {
		order = " ORDER BY created_at DESC, id DESC"
	}
	if f.Limit > 0 {
		order += " LIMIT " + strconv.Itoa(f.Limit)
	}
	return order
}

func memberStatusArgs(statuses []domain.MemberStatus) []any {
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return args
}

func overdraftOpenArgs() []any {
	args := make([]any, len(domain.OpenOverdraftStatuses))
	for i, s := range domain.OpenOverdraftStatuses {
		args[i] = string(s)
	}
	return args
}
