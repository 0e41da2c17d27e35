package store

// postgresSchema creates the ledger tables. Partial unique indexes carry the
// one-payout-per-rotation, one-transaction-per-reference and
// one-open-overdraft-per-member rules.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS kijumbe_groups (
    id UUID PRIMARY KEY,
    name TEXT NOT NULL,
    contribution_amount BIGINT NOT NULL CHECK (contribution_amount > 0),
    max_members INTEGER NOT NULL DEFAULT 0,
    rotation_duration_months INTEGER NOT NULL CHECK (rotation_duration_months > 0),
    current_rotation INTEGER NOT NULL DEFAULT 1 CHECK (current_rotation >= 1),
    cycle_started_at TIMESTAMPTZ NOT NULL,
    status TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS group_members (
    id UUID PRIMARY KEY,
    group_id UUID NOT NULL REFERENCES kijumbe_groups(id) ON DELETE CASCADE,
    user_id UUID NOT NULL,
    phone_number TEXT NOT NULL DEFAULT '',
    member_number INTEGER NOT NULL CHECK (member_number >= 1),
    rotation_order INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    joined_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    UNIQUE (group_id, member_number),
    UNIQUE (group_id, user_id)
);

CREATE TABLE IF NOT EXISTS ledger_transactions (
    id UUID PRIMARY KEY,
    group_id UUID NOT NULL REFERENCES kijumbe_groups(id),
    user_id UUID NOT NULL,
    type TEXT NOT NULL,
    amount BIGINT NOT NULL CHECK (amount > 0),
    status TEXT NOT NULL,
    payment_reference TEXT,
    overdraft_id UUID,
    rotation INTEGER NOT NULL DEFAULT 0,
    description TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS ledger_transactions_reference_uq
    ON ledger_transactions (payment_reference) WHERE payment_reference IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS ledger_transactions_payout_rotation_uq
    ON ledger_transactions (group_id, rotation) WHERE type = 'payout';
CREATE UNIQUE INDEX IF NOT EXISTS ledger_transactions_overdraft_draw_uq
    ON ledger_transactions (overdraft_id) WHERE type = 'overdraft_draw';
CREATE INDEX IF NOT EXISTS ledger_transactions_group_user_idx
    ON ledger_transactions (group_id, user_id, status);

CREATE TABLE IF NOT EXISTS payments (
    id UUID PRIMARY KEY,
    group_id UUID NOT NULL REFERENCES kijumbe_groups(id),
    user_id UUID NOT NULL,
    payment_type TEXT NOT NULL,
    amount BIGINT NOT NULL CHECK (amount > 0),
    phone_number TEXT NOT NULL,
    payment_reference TEXT NOT NULL UNIQUE,
    gateway_transaction_id TEXT,
    status TEXT NOT NULL,
    failure_reason TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS overdrafts (
    id UUID PRIMARY KEY,
    group_id UUID NOT NULL REFERENCES kijumbe_groups(id),
    user_id UUID NOT NULL,
    amount BIGINT NOT NULL CHECK (amount > 0),
    purpose TEXT NOT NULL,
    repayment_period_months INTEGER NOT NULL,
    interest_rate DOUBLE PRECISION NOT NULL,
    status TEXT NOT NULL,
    repaid_amount BIGINT NOT NULL DEFAULT 0 CHECK (repaid_amount >= 0),
    due_date TIMESTAMPTZ,
    approved_at TIMESTAMPTZ,
    activated_at TIMESTAMPTZ,
    version BIGINT NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS overdrafts_open_member_uq
    ON overdrafts (group_id, user_id) WHERE status IN ('pending', 'approved', 'active');
`

// sqliteSchema mirrors postgresSchema. UUIDs are TEXT and timestamps are
// INTEGER unix nanoseconds.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kijumbe_groups (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    contribution_amount INTEGER NOT NULL CHECK (contribution_amount > 0),
    max_members INTEGER NOT NULL DEFAULT 0,
    rotation_duration_months INTEGER NOT NULL CHECK (rotation_duration_months > 0),
    current_rotation INTEGER NOT NULL DEFAULT 1 CHECK (current_rotation >= 1),
    cycle_started_at INTEGER NOT NULL,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS group_members (
    id TEXT PRIMARY KEY,
    group_id TEXT NOT NULL REFERENCES kijumbe_groups(id) ON DELETE CASCADE,
    user_id TEXT NOT NULL,
    phone_number TEXT NOT NULL DEFAULT '',
    member_number INTEGER NOT NULL CHECK (member_number >= 1),
    rotation_order INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    joined_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE (group_id, member_number),
    UNIQUE (group_id, user_id)
);

CREATE TABLE IF NOT EXISTS ledger_transactions (
    id TEXT PRIMARY KEY,
    group_id TEXT NOT NULL REFERENCES kijumbe_groups(id),
    user_id TEXT NOT NULL,
    type TEXT NOT NULL,
    amount INTEGER NOT NULL CHECK (amount > 0),
    status TEXT NOT NULL,
    payment_reference TEXT,
    overdraft_id TEXT,
    rotation INTEGER NOT NULL DEFAULT 0,
    description TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS ledger_transactions_reference_uq
    ON ledger_transactions (payment_reference) WHERE payment_reference IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS ledger_transactions_payout_rotation_uq
    ON ledger_transactions (group_id, rotation) WHERE type = 'payout';
CREATE UNIQUE INDEX IF NOT EXISTS ledger_transactions_overdraft_draw_uq
    ON ledger_transactions (overdraft_id) WHERE type = 'overdraft_draw';
CREATE INDEX IF NOT EXISTS ledger_transactions_group_user_idx
    ON ledger_transactions (group_id, user_id, status);

CREATE TABLE IF NOT EXISTS payments (
    id TEXT PRIMARY KEY,
    group_id TEXT NOT NULL REFERENCES kijumbe_groups(id),
    user_id TEXT NOT NULL,
    payment_type TEXT NOT NULL,
    amount INTEGER NOT NULL CHECK (amount > 0),
    phone_number TEXT NOT NULL,
    payment_reference TEXT NOT NULL UNIQUE,
    gateway_transaction_id TEXT,
    status TEXT NOT NULL,
    failure_reason TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS overdrafts (
    id TEXT PRIMARY KEY,
    group_id TEXT NOT NULL REFERENCES kijumbe_groups(id),
    user_id TEXT NOT NULL,
    amount INTEGER NOT NULL CHECK (amount > 0),
    purpose TEXT NOT NULL,
    repayment_period_months INTEGER NOT NULL,
    interest_rate REAL NOT NULL,
    status TEXT NOT NULL,
    repaid_amount INTEGER NOT NULL DEFAULT 0 CHECK (repaid_amount >= 0),
    due_date INTEGER,
    approved_at INTEGER,
    activated_at INTEGER,
    version INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS overdrafts_open_member_uq
    ON overdrafts (group_id, user_id) WHERE status IN ('pending', 'approved', 'active');
`
