package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/hierarchy"
	"github.com/atmx/settlement-engine/internal/model"
)

// querier is the subset of pgxpool.Pool and pgx.Tx the store needs.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Fee rates are stored as NUMERIC and fee configurations as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   querier
	tx   pgx.Tx // set inside InTx
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, db: pool}
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if s.tx != nil {
		return fn(ctx, s)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &PostgresStore{pool: s.pool, db: tx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func notFound(err error, what string, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
	}
	return fmt.Errorf("get %s %s: %w", what, id, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func encodeFees(c model.FeeConfig) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	return json.Marshal(c)
}

func decodeFees(raw []byte) (model.FeeConfig, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var c model.FeeConfig
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return c, nil
}

// --- Hierarchy ---

const orgColumns = `id, name, type, COALESCE(parent_id, ''), path, level, fee_config,
		        settlement_cycle, status, created_at, updated_at`

func (s *PostgresStore) SaveOrganization(ctx context.Context, org *model.Organization) error {
	if err := org.FeeConfig.Validate(); err != nil {
		return err
	}
	var parent *model.Organization
	if org.ParentID != "" {
		p, err := s.GetOrganization(ctx, org.ParentID)
		if err != nil {
			return err
		}
		parent = p
	}
	if err := hierarchy.Validate(org, parent); err != nil {
		return err
	}
	fees, err := encodeFees(org.FeeConfig)
	if err != nil {
		return err
	}

	var parentID any
	if org.ParentID != "" {
		parentID = org.ParentID
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO organizations (id, name, type, parent_id, path, level, fee_config, settlement_cycle, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::JSONB, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		     name = EXCLUDED.name, type = EXCLUDED.type, parent_id = EXCLUDED.parent_id,
		     path = EXCLUDED.path, level = EXCLUDED.level, fee_config = EXCLUDED.fee_config,
		     settlement_cycle = EXCLUDED.settlement_cycle, status = EXCLUDED.status,
		     updated_at = EXCLUDED.updated_at`,
		org.ID, org.Name, string(org.Type), parentID, org.Path, org.Level, fees,
		org.SettlementCycle, string(org.Status), org.CreatedAt, org.UpdatedAt,
	)
	return err
}

func scanOrganization(row pgx.Row) (*model.Organization, error) {
	var o model.Organization
	var typ, status string
	var fees []byte
	if err := row.Scan(&o.ID, &o.Name, &typ, &o.ParentID, &o.Path, &o.Level, &fees,
		&o.SettlementCycle, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Type = model.OrgType(typ)
	o.Status = model.EntityStatus(status)
	cfg, err := decodeFees(fees)
	if err != nil {
		return nil, fmt.Errorf("organization %s fee config: %w", o.ID, err)
	}
	o.FeeConfig = cfg
	return &o, nil
}

func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (*model.Organization, error) {
	o, err := scanOrganization(s.db.QueryRow(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "organization", id)
	}
	return o, nil
}

func (s *PostgresStore) queryOrganizations(ctx context.Context, sql string, args ...any) ([]model.Organization, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Organization
	for rows.Next() {
		o, err := scanOrganization(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetAncestors(ctx context.Context, orgID string) ([]model.Organization, error) {
	org, err := s.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	chain, err := s.queryOrganizations(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE id = ANY($1) ORDER BY level DESC`, org.Path)
	if err != nil {
		return nil, fmt.Errorf("ancestors of %s: %w", orgID, err)
	}
	if len(chain) != len(org.Path) {
		return nil, fmt.Errorf("%w: ancestors of %s (found %d of %d)", ErrNotFound, orgID, len(chain), len(org.Path))
	}
	return chain, nil
}

func (s *PostgresStore) ListDescendants(ctx context.Context, orgID string) ([]model.Organization, error) {
	return s.queryOrganizations(ctx,
		`SELECT `+orgColumns+` FROM organizations
		 WHERE path @> ARRAY[$1]::TEXT[] AND id <> $1 ORDER BY level`, orgID)
}

func (s *PostgresStore) MoveOrganization(ctx context.Context, orgID, newParentID string) error {
	return s.InTx(ctx, func(ctx context.Context, tx Store) error {
		pg := tx.(*PostgresStore)
		org, err := pg.GetOrganization(ctx, orgID)
		if err != nil {
			return err
		}
		parent, err := pg.GetOrganization(ctx, newParentID)
		if err != nil {
			return err
		}
		desc, err := pg.ListDescendants(ctx, orgID)
		if err != nil {
			return err
		}
		subtree := make([]*model.Organization, len(desc))
		for i := range desc {
			subtree[i] = &desc[i]
		}
		if err := hierarchy.Reparent(org, parent, subtree); err != nil {
			return err
		}

		now := time.Now().UTC()
		if _, err := pg.db.Exec(ctx,
			`UPDATE organizations SET parent_id = $2, path = $3, level = $4, updated_at = $5 WHERE id = $1`,
			org.ID, org.ParentID, org.Path, org.Level, now); err != nil {
			return err
		}
		for _, n := range subtree {
			if _, err := pg.db.Exec(ctx,
				`UPDATE organizations SET path = $2, level = $3, updated_at = $4 WHERE id = $1`,
				n.ID, n.Path, n.Level, now); err != nil {
				return err
			}
		}
		_, err = pg.db.Exec(ctx,
			`UPDATE merchants m SET org_path = o.path
			 FROM organizations o
			 WHERE m.organization_id = o.id AND o.path @> ARRAY[$1]::TEXT[]`, orgID)
		return err
	})
}

func (s *PostgresStore) SaveMerchant(ctx context.Context, m *model.Merchant) error {
	if err := m.FeeConfig.Validate(); err != nil {
		return err
	}
	org, err := s.GetOrganization(ctx, m.OrganizationID)
	if err != nil {
		return err
	}
	fees, err := encodeFees(m.FeeConfig)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO merchants (id, name, organization_id, org_path, fee_config, settlement_cycle, status, created_at)
		 VALUES ($1, $2, $3, $4, $5::JSONB, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		     name = EXCLUDED.name, organization_id = EXCLUDED.organization_id,
		     org_path = EXCLUDED.org_path, fee_config = EXCLUDED.fee_config,
		     settlement_cycle = EXCLUDED.settlement_cycle, status = EXCLUDED.status`,
		m.ID, m.Name, m.OrganizationID, org.Path, fees, m.SettlementCycle, string(m.Status), m.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetMerchant(ctx context.Context, id string) (*model.Merchant, error) {
	var m model.Merchant
	var status string
	var fees []byte
	err := s.db.QueryRow(ctx,
		`SELECT id, name, organization_id, org_path, fee_config, settlement_cycle, status, created_at
		 FROM merchants WHERE id = $1`, id).
		Scan(&m.ID, &m.Name, &m.OrganizationID, &m.OrgPath, &fees, &m.SettlementCycle, &status, &m.CreatedAt)
	if err != nil {
		return nil, notFound(err, "merchant", id)
	}
	m.Status = model.EntityStatus(status)
	if m.FeeConfig, err = decodeFees(fees); err != nil {
		return nil, fmt.Errorf("merchant %s fee config: %w", id, err)
	}
	return &m, nil
}

func (s *PostgresStore) SavePaymentMethod(ctx context.Context, pm *model.PaymentMethod) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO payment_methods (id, code, name) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET code = EXCLUDED.code, name = EXCLUDED.name`,
		pm.ID, pm.Code, pm.Name)
	return err
}

func (s *PostgresStore) GetPaymentMethod(ctx context.Context, id string) (*model.PaymentMethod, error) {
	var pm model.PaymentMethod
	err := s.db.QueryRow(ctx, `SELECT id, code, name FROM payment_methods WHERE id = $1`, id).
		Scan(&pm.ID, &pm.Code, &pm.Name)
	if err != nil {
		return nil, notFound(err, "payment method", id)
	}
	return &pm, nil
}

// --- Immutable events ---

const eventColumns = `id, transaction_id, type, amount, currency, merchant_id, org_path,
		        payment_method_id, card_company, sequence, occurred_at`

func (s *PostgresStore) InsertTransactionEvent(ctx context.Context, ev *model.TransactionEvent) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO transaction_events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ev.ID, ev.TransactionID, string(ev.Type), ev.Amount, ev.Currency, ev.MerchantID, ev.OrgPath,
		ev.PaymentMethodID, ev.CardCompany, ev.Sequence, ev.OccurredAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateEvent, ev.ID)
	}
	return err
}

func scanEvent(row pgx.Row) (*model.TransactionEvent, error) {
	var ev model.TransactionEvent
	var typ string
	if err := row.Scan(&ev.ID, &ev.TransactionID, &typ, &ev.Amount, &ev.Currency, &ev.MerchantID,
		&ev.OrgPath, &ev.PaymentMethodID, &ev.CardCompany, &ev.Sequence, &ev.OccurredAt); err != nil {
		return nil, err
	}
	ev.Type = model.EventType(typ)
	return &ev, nil
}

func (s *PostgresStore) GetTransactionEvent(ctx context.Context, id string) (*model.TransactionEvent, error) {
	ev, err := scanEvent(s.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM transaction_events WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "transaction event", id)
	}
	return ev, nil
}

func (s *PostgresStore) ListTransactionEvents(ctx context.Context, transactionID string) ([]model.TransactionEvent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+eventColumns+` FROM transaction_events
		 WHERE transaction_id = $1 ORDER BY sequence`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TransactionEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// --- Settlements ---

const settlementColumns = `id, transaction_event_id, transaction_id, merchant_id, entity_id, entity_type,
		        entity_path, entry_type, amount, fee_rate::TEXT, fee_amount, net_amount, currency,
		        settlement_cycle, event_occurred_at, status, batch_id, created_at, updated_at, settled_at`

func (s *PostgresStore) InsertSettlements(ctx context.Context, legs []model.Settlement) error {
	batch := &pgx.Batch{}
	for i := range legs {
		l := &legs[i]
		batch.Queue(
			`INSERT INTO settlements (id, transaction_event_id, transaction_id, merchant_id, entity_id, entity_type,
			     entity_path, entry_type, amount, fee_rate, fee_amount, net_amount, currency,
			     settlement_cycle, event_occurred_at, status, batch_id, created_at, updated_at, settled_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
			l.ID, l.TransactionEventID, l.TransactionID, l.MerchantID, l.EntityID, string(l.EntityType),
			l.EntityPath, string(l.EntryType), l.Amount, l.FeeRate.String(), l.FeeAmount, l.NetAmount, l.Currency,
			l.SettlementCycle, l.EventOccurredAt, string(l.Status), l.BatchID, l.CreatedAt, l.UpdatedAt, l.SettledAt,
		)
	}
	return s.sendBatch(ctx, batch)
}

func (s *PostgresStore) sendBatch(ctx context.Context, b *pgx.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	br := s.db.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("batch statement %d: %w", i, err)
		}
	}
	return br.Close()
}

func scanSettlement(row pgx.Row) (*model.Settlement, error) {
	var st model.Settlement
	var entityType, entryType, status, feeRate string
	if err := row.Scan(&st.ID, &st.TransactionEventID, &st.TransactionID, &st.MerchantID, &st.EntityID, &entityType,
		&st.EntityPath, &entryType, &st.Amount, &feeRate, &st.FeeAmount, &st.NetAmount, &st.Currency,
		&st.SettlementCycle, &st.EventOccurredAt, &status, &st.BatchID, &st.CreatedAt, &st.UpdatedAt, &st.SettledAt); err != nil {
		return nil, err
	}
	st.EntityType = model.EntityType(entityType)
	st.EntryType = model.EntryType(entryType)
	st.Status = model.SettlementStatus(status)
	st.FeeRate, _ = decimal.NewFromString(feeRate)
	return &st, nil
}

func (s *PostgresStore) querySettlements(ctx context.Context, sql string, args ...any) ([]model.Settlement, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListSettlementsByEvent(ctx context.Context, eventID string) ([]model.Settlement, error) {
	return s.querySettlements(ctx,
		`SELECT `+settlementColumns+` FROM settlements
		 WHERE transaction_event_id = $1 ORDER BY created_at, id`, eventID)
}

func (s *PostgresStore) UpdateSettlementStatus(ctx context.Context, ids []string, status model.SettlementStatus, at time.Time) error {
	return s.InTx(ctx, func(ctx context.Context, tx Store) error {
		pg := tx.(*PostgresStore)
		rows, err := pg.db.Query(ctx,
			`SELECT id, status FROM settlements WHERE id = ANY($1) FOR UPDATE`, ids)
		if err != nil {
			return err
		}
		current := make(map[string]model.SettlementStatus, len(ids))
		for rows.Next() {
			var id, st string
			if err := rows.Scan(&id, &st); err != nil {
				rows.Close()
				return err
			}
			current[id] = model.SettlementStatus(st)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			from, ok := current[id]
			if !ok {
				return fmt.Errorf("%w: settlement %s", ErrNotFound, id)
			}
			if !model.CanTransition(from, status) {
				return fmt.Errorf("%w: settlement %s %s -> %s", ErrInvalidTransition, id, from, status)
			}
		}

		_, err = pg.db.Exec(ctx,
			`UPDATE settlements SET status = $2, updated_at = $3 WHERE id = ANY($1)`,
			ids, string(status), at)
		return err
	})
}

func (s *PostgresStore) ListUnbatchedSettlements(ctx context.Context, from, to time.Time, cycle string) ([]model.Settlement, error) {
	return s.querySettlements(ctx,
		`SELECT `+settlementColumns+` FROM settlements
		 WHERE status = 'PENDING' AND batch_id IS NULL AND settlement_cycle = $3
		   AND event_occurred_at >= $1 AND event_occurred_at < $2
		 ORDER BY event_occurred_at, id`, from, to, cycle)
}

func (s *PostgresStore) AttachBatch(ctx context.Context, batchID string, ids []string, settledAt time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE settlements SET batch_id = $2, status = 'COMPLETED', settled_at = $3, updated_at = $3
		 WHERE id = ANY($1)`, ids, batchID, settledAt)
	if err != nil {
		return err
	}
	if int(tag.RowsAffected()) != len(ids) {
		return fmt.Errorf("%w: %d of %d settlements", ErrNotFound, len(ids)-int(tag.RowsAffected()), len(ids))
	}
	return nil
}

func (s *PostgresStore) QuerySettlements(ctx context.Context, f SettlementFilter) ([]model.Settlement, error) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.EntityPathPrefix) > 0 {
		p := arg(f.EntityPathPrefix)
		conds = append(conds, fmt.Sprintf("entity_path[1:cardinality(%s::TEXT[])] = %s::TEXT[]", p, p))
	}
	if !f.From.IsZero() {
		conds = append(conds, "event_occurred_at >= "+arg(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "event_occurred_at < "+arg(f.To))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		conds = append(conds, "status = ANY("+arg(statuses)+")")
	}
	if f.EntityID != "" {
		conds = append(conds, "entity_id = "+arg(f.EntityID))
	}
	if f.MerchantID != "" {
		conds = append(conds, "merchant_id = "+arg(f.MerchantID))
	}
	if f.BatchID != "" {
		conds = append(conds, "batch_id = "+arg(f.BatchID))
	}

	sql := `SELECT ` + settlementColumns + ` FROM settlements`
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	sql += " ORDER BY event_occurred_at DESC, id"
	if f.Limit > 0 {
		sql += " LIMIT " + arg(f.Limit)
	}
	return s.querySettlements(ctx, sql, args...)
}

// --- Batches ---

const batchColumns = `id, batch_number, cycle, settlement_date, period_start, period_end, status,
		        transaction_count, total_amount, total_fee_amount, created_at, completed_at`

func (s *PostgresStore) CountBatches(ctx context.Context, numberPrefix string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM settlement_batches WHERE batch_number LIKE $1 || '%'`, numberPrefix).Scan(&n)
	return n, err
}

func (s *PostgresStore) CreateBatch(ctx context.Context, b *model.SettlementBatch) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO settlement_batches (`+batchColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		b.ID, b.BatchNumber, b.Cycle, b.SettlementDate, b.PeriodStart, b.PeriodEnd, string(b.Status),
		b.TransactionCount, b.TotalAmount, b.TotalFeeAmount, b.CreatedAt, b.CompletedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateBatch
	}
	return err
}

func (s *PostgresStore) CompleteBatch(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE settlement_batches SET status = 'COMPLETED', completed_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	return nil
}

func scanBatch(row pgx.Row) (*model.SettlementBatch, error) {
	var b model.SettlementBatch
	var status string
	if err := row.Scan(&b.ID, &b.BatchNumber, &b.Cycle, &b.SettlementDate, &b.PeriodStart, &b.PeriodEnd, &status,
		&b.TransactionCount, &b.TotalAmount, &b.TotalFeeAmount, &b.CreatedAt, &b.CompletedAt); err != nil {
		return nil, err
	}
	b.Status = model.BatchStatus(status)
	return &b, nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*model.SettlementBatch, error) {
	b, err := scanBatch(s.db.QueryRow(ctx, `SELECT `+batchColumns+` FROM settlement_batches WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "batch", id)
	}
	return b, nil
}

func (s *PostgresStore) ListBatches(ctx context.Context, f BatchFilter) ([]model.SettlementBatch, error) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !f.From.IsZero() {
		conds = append(conds, "settlement_date >= "+arg(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "settlement_date < "+arg(f.To))
	}
	if f.Cycle != "" {
		conds = append(conds, "cycle = "+arg(f.Cycle))
	}
	if f.Number != "" {
		conds = append(conds, "batch_number = "+arg(f.Number))
	}
	sql := `SELECT ` + batchColumns + ` FROM settlement_batches`
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	sql += " ORDER BY settlement_date DESC, batch_number DESC"
	if f.Limit > 0 {
		sql += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SettlementBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}
