package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/interlink-stock/internal/domain"
	"github.com/ariefcatur/interlink-stock/internal/store"
	"github.com/jackc/pgx/v5"
)

type orderRepo struct{ tx pgx.Tx }

const orderCols = `o.id, o.store_id, o.customer_id, o.status, o.total_amount, o.notes, o.cancel_reason,
	o.created_at, o.updated_at, o.confirmed_at`

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	err := row.Scan(&o.ID, &o.StoreID, &o.CustomerID, &o.Status, &o.TotalAmount, &o.Notes, &o.CancelReason,
		&o.CreatedAt, &o.UpdatedAt, &o.ConfirmedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r orderRepo) Insert(ctx context.Context, o *domain.Order) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO orders(id, store_id, customer_id, status, total_amount, notes, cancel_reason, created_at, updated_at, confirmed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		o.ID, o.StoreID, o.CustomerID, o.Status, o.TotalAmount, o.Notes, o.CancelReason, o.CreatedAt, o.UpdatedAt, o.ConfirmedAt)
	return translate(err, "order "+o.ID)
}

func (r orderRepo) InsertItem(ctx context.Context, it *domain.OrderItem) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO order_items(id, order_id, product_id, variant_id, quantity, unit_price, total_price)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		it.ID, it.OrderID, it.ProductID, it.VariantID, it.Quantity, it.UnitPrice, it.TotalPrice)
	return translate(err, "order item "+it.ID)
}

func (r orderRepo) get(ctx context.Context, id, lock string) (*domain.Order, error) {
	o, err := scanOrder(r.tx.QueryRow(ctx, `SELECT `+orderCols+` FROM orders o WHERE o.id=$1`+lock, id))
	if err != nil {
		return nil, translate(err, "order "+id)
	}
	return o, nil
}

func (r orderRepo) Get(ctx context.Context, id string) (*domain.Order, error) {
	return r.get(ctx, id, "")
}

func (r orderRepo) Lock(ctx context.Context, id string) (*domain.Order, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r orderRepo) Items(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT id, order_id, product_id, variant_id, quantity, unit_price, total_price
		FROM order_items WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OrderItem
	for rows.Next() {
		var it domain.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.VariantID, &it.Quantity, &it.UnitPrice, &it.TotalPrice); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (r orderRepo) UpdateStatus(ctx context.Context, o *domain.Order) error {
	ct, err := r.tx.Exec(ctx, `
		UPDATE orders SET status=$2, cancel_reason=$3, confirmed_at=$4, updated_at=$5
		WHERE id=$1`, o.ID, o.Status, o.CancelReason, o.ConfirmedAt, o.UpdatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return domain.NotFoundf("order %s", o.ID)
	}
	return nil
}

// where builds the shared filter clause; args are appended in placeholder
// order.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

const textMatch = `(c.name ILIKE $%[1]d ESCAPE '\' OR c.email ILIKE $%[1]d ESCAPE '\')`

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern matches t literally anywhere in the column.
func containsPattern(t string) string {
	return "%" + likeEscaper.Replace(t) + "%"
}

func rangeFilter(storeID string, from, to *time.Time) *where {
	w := &where{}
	if storeID != "" {
		w.add("o.store_id=$%d", storeID)
	}
	if from != nil {
		w.add("o.created_at >= $%d", *from)
	}
	if to != nil {
		w.add("o.created_at <= $%d", *to)
	}
	return w
}

func (r orderRepo) Search(ctx context.Context, f store.OrderFilter) ([]domain.Order, int, error) {
	w := rangeFilter(f.StoreID, f.From, f.To)
	if f.CustomerID != "" {
		w.add("o.customer_id=$%d", f.CustomerID)
	}
	if f.Status != "" {
		w.add("o.status=$%d", f.Status)
	}
	if t := strings.TrimSpace(f.Text); t != "" {
		w.add(textMatch, containsPattern(t))
	}
	from := ` FROM orders o JOIN customers c ON c.id = o.customer_id` + w.sql()

	var total int
	if err := r.tx.QueryRow(ctx, `SELECT COUNT(*)`+from, w.args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args := append(append([]any(nil), w.args...), f.Limit, f.Offset)
	rows, err := r.tx.Query(ctx, `SELECT `+orderCols+from+
		fmt.Sprintf(` ORDER BY o.created_at DESC, o.id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *o)
	}
	return out, total, rows.Err()
}

func (r orderRepo) Stats(ctx context.Context, f store.OrderStatsFilter) (domain.OrderStats, error) {
	w := rangeFilter(f.StoreID, f.From, f.To)
	s := domain.OrderStats{}
	err := r.tx.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE o.status='PENDING'),
		       COUNT(*) FILTER (WHERE o.status='CONFIRMED'),
		       COUNT(*) FILTER (WHERE o.status='CANCELLED'),
		       COALESCE(SUM(o.total_amount) FILTER (WHERE o.status='CONFIRMED'), 0)
		FROM orders o`+w.sql(), w.args...).
		Scan(&s.Total, &s.Pending, &s.Confirmed, &s.Cancelled, &s.Revenue)
	if err != nil {
		return s, err
	}
	s.AverageOrderValue = store.AverageOf(s.Revenue, s.Confirmed)
	s.ConversionRate = store.ConversionRate(s.Confirmed, s.Total)
	return s, nil
}

func (r orderRepo) PendingWithExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT DISTINCT o.id FROM orders o
		JOIN reservations r ON r.order_id = o.id
		WHERE o.status='PENDING' AND r.status='ACTIVE' AND r.expires_at < $1
		ORDER BY o.id`, now)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
