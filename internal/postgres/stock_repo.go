package postgres

import (
	"context"
	"fmt"

	"github.com/ariefcatur/interlink-stock/internal/domain"
	"github.com/jackc/pgx/v5"
)

type stockRepo struct{ tx pgx.Tx }

const stockCols = `id, store_id, product_id, variant_id, available_qty, reserved_qty, sold_qty,
	price_central, price_store, last_changed_at, created_at`

func scanLine(row pgx.Row) (*domain.StockLine, error) {
	var l domain.StockLine
	err := row.Scan(&l.ID, &l.StoreID, &l.ProductID, &l.VariantID, &l.AvailableQty, &l.ReservedQty, &l.SoldQty,
		&l.PriceCentral, &l.PriceStore, &l.LastChangedAt, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (r stockRepo) byKey(ctx context.Context, key domain.StockKey, lock string) (*domain.StockLine, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+stockCols+` FROM stock_lines
		WHERE store_id=$1 AND product_id=$2 AND variant_id IS NOT DISTINCT FROM $3`+lock,
		key.StoreID, key.ProductID, key.VariantID)
	l, err := scanLine(row)
	if err != nil {
		return nil, translate(err, fmt.Sprintf("stock line for product %s", key.ProductID))
	}
	return l, nil
}

func (r stockRepo) byID(ctx context.Context, id, lock string) (*domain.StockLine, error) {
	l, err := scanLine(r.tx.QueryRow(ctx, `SELECT `+stockCols+` FROM stock_lines WHERE id=$1`+lock, id))
	if err != nil {
		return nil, translate(err, "stock line "+id)
	}
	return l, nil
}

func (r stockRepo) LockByKey(ctx context.Context, key domain.StockKey) (*domain.StockLine, error) {
	return r.byKey(ctx, key, " FOR UPDATE")
}

func (r stockRepo) GetByKey(ctx context.Context, key domain.StockKey) (*domain.StockLine, error) {
	return r.byKey(ctx, key, "")
}

func (r stockRepo) LockByID(ctx context.Context, id string) (*domain.StockLine, error) {
	return r.byID(ctx, id, " FOR UPDATE")
}

func (r stockRepo) GetByID(ctx context.Context, id string) (*domain.StockLine, error) {
	return r.byID(ctx, id, "")
}

func (r stockRepo) ListByStore(ctx context.Context, storeID string) ([]domain.StockLine, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+stockCols+` FROM stock_lines
		WHERE store_id=$1 ORDER BY available_qty ASC, product_id ASC, variant_id ASC NULLS FIRST`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StockLine
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (r stockRepo) Stats(ctx context.Context, storeID string, lowThreshold int) (domain.StockStats, error) {
	var s domain.StockStats
	err := r.tx.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE available_qty > 0 AND available_qty <= $2),
		       COUNT(*) FILTER (WHERE available_qty = 0),
		       COALESCE(SUM(available_qty), 0)
		FROM stock_lines WHERE store_id=$1`, storeID, lowThreshold).
		Scan(&s.TotalLines, &s.LowStock, &s.OutOfStock, &s.TotalUnits)
	if err != nil {
		return s, err
	}
	s.InStock = s.TotalLines - s.OutOfStock
	return s, nil
}

func (r stockRepo) Insert(ctx context.Context, l *domain.StockLine) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO stock_lines(`+stockCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		l.ID, l.StoreID, l.ProductID, l.VariantID, l.AvailableQty, l.ReservedQty, l.SoldQty,
		l.PriceCentral, l.PriceStore, l.LastChangedAt, l.CreatedAt)
	return translate(err, fmt.Sprintf("stock line for product %s", l.ProductID))
}

func (r stockRepo) Save(ctx context.Context, l *domain.StockLine) error {
	ct, err := r.tx.Exec(ctx, `
		UPDATE stock_lines
		SET available_qty=$2, reserved_qty=$3, sold_qty=$4, price_central=$5, price_store=$6, last_changed_at=$7
		WHERE id=$1`,
		l.ID, l.AvailableQty, l.ReservedQty, l.SoldQty, l.PriceCentral, l.PriceStore, l.LastChangedAt)
	if err != nil {
		return translate(err, "stock line "+l.ID)
	}
	if ct.RowsAffected() != 1 {
		return domain.NotFoundf("stock line %s", l.ID)
	}
	return nil
}

func (r stockRepo) InsertMovement(ctx context.Context, m *domain.StockMovement) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO stock_movements(id, stock_id, delta, reason, result_qty, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		m.ID, m.StockID, m.Delta, m.Reason, m.ResultQty, m.CreatedAt)
	return err
}
