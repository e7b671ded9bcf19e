package postgres

import (
	"context"
	"time"

	"github.com/ariefcatur/interlink-stock/internal/domain"
	"github.com/jackc/pgx/v5"
)

type reservationRepo struct{ tx pgx.Tx }

const reservationCols = `id, store_id, order_id, product_id, variant_id, quantity, expires_at, status, created_at, updated_at`

func scanReservation(row pgx.Row) (*domain.Reservation, error) {
	var r domain.Reservation
	err := row.Scan(&r.ID, &r.StoreID, &r.OrderID, &r.ProductID, &r.VariantID, &r.Quantity,
		&r.ExpiresAt, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func collectReservations(rows pgx.Rows) ([]domain.Reservation, error) {
	defer rows.Close()
	var out []domain.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (r reservationRepo) Insert(ctx context.Context, res *domain.Reservation) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO reservations(`+reservationCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		res.ID, res.StoreID, res.OrderID, res.ProductID, res.VariantID, res.Quantity,
		res.ExpiresAt, res.Status, res.CreatedAt, res.UpdatedAt)
	return translate(err, "reservation "+res.ID)
}

func (r reservationRepo) get(ctx context.Context, id, lock string) (*domain.Reservation, error) {
	res, err := scanReservation(r.tx.QueryRow(ctx, `SELECT `+reservationCols+` FROM reservations WHERE id=$1`+lock, id))
	if err != nil {
		return nil, translate(err, "reservation "+id)
	}
	return res, nil
}

func (r reservationRepo) Get(ctx context.Context, id string) (*domain.Reservation, error) {
	return r.get(ctx, id, "")
}

func (r reservationRepo) Lock(ctx context.Context, id string) (*domain.Reservation, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r reservationRepo) UpdateStatus(ctx context.Context, id string, status domain.ReservationStatus, at time.Time) error {
	ct, err := r.tx.Exec(ctx, `UPDATE reservations SET status=$2, updated_at=$3 WHERE id=$1`, id, status, at)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return domain.NotFoundf("reservation %s", id)
	}
	return nil
}

func (r reservationRepo) ListByOrder(ctx context.Context, orderID string, status *domain.ReservationStatus) ([]domain.Reservation, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+reservationCols+` FROM reservations
		WHERE order_id=$1 AND ($2::text IS NULL OR status=$2)
		ORDER BY created_at, id`, orderID, status)
	if err != nil {
		return nil, err
	}
	return collectReservations(rows)
}

func (r reservationRepo) ListExpired(ctx context.Context, now time.Time) ([]domain.Reservation, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+reservationCols+` FROM reservations
		WHERE status='ACTIVE' AND expires_at < $1
		ORDER BY created_at, id`, now)
	if err != nil {
		return nil, err
	}
	return collectReservations(rows)
}
