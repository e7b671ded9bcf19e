package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/interlink-stock/internal/domain"
	"github.com/ariefcatur/interlink-stock/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the pgx-backed UnitOfWork. Each Do is one READ COMMITTED
// transaction; row locks taken with FOR UPDATE serialize writers per line.
type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

var _ store.UnitOfWork = (*Store)(nil)

func (s *Store) Do(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&txRepos{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return translate(fmt.Errorf("commit: %w", err), "")
	}
	return nil
}

type txRepos struct{ tx pgx.Tx }

func (t *txRepos) Stock() store.StockRepository { return stockRepo{t.tx} }
func (t *txRepos) Reservations() store.ReservationRepository { return reservationRepo{t.tx} }
func (t *txRepos) Orders() store.OrderRepository { return orderRepo{t.tx} }
func (t *txRepos) Customers() store.CustomerRepository { return customerRepo{t.tx} }
func (t *txRepos) Catalog() store.CatalogRepository { return catalogRepo{t.tx} }

const (
	codeUniqueViolation = "23505"
	codeCheckViolation  = "23514"
)

// translate maps driver errors onto the domain sentinels. what names the
// missing thing for ErrNoRows.
func translate(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NotFoundf("%s", what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeCheckViolation:
			return fmt.Errorf("%s violates %s: %w", what, pgErr.ConstraintName, domain.ErrInvalidState)
		case codeUniqueViolation:
			return fmt.Errorf("%s already exists: %w", what, domain.ErrInvalidState)
		}
	}
	return err
}
