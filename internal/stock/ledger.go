package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/interlink-stock/internal/clock"
	"github.com/ariefcatur/interlink-stock/internal/domain"
	"github.com/ariefcatur/interlink-stock/internal/events"
	"github.com/ariefcatur/interlink-stock/internal/observability"
	"github.com/ariefcatur/interlink-stock/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("github.com/ariefcatur/interlink-stock/internal/stock")

type UpsertStockInput struct {
	StoreID      string              `json:"store_id" validate:"required"`
	ProductID    string              `json:"product_id" validate:"required"`
	VariantID    *string             `json:"variant_id,omitempty"`
	AvailableQty int                 `json:"available_qty" validate:"min=0"`
	PriceCentral decimal.Decimal     `json:"price_central"`
	PriceStore   decimal.NullDecimal `json:"price_store"`
}

// UpdateStockInput is a partial update; nil fields are left untouched.
type UpdateStockInput struct {
	AvailableQty *int             `json:"available_qty,omitempty" validate:"omitempty,min=0"`
	PriceCentral *decimal.Decimal `json:"price_central,omitempty"`
	PriceStore   *decimal.Decimal `json:"price_store,omitempty"`
}

// Ledger owns stock lines: their quantities, prices and adjustment history.
type Ledger struct {
	uow    store.UnitOfWork
	gate   Gate
	clock  clock.Clock
	events events.Publisher
	log    zerolog.Logger
}

func NewLedger(uow store.UnitOfWork, clk clock.Clock, pub events.Publisher, log zerolog.Logger) *Ledger {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Ledger{
		uow:    uow,
		clock:  clk,
		events: pub,
		log:    log.With().Str("component", "stock-ledger").Logger(),
	}
}

func checkPrices(prices ...*decimal.Decimal) error {
	for _, p := range prices {
		if p != nil && p.IsNegative() {
			return fmt.Errorf("%w: price must be >= 0", domain.ErrValidation)
		}
	}
	return nil
}

// UpsertStock creates the line for (store, product, variant) or overwrites
// its available quantity and prices.
func (l *Ledger) UpsertStock(ctx context.Context, in UpsertStockInput) (line *domain.StockLine, err error) {
	ctx, span := tracer.Start(ctx, "stock.upsert")
	defer func() { observability.End(span, err) }()
	span.SetAttributes(attribute.String("store.id", in.StoreID), attribute.String("product.id", in.ProductID))

	if err := domain.Validate(in); err != nil {
		return nil, err
	}
	var storePrice *decimal.Decimal
	if in.PriceStore.Valid {
		storePrice = &in.PriceStore.Decimal
	}
	if err := checkPrices(&in.PriceCentral, storePrice); err != nil {
		return nil, err
	}

	err = l.uow.Do(ctx, func(tx store.Tx) error {
		now := l.clock.Now()
		if err := l.gate.check(ctx, tx, in.StoreID, in.ProductID, now); err != nil {
			return err
		}

		key := domain.StockKey{StoreID: in.StoreID, ProductID: in.ProductID, VariantID: in.VariantID}
		cur, err := tx.Stock().LockByKey(ctx, key)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			line = &domain.StockLine{
				ID:            uuid.NewString(),
				StoreID:       in.StoreID,
				ProductID:     in.ProductID,
				VariantID:     in.VariantID,
				AvailableQty:  in.AvailableQty,
				PriceCentral:  in.PriceCentral,
				PriceStore:    in.PriceStore,
				LastChangedAt: now,
				CreatedAt:     now,
			}
			return tx.Stock().Insert(ctx, line)
		case err != nil:
			return err
		}

		if in.AvailableQty < cur.ReservedQty {
			return domain.InvalidStatef("available quantity %d is below reserved quantity %d", in.AvailableQty, cur.ReservedQty)
		}
		cur.AvailableQty = in.AvailableQty
		cur.PriceCentral = in.PriceCentral
		cur.PriceStore = in.PriceStore
		cur.LastChangedAt = now
		line = cur
		return tx.Stock().Save(ctx, cur)
	})
	if err != nil {
		return nil, err
	}
	l.log.Info().Str("stock_id", line.ID).Str("store_id", line.StoreID).Str("product_id", line.ProductID).
		Int("available", line.AvailableQty).Msg("stock upserted")
	return line, nil
}

func (l *Ledger) UpdateStock(ctx context.Context, stockID string, in UpdateStockInput) (line *domain.StockLine, err error) {
	ctx, span := tracer.Start(ctx, "stock.update")
	defer func() { observability.End(span, err) }()
	span.SetAttributes(attribute.String("stock.id", stockID))

	if err := domain.Validate(in); err != nil {
		return nil, err
	}
	if err := checkPrices(in.PriceCentral, in.PriceStore); err != nil {
		return nil, err
	}

	err = l.uow.Do(ctx, func(tx store.Tx) error {
		cur, err := tx.Stock().LockByID(ctx, stockID)
		if err != nil {
			return err
		}
		now := l.clock.Now()
		if err := l.gate.check(ctx, tx, cur.StoreID, cur.ProductID, now); err != nil {
			return err
		}
		if in.AvailableQty != nil {
			if *in.AvailableQty < cur.ReservedQty {
				return domain.InvalidStatef("available quantity %d is below reserved quantity %d", *in.AvailableQty, cur.ReservedQty)
			}
			cur.AvailableQty = *in.AvailableQty
		}
		if in.PriceCentral != nil {
			cur.PriceCentral = *in.PriceCentral
		}
		if in.PriceStore != nil {
			cur.PriceStore = decimal.NewNullDecimal(*in.PriceStore)
		}
		cur.LastChangedAt = now
		line = cur
		return tx.Stock().Save(ctx, cur)
	})
	if err != nil {
		return nil, err
	}
	return line, nil
}

// AdjustStock shifts the available quantity by delta and records the movement
// in the same unit of work.
func (l *Ledger) AdjustStock(ctx context.Context, stockID string, delta int, reason string) (line *domain.StockLine, err error) {
	ctx, span := tracer.Start(ctx, "stock.adjust")
	defer func() { observability.End(span, err) }()
	span.SetAttributes(attribute.String("stock.id", stockID), attribute.Int("delta", delta))

	var mv *domain.StockMovement
	err = l.uow.Do(ctx, func(tx store.Tx) error {
		cur, err := tx.Stock().LockByID(ctx, stockID)
		if err != nil {
			return err
		}
		next := cur.AvailableQty + delta
		if next < 0 {
			return domain.InvalidStatef("adjustment would result in negative stock (%d)", next)
		}
		if next < cur.ReservedQty {
			return domain.InvalidStatef("adjustment would leave %d available below %d reserved", next, cur.ReservedQty)
		}
		now := l.clock.Now()
		cur.AvailableQty = next
		cur.LastChangedAt = now
		if err := tx.Stock().Save(ctx, cur); err != nil {
			return err
		}
		mv = &domain.StockMovement{
			ID:        uuid.NewString(),
			StockID:   cur.ID,
			Delta:     delta,
			Reason:    reason,
			ResultQty: next,
			CreatedAt: now,
		}
		line = cur
		return tx.Stock().InsertMovement(ctx, mv)
	})
	if err != nil {
		return nil, err
	}

	l.log.Info().Str("stock_id", line.ID).Int("delta", delta).Int("result", mv.ResultQty).Str("reason", reason).Msg("stock adjusted")
	l.publish(ctx, events.TopicStockAdjusted, line.ID, events.EventStockAdjusted, events.StockAdjustedPayload{
		StockID:   line.ID,
		StoreID:   line.StoreID,
		ProductID: line.ProductID,
		Delta:     delta,
		Reason:    reason,
		ResultQty: mv.ResultQty,
	})
	return line, nil
}

func (l *Ledger) Get(ctx context.Context, stockID string) (*domain.StockLine, error) {
	var line *domain.StockLine
	err := l.uow.Do(ctx, func(tx store.Tx) error {
		var err error
		line, err = tx.Stock().GetByID(ctx, stockID)
		return err
	})
	return line, err
}

// StoreStock lists the lines of a store, lowest available quantity first.
func (l *Ledger) StoreStock(ctx context.Context, storeID string) ([]domain.StockLine, error) {
	var lines []domain.StockLine
	err := l.uow.Do(ctx, func(tx store.Tx) error {
		var err error
		lines, err = tx.Stock().ListByStore(ctx, storeID)
		return err
	})
	return lines, err
}

func (l *Ledger) ProductStock(ctx context.Context, storeID, productID string, variantID *string) (*domain.StockLine, error) {
	var line *domain.StockLine
	err := l.uow.Do(ctx, func(tx store.Tx) error {
		var err error
		line, err = tx.Stock().GetByKey(ctx, domain.StockKey{StoreID: storeID, ProductID: productID, VariantID: variantID})
		return err
	})
	return line, err
}

func (l *Ledger) Stats(ctx context.Context, storeID string) (domain.StockStats, error) {
	var s domain.StockStats
	err := l.uow.Do(ctx, func(tx store.Tx) error {
		var err error
		s, err = tx.Stock().Stats(ctx, storeID, domain.LowStockThreshold)
		return err
	})
	return s, err
}

func (l *Ledger) publish(ctx context.Context, topic, key, eventType string, payload any) {
	if err := l.events.Publish(ctx, topic, key, eventType, payload); err != nil {
		l.log.Warn().Err(err).Str("event", eventType).Str("key", key).Msg("publish event")
	}
}
