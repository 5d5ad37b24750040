package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	GetStockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error)
	Quants(ctx context.Context, productID, locationID int64) ([]Quant, error)
}

// Ledger is the transactional view of the quant ledger. It is bound to one
// TxRepository so reads and postings share the caller's transaction.
type Ledger struct {
	tx  TxRepository
	now func() time.Time
}

// NewLedger binds a ledger to tx.
func NewLedger(tx TxRepository) *Ledger {
	return &Ledger{tx: tx, now: func() time.Time { return time.Now().UTC() }}
}

// Quants lists the quants of a product at a location ordered oldest first.
func (l *Ledger) Quants(ctx context.Context, productID, locationID int64) ([]Quant, error) {
	return l.tx.Quants(ctx, productID, locationID)
}

// LotQuants lists the quants of a single lot at a location.
func (l *Ledger) LotQuants(ctx context.Context, productID, locationID, lotID int64) ([]Quant, error) {
	quants, err := l.tx.Quants(ctx, productID, locationID)
	if err != nil {
		return nil, err
	}
	filtered := quants[:0]
	for _, q := range quants {
		if q.LotID == lotID {
			filtered = append(filtered, q)
		}
	}
	return filtered, nil
}

// OnHand sums the quants of a product at a location.
func (l *Ledger) OnHand(ctx context.Context, productID, locationID int64) (decimal.Decimal, error) {
	quants, err := l.tx.Quants(ctx, productID, locationID)
	if err != nil {
		return decimal.Zero, err
	}
	return SumQuants(quants), nil
}

// CompanyLot finds the oldest lot of the product held anywhere in the company.
func (l *Ledger) CompanyLot(ctx context.Context, productID, companyID int64) (Quant, bool, error) {
	return l.tx.CompanyLotQuant(ctx, productID, companyID)
}

// LocationStock lists per-product totals at a location.
func (l *Ledger) LocationStock(ctx context.Context, locationID, companyID int64) ([]ProductStock, error) {
	return l.tx.LocationStock(ctx, locationID, companyID)
}

// AverageCost returns the company-wide average unit cost of a product.
func (l *Ledger) AverageCost(ctx context.Context, productID, companyID int64) (decimal.Decimal, error) {
	return l.tx.AverageCost(ctx, productID, companyID)
}

type quantKey struct {
	productID  int64
	locationID int64
	lotID      int64
}

// PostMoves applies a batch of moves. Outgoing quantities from internal
// locations are checked per (product, lot, location) against locked quants
// before anything is written, so either every move lands or none does.
func (l *Ledger) PostMoves(ctx context.Context, moves []MoveInput) ([]Move, error) {
	if len(moves) == 0 {
		return nil, nil
	}
	for _, m := range moves {
		if m.ProductID == 0 || m.SrcLocationID == 0 || m.DstLocationID == 0 || m.SrcLocationID == m.DstLocationID {
			return nil, fmt.Errorf("%w: product %d from %d to %d", ErrInvalidMove, m.ProductID, m.SrcLocationID, m.DstLocationID)
		}
		if !m.Qty.IsPositive() {
			return nil, fmt.Errorf("%w: product %d lot %d", ErrInvalidQuantity, m.ProductID, m.LotID)
		}
	}

	internal := map[int64]bool{}
	isInternal := func(id int64) (bool, error) {
		if v, ok := internal[id]; ok {
			return v, nil
		}
		v, err := l.tx.LocationIsInternal(ctx, id)
		if err != nil {
			return false, err
		}
		internal[id] = v
		return v, nil
	}

	quants := map[quantKey]Quant{}
	load := func(k quantKey) (Quant, error) {
		if q, ok := quants[k]; ok {
			return q, nil
		}
		q, err := l.tx.QuantForUpdate(ctx, k.productID, k.locationID, k.lotID)
		if err != nil && !errors.Is(err, ErrQuantNotFound) {
			return Quant{}, err
		}
		if errors.Is(err, ErrQuantNotFound) {
			q = Quant{ProductID: k.productID, LocationID: k.locationID, LotID: k.lotID}
		}
		quants[k] = q
		return q, nil
	}

	outgoing := map[quantKey]decimal.Decimal{}
	var order []quantKey
	for _, m := range moves {
		ok, err := isInternal(m.SrcLocationID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		k := quantKey{productID: m.ProductID, locationID: m.SrcLocationID, lotID: m.LotID}
		if _, seen := outgoing[k]; !seen {
			order = append(order, k)
		}
		outgoing[k] = outgoing[k].Add(m.Qty)
	}
	for _, k := range order {
		q, err := load(k)
		if err != nil {
			return nil, err
		}
		if q.Qty.LessThan(outgoing[k]) {
			return nil, fmt.Errorf("%w: product %d lot %d at location %d has %s, needs %s",
				ErrNegativeStock, k.productID, k.lotID, k.locationID, q.Qty, outgoing[k])
		}
	}

	now := l.now()
	posted := make([]Move, 0, len(moves))
	for _, m := range moves {
		srcKey := quantKey{productID: m.ProductID, locationID: m.SrcLocationID, lotID: m.LotID}
		dstKey := quantKey{productID: m.ProductID, locationID: m.DstLocationID, lotID: m.LotID}
		src, err := load(srcKey)
		if err != nil {
			return nil, err
		}
		dst, err := load(dstKey)
		if err != nil {
			return nil, err
		}

		move := Move{
			Reference:      m.Reference,
			CompanyID:      m.CompanyID,
			ProductID:      m.ProductID,
			LotID:          m.LotID,
			Qty:            m.Qty,
			SrcLocationID:  m.SrcLocationID,
			DstLocationID:  m.DstLocationID,
			SourceLineID:   m.SourceLineID,
			AccountingDate: m.AccountingDate,
			PostedAt:       now,
			CreatedBy:      m.ActorID,
		}
		move.ID, err = l.tx.InsertMove(ctx, move)
		if err != nil {
			return nil, err
		}

		src.Qty = src.Qty.Sub(m.Qty)
		src.CompanyID = m.CompanyID
		if src.InDate.IsZero() {
			src.InDate = now
		}
		dst.Qty = dst.Qty.Add(m.Qty)
		dst.CompanyID = m.CompanyID
		if dst.UnitCost.IsZero() {
			dst.UnitCost = src.UnitCost
		}
		if dst.InDate.IsZero() {
			dst.InDate = now
		}
		if err := l.tx.UpsertQuant(ctx, src); err != nil {
			return nil, err
		}
		if err := l.tx.UpsertQuant(ctx, dst); err != nil {
			return nil, err
		}
		quants[srcKey] = src
		quants[dstKey] = dst

		out := StockCardEntry{MoveID: move.ID, Reference: m.Reference, LotID: m.LotID, PostedAt: now, QtyOut: m.Qty, BalanceQty: src.Qty}
		if err := l.tx.InsertCardEntry(ctx, out, m.SrcLocationID, m.ProductID); err != nil {
			return nil, err
		}
		in := StockCardEntry{MoveID: move.ID, Reference: m.Reference, LotID: m.LotID, PostedAt: now, QtyIn: m.Qty, BalanceQty: dst.Qty}
		if err := l.tx.InsertCardEntry(ctx, in, m.DstLocationID, m.ProductID); err != nil {
			return nil, err
		}
		posted = append(posted, move)
	}
	return posted, nil
}

// SumQuants totals quant quantities.
func SumQuants(quants []Quant) decimal.Decimal {
	total := decimal.Zero
	for _, q := range quants {
		total = total.Add(q.Qty)
	}
	return total
}

// Service exposes read access to the ledger.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// Quants lists quants of a product at a location.
func (s *Service) Quants(ctx context.Context, productID, locationID int64) ([]Quant, error) {
	if productID == 0 || locationID == 0 {
		return nil, errors.New("inventory: location and product required")
	}
	return s.repo.Quants(ctx, productID, locationID)
}

// GetStockCard lists stock card entries.
func (s *Service) GetStockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error) {
	if filter.LocationID == 0 || filter.ProductID == 0 {
		return nil, errors.New("inventory: location and product required")
	}
	return s.repo.GetStockCard(ctx, filter)
}
