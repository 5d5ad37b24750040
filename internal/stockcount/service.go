package stockcount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockcount/internal/inventory"
	"github.com/odyssey-erp/stockcount/internal/masterdata"
	"github.com/odyssey-erp/stockcount/internal/shared"
)

const (
	moduleName  = "stockcount"
	auditEntity = "stock_adjustment"
)

// Config groups optional settings.
type Config struct {
	// AdjustmentLocationID is the discrepancy location for products without one.
	AdjustmentLocationID int64
	// BlockKitParents rejects scans of kit products before consolidation.
	BlockKitParents bool
}

// Dependencies groups the collaborators of Service. Only Repo, Catalog,
// Units, BOMs and Locations are required.
type Dependencies struct {
	Repo        RepositoryPort
	Catalog     Catalog
	Units       UnitConverter
	BOMs        BOMProvider
	Locations   Locations
	Authz       Authorizer
	Locker      Locker
	Audit       AuditPort
	Approvals   ApprovalPort
	Idempotency IdempotencyPort
	Notifier    Notifier
	Metrics     Metrics
	Logger      *slog.Logger
}

// Service coordinates stock count operations.
type Service struct {
	repo          RepositoryPort
	catalog       Catalog
	locations     Locations
	authz         Authorizer
	locker        Locker
	audit         AuditPort
	approvals     ApprovalPort
	idempotency   IdempotencyPort
	notifier      Notifier
	metrics       Metrics
	logger        *slog.Logger
	scans         *ScanAggregator
	consolidation *ConsolidationEngine
	moves         *MoveGenerator
	now           func() time.Time
}

// NewService builds Service.
func NewService(deps Dependencies, cfg Config) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:          deps.Repo,
		catalog:       deps.Catalog,
		locations:     deps.Locations,
		authz:         deps.Authz,
		locker:        deps.Locker,
		audit:         deps.Audit,
		approvals:     deps.Approvals,
		idempotency:   deps.Idempotency,
		notifier:      deps.Notifier,
		metrics:       deps.Metrics,
		logger:        logger,
		scans:         NewScanAggregator(deps.Catalog, deps.BOMs, cfg.BlockKitParents),
		consolidation: NewConsolidationEngine(deps.BOMs, deps.Units, deps.Catalog),
		moves:         NewMoveGenerator(deps.Catalog, cfg.AdjustmentLocationID),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// CreateInput carries the fields of a new count.
type CreateInput struct {
	LocationID     int64
	UserID         int64
	InventoryDate  *time.Time
	AccountingDate *time.Time
	Note           string
}

// ScanInput is one barcode read.
type ScanInput struct {
	AdjustmentID   int64
	Barcode        string
	UserID         int64
	IdempotencyKey string
}

// CountInput is a manually entered count.
type CountInput struct {
	AdjustmentID int64
	ProductID    int64
	LotID        int64
	UnitID       int64
	Qty          decimal.Decimal
	UserID       int64
}

// LotOverrideInput sets a lot's new quantity by hand.
type LotOverrideInput struct {
	AdjustmentID int64
	LineID       int64
	LotID        int64
	Qty          decimal.Decimal
	UserID       int64
}

// DoneResult reports one posting pass.
type DoneResult struct {
	Adjustment Adjustment       `json:"adjustment"`
	Moves      []inventory.Move `json:"moves"`
	Flagged    []int64          `json:"flagged_line_ids"`
}

// Create opens a draft count for a location. Only one count per location may
// be open at a time.
func (s *Service) Create(ctx context.Context, input CreateInput) (Adjustment, error) {
	loc, err := s.locations.Countable(ctx, input.LocationID)
	if err != nil {
		if errors.Is(err, masterdata.ErrNotFound) {
			return Adjustment{}, fmt.Errorf("%w: location %d", ErrNotFound, input.LocationID)
		}
		return Adjustment{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	release, err := s.obtain(ctx, shared.StockCountLocationLockKey(loc.ID))
	if err != nil {
		return Adjustment{}, err
	}
	defer release()

	now := s.now()
	adj := Adjustment{
		LocationID:     loc.ID,
		CompanyID:      loc.CompanyID,
		WarehouseID:    loc.WarehouseID,
		State:          StateDraft,
		CreatedBy:      input.UserID,
		InventoryDate:  now,
		AccountingDate: input.AccountingDate,
		Note:           strings.TrimSpace(input.Note),
	}
	if input.InventoryDate != nil {
		adj.InventoryDate = input.InventoryDate.UTC()
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		activeID, ok, err := tx.ActiveAdjustmentForLocation(ctx, loc.ID)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: location %s already has open count %d", ErrValidation, loc.Name, activeID)
		}
		adj, err = tx.InsertAdjustment(ctx, adj)
		return err
	})
	if err != nil {
		return Adjustment{}, err
	}
	s.recordAudit(ctx, input.UserID, "stockcount:create", adj, map[string]any{"location_id": loc.ID})
	s.observeTransition("", StateDraft)
	s.logger.Info("stock count created", slog.Int64("adjustment_id", adj.ID), slog.String("name", adj.Name), slog.Int64("location_id", loc.ID))
	return adj, nil
}

// Get loads a count with lines, events, deltas and counted totals.
func (s *Service) Get(ctx context.Context, id int64) (Adjustment, error) {
	var adj Adjustment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		adj, err = s.load(ctx, tx, id, LockNone)
		return err
	})
	return adj, err
}

// ListInput narrows and pages count listings.
type ListInput struct {
	LocationID int64
	State      State
	Page       int
	PerPage    int
}

// List returns count headers newest first, without lines.
func (s *Service) List(ctx context.Context, input ListInput) ([]Adjustment, shared.Pagination, error) {
	switch input.State {
	case "", StateDraft, StateToApprove, StateApproved, StateDone, StateCancel:
	default:
		return nil, shared.Pagination{}, fmt.Errorf("%w: unknown state %q", ErrValidation, input.State)
	}
	if input.PerPage > 100 {
		input.PerPage = 100
	}
	page := shared.NewPagination(input.Page, input.PerPage, 0)
	var items []Adjustment
	var total int
	err := s.repo.WithScanTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		items, total, err = tx.ListAdjustments(ctx, ListFilter{
			LocationID: input.LocationID,
			State:      input.State,
			Limit:      page.PerPage,
			Offset:     page.Offset(),
		})
		return err
	})
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	if items == nil {
		items = []Adjustment{}
	}
	return items, shared.NewPagination(page.Page, page.PerPage, total), nil
}

// ApprovalHistory returns the submit, approve and reject log of a count.
func (s *Service) ApprovalHistory(ctx context.Context, id int64) ([]shared.ApprovalLog, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	if s.approvals == nil {
		return []shared.ApprovalLog{}, nil
	}
	logs, err := s.approvals.List(ctx, moduleName, ApprovalRef(id))
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []shared.ApprovalLog{}
	}
	return logs, nil
}

// AuditTrail returns the latest audit entries of a count, oldest first.
func (s *Service) AuditTrail(ctx context.Context, id int64, limit int) ([]shared.AuditLog, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	if s.audit == nil {
		return []shared.AuditLog{}, nil
	}
	logs, err := s.audit.List(ctx, auditEntity, strconv.FormatInt(id, 10), limit)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []shared.AuditLog{}
	}
	return logs, nil
}

// Scan records one barcode read, merging into the caller's latest event for
// the same product.
func (s *Service) Scan(ctx context.Context, input ScanInput) (ScanEvent, error) {
	key := ""
	if input.IdempotencyKey != "" && s.idempotency != nil {
		key = fmt.Sprintf("stockcount:scan:%d:%d:%s", input.AdjustmentID, input.UserID, input.IdempotencyKey)
		if err := s.idempotency.CheckAndInsert(ctx, key, moduleName); err != nil {
			return ScanEvent{}, err
		}
	}
	evt, err := s.scan(ctx, input)
	if err != nil {
		if key != "" {
			_ = s.idempotency.Delete(ctx, key)
		}
		s.observeScan("rejected")
		return ScanEvent{}, err
	}
	s.observeScan("ok")
	return evt, nil
}

func (s *Service) scan(ctx context.Context, input ScanInput) (ScanEvent, error) {
	product, err := s.scans.Resolve(ctx, input.Barcode)
	if err != nil {
		return ScanEvent{}, err
	}
	var evt ScanEvent
	err = s.repo.WithScanTx(ctx, func(ctx context.Context, tx TxRepository) error {
		adj, err := tx.GetAdjustment(ctx, input.AdjustmentID, LockShare)
		if err != nil {
			return err
		}
		evt, err = s.scans.Record(ctx, tx, adj, product, CountEntry{
			ProductID: product.ID,
			Qty:       decimal.NewFromInt(1),
			UserID:    input.UserID,
			Merge:     true,
		})
		return err
	})
	return evt, err
}

// AddCount records a manually entered quantity.
func (s *Service) AddCount(ctx context.Context, input CountInput) (ScanEvent, error) {
	product, err := s.catalog.Product(ctx, input.ProductID)
	if err != nil {
		if errors.Is(err, masterdata.ErrNotFound) {
			return ScanEvent{}, fmt.Errorf("%w: product %d", ErrNotFound, input.ProductID)
		}
		return ScanEvent{}, err
	}
	var evt ScanEvent
	err = s.repo.WithScanTx(ctx, func(ctx context.Context, tx TxRepository) error {
		adj, err := tx.GetAdjustment(ctx, input.AdjustmentID, LockShare)
		if err != nil {
			return err
		}
		evt, err = s.scans.Record(ctx, tx, adj, product, CountEntry{
			ProductID: product.ID,
			LotID:     input.LotID,
			UnitID:    input.UnitID,
			Qty:       input.Qty,
			UserID:    input.UserID,
		})
		return err
	})
	if err != nil {
		s.observeScan("rejected")
		return ScanEvent{}, err
	}
	s.observeScan("ok")
	return evt, nil
}

// UpdateEvent changes the quantity of an event while the count is in draft.
func (s *Service) UpdateEvent(ctx context.Context, adjustmentID, eventID int64, qty decimal.Decimal) error {
	if qty.IsNegative() {
		return fmt.Errorf("%w: counted quantity must not be negative", ErrValidation)
	}
	return s.repo.WithScanTx(ctx, func(ctx context.Context, tx TxRepository) error {
		adj, err := tx.GetAdjustment(ctx, adjustmentID, LockShare)
		if err != nil {
			return err
		}
		if adj.State != StateDraft {
			return fmt.Errorf("%w: adjustment %s is %s", ErrInvalidState, adj.Name, adj.State)
		}
		evt, err := tx.GetEvent(ctx, adjustmentID, eventID)
		if err != nil {
			return err
		}
		if evt.IsCopy() {
			return fmt.Errorf("%w: event %d was copied from event %d", ErrValidation, evt.ID, evt.SourceEventID)
		}
		return tx.UpdateEventQty(ctx, evt.ID, qty)
	})
}

// DeleteEvent removes an event while the count is in draft. The line goes
// with its last event.
func (s *Service) DeleteEvent(ctx context.Context, adjustmentID, eventID int64) error {
	return s.repo.WithScanTx(ctx, func(ctx context.Context, tx TxRepository) error {
		adj, err := tx.GetAdjustment(ctx, adjustmentID, LockShare)
		if err != nil {
			return err
		}
		if adj.State != StateDraft {
			return fmt.Errorf("%w: adjustment %s is %s", ErrInvalidState, adj.Name, adj.State)
		}
		evt, err := tx.GetEvent(ctx, adjustmentID, eventID)
		if err != nil {
			return err
		}
		if err := tx.DeleteEvent(ctx, evt.ID); err != nil {
			return err
		}
		lines, err := tx.ListLines(ctx, adjustmentID)
		if err != nil {
			return err
		}
		for _, l := range lines {
			if l.ID == evt.LineID && len(l.Events) == 0 {
				return tx.DeleteLine(ctx, l.ID)
			}
		}
		return nil
	})
}

// DeleteLine removes a line. Counters may delete in draft; only approvers may
// delete while the count waits for approval. Parent lines are rebuilt by
// consolidation and cannot be deleted directly.
func (s *Service) DeleteLine(ctx context.Context, adjustmentID, lineID, userID int64) error {
	return s.transition(ctx, adjustmentID, userID, "stockcount:delete_line", func(ctx context.Context, tx TxRepository, adj *Adjustment) error {
		switch adj.State {
		case StateDraft:
		case StateToApprove:
			if err := s.requirePermission(ctx, userID, shared.PermStockCountApprove); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: lines of %s cannot be deleted in state %s", ErrInvalidState, adj.Name, adj.State)
		}
		line, ok := findLine(adj.Lines, lineID)
		if !ok {
			return fmt.Errorf("%w: line %d", ErrNotFound, lineID)
		}
		if isParentLine(adj.Lines, line) {
			return fmt.Errorf("%w: line %d is a consolidated kit line", ErrValidation, lineID)
		}
		if line.IsChild() {
			sources := map[int64]bool{}
			for _, evt := range line.Events {
				sources[evt.ID] = true
			}
			for _, l := range adj.Lines {
				for _, evt := range l.Events {
					if evt.IsCopy() && sources[evt.SourceEventID] {
						if err := tx.DeleteEvent(ctx, evt.ID); err != nil {
							return err
						}
					}
				}
			}
		}
		if err := tx.DeleteLine(ctx, line.ID); err != nil {
			return err
		}
		if adj.State != StateToApprove || !line.IsChild() {
			return nil
		}
		lines, err := tx.ListLines(ctx, adj.ID)
		if err != nil {
			return err
		}
		adj.Lines = lines
		_, err = s.allocate(ctx, tx, adj, allocateOptions{only: func(l Line) bool {
			return l.ProductID == line.ParentProductID && l.LotID == 0 && !l.IsChild()
		}})
		return err
	})
}

// Confirm consolidates kit lines, adds zero lines for unscanned stock and
// allocates every line. With allowEmpty a count without lines may be
// confirmed and only products without stock get zero lines.
func (s *Service) Confirm(ctx context.Context, id, userID int64, allowEmpty bool) (Adjustment, error) {
	var result Adjustment
	err := s.transition(ctx, id, userID, "stockcount:confirm", func(ctx context.Context, tx TxRepository, adj *Adjustment) error {
		if adj.State != StateDraft {
			return fmt.Errorf("%w: %s is %s, only drafts can be confirmed", ErrInvalidState, adj.Name, adj.State)
		}
		if len(adj.Lines) == 0 && !allowEmpty {
			return fmt.Errorf("%w: %s has no counted lines", ErrValidation, adj.Name)
		}
		lines, err := s.consolidation.Consolidate(ctx, tx, *adj, adj.Lines)
		if err != nil {
			return err
		}
		adj.Lines = lines
		if err := s.addZeroLines(ctx, tx, adj, allowEmpty); err != nil {
			return err
		}
		if _, err := s.allocate(ctx, tx, adj, allocateOptions{}); err != nil {
			return err
		}
		adj.State = StateToApprove
		if err := tx.UpdateAdjustment(ctx, *adj); err != nil {
			return err
		}
		result = *adj
		return nil
	})
	if err != nil {
		return Adjustment{}, err
	}
	s.recordApproval(ctx, userID, result, shared.ApprovalSubmit, "")
	return result, nil
}

// Approve stamps the approver. Only users holding the approve capability may
// approve.
func (s *Service) Approve(ctx context.Context, id, userID int64) (Adjustment, error) {
	if err := s.requirePermission(ctx, userID, shared.PermStockCountApprove); err != nil {
		return Adjustment{}, err
	}
	var result Adjustment
	err := s.transition(ctx, id, userID, "stockcount:approve", func(ctx context.Context, tx TxRepository, adj *Adjustment) error {
		if adj.State != StateToApprove {
			return fmt.Errorf("%w: %s is %s, only counts waiting for approval can be approved", ErrInvalidState, adj.Name, adj.State)
		}
		if len(adj.Lines) == 0 {
			return fmt.Errorf("%w: %s has no lines", ErrValidation, adj.Name)
		}
		adj.State = StateApproved
		adj.ApproverID = userID
		if err := tx.UpdateAdjustment(ctx, *adj); err != nil {
			return err
		}
		result = *adj
		return nil
	})
	if err != nil {
		return Adjustment{}, err
	}
	s.recordApproval(ctx, userID, result, shared.ApprovalApprove, "")
	return result, nil
}

// Recompute applies each line's counted difference to fresh stock. Lines whose
// reduction no longer fits the stock on hand are flagged instead of failing. Lots set by
// hand are kept unless override is set.
func (s *Service) Recompute(ctx context.Context, id, userID int64, override bool) (Adjustment, error) {
	var result Adjustment
	err := s.transition(ctx, id, userID, "stockcount:recompute", func(ctx context.Context, tx TxRepository, adj *Adjustment) error {
		if adj.State != StateToApprove && adj.State != StateApproved {
			return fmt.Errorf("%w: %s is %s", ErrInvalidState, adj.Name, adj.State)
		}
		flagged, err := s.allocate(ctx, tx, adj, allocateOptions{soft: true, override: override})
		if err != nil {
			return err
		}
		s.observeFlagged(len(flagged))
		adj.IsRecomputed = true
		if err := tx.UpdateAdjustment(ctx, *adj); err != nil {
			return err
		}
		result = *adj
		return nil
	})
	return result, err
}

// RefreshStock reloads each line's on-hand quantity and unit price. Lines
// flagged for attention get their counted difference applied to the fresh
// stock when it fits; otherwise the counted total replaces the fresh stock.
// Other allocations are left alone.
func (s *Service) RefreshStock(ctx context.Context, id, userID int64) (Adjustment, error) {
	var result Adjustment
	err := s.transition(ctx, id, userID, "stockcount:refresh_stock", func(ctx context.Context, tx TxRepository, adj *Adjustment) error {
		if adj.State.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrInvalidState, adj.Name, adj.State)
		}
		ledger := tx.Ledger()
		allocator := NewLotAllocator(ledger)
		exclude := lotsWithOwnLine(adj.Lines)
		for i := range adj.Lines {
			line := &adj.Lines[i]
			if line.Posted {
				continue
			}
			quants, err := allocator.ScopedQuants(ctx, *line, adj.LocationID, exclude[line.ProductID])
			if err != nil {
				return err
			}
			line.OnHand = inventory.SumQuants(quants)
			price, err := ledger.AverageCost(ctx, line.ProductID, adj.CompanyID)
			if err != nil {
				return err
			}
			line.UnitPrice = price
			if line.Editable && !line.IsChild() && len(quants) > 0 {
				diff := line.Counted.Sub(line.Baseline)
				if NeedsAttention(diff, line.OnHand) {
					line.Deltas = Allocate(line.Counted, quants)
					line.Baseline = PositivePrior(line.Deltas)
				} else {
					line.Deltas = AllocateDifference(line.Counted, diff, quants)
				}
				line.Editable = false
				if err := tx.ReplaceDeltas(ctx, line.ID, line.Deltas); err != nil {
					return err
				}
			}
			if err := tx.UpdateLine(ctx, *line); err != nil {
				return err
			}
		}
		result = *adj
		return nil
	})
	return result, err
}

// SetLotQuantity overrides a lot's new quantity. Recompute keeps the value
// until it runs with override.
func (s *Service) SetLotQuantity(ctx context.Context, input LotOverrideInput) (Adjustment, error) {
	if input.Qty.IsNegative() {
		return Adjustment{}, fmt.Errorf("%w: lot quantity must not be negative", ErrValidation)
	}
	if err := s.requirePermission(ctx, input.UserID, shared.PermStockCountApprove); err != nil {
		return Adjustment{}, err
	}
	var result Adjustment
	err := s.transition(ctx, input.AdjustmentID, input.UserID, "stockcount:set_lot", func(ctx context.Context, tx TxRepository, adj *Adjustment) error {
		if adj.State != StateToApprove && adj.State != StateApproved {
			return fmt.Errorf("%w: %s is %s", ErrInvalidState, adj.Name, adj.State)
		}
		idx := -1
		for i, l := range adj.Lines {
			if l.ID == input.LineID {
				idx = i
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: line %d", ErrNotFound, input.LineID)
		}
		line := &adj.Lines[idx]
		if line.Posted {
			return fmt.Errorf("%w: line %d is already posted", ErrValidation, line.ID)
		}
		found := false
		for i := range line.Deltas {
			if line.Deltas[i].LotID == input.LotID {
				line.Deltas[i].NewQty = input.Qty
				line.Deltas[i].Overridden = true
				found = true
			}
		}
		if !found {
			return fmt.Errorf("%w: lot %d on line %d", ErrNotFound, input.LotID, line.ID)
		}
		line.Editable = false
		if err := tx.ReplaceDeltas(ctx, line.ID, line.Deltas); err != nil {
			return err
		}
		if err := tx.UpdateLine(ctx, *line); err != nil {
			return err
		}
		result = *adj
		return nil
	})
	return result, err
}

// Done recomputes allocations and posts every resolved line. Lines that
// need attention are listed in the note and keep the count approved; once
// every line is posted the count is done.
func (s *Service) Done(ctx context.Context, id, userID int64) (DoneResult, error) {
	if err := s.requirePermission(ctx, userID, shared.PermStockCountPost); err != nil {
		return DoneResult{}, err
	}
	var result DoneResult
	err := s.transition(ctx, id, userID, "stockcount:done", func(ctx context.Context, tx TxRepository, adj *Adjustment) error {
		if adj.State != StateApproved {
			return fmt.Errorf("%w: %s is %s, only approved counts can be posted", ErrInvalidState, adj.Name, adj.State)
		}
		if len(adj.Lines) == 0 {
			return fmt.Errorf("%w: %s has no lines to post", ErrValidation, adj.Name)
		}
		if _, err := s.allocate(ctx, tx, adj, allocateOptions{soft: true}); err != nil {
			return err
		}
		adj.IsRecomputed = true

		var postable []Line
		var flagged []Line
		for _, l := range adj.Lines {
			if l.IsChild() || l.Posted {
				continue
			}
			if l.Editable {
				flagged = append(flagged, l)
				continue
			}
			postable = append(postable, l)
		}
		if len(postable) == 0 && len(flagged) == 0 {
			return fmt.Errorf("%w: %s has no valid lines to post", ErrValidation, adj.Name)
		}

		moveInputs, err := s.moves.Moves(ctx, *adj, postable, userID)
		if err != nil {
			return err
		}
		posted, err := tx.Ledger().PostMoves(ctx, moveInputs)
		if err != nil {
			if errors.Is(err, inventory.ErrNegativeStock) {
				return fmt.Errorf("%w: posting %s at location %d: %w", ErrValidation, adj.Name, adj.LocationID, err)
			}
			return err
		}
		postedLines := map[int64]bool{}
		for _, l := range postable {
			postedLines[l.ID] = true
		}
		for i := range adj.Lines {
			if postedLines[adj.Lines[i].ID] {
				adj.Lines[i].Posted = true
				if err := tx.UpdateLine(ctx, adj.Lines[i]); err != nil {
					return err
				}
			}
		}

		now := s.now()
		if len(postable) > 0 {
			adj.PostedDate = &now
			if err := tx.UpdateLastCountDate(ctx, adj.LocationID, adj.InventoryDate); err != nil {
				return err
			}
		}
		if len(flagged) > 0 {
			note, err := s.mismatchNote(ctx, flagged)
			if err != nil {
				return err
			}
			adj.Note = note
		} else {
			adj.State = StateDone
			adj.Note = ""
		}
		if err := tx.UpdateAdjustment(ctx, *adj); err != nil {
			return err
		}
		result.Adjustment = *adj
		result.Moves = posted
		for _, l := range flagged {
			result.Flagged = append(result.Flagged, l.ID)
		}
		return nil
	})
	if err != nil {
		return DoneResult{}, err
	}
	s.observeMoves(len(result.Moves))
	s.observeFlagged(len(result.Flagged))
	if len(result.Moves) > 0 || result.Adjustment.State == StateDone {
		s.notifyPosted(ctx, result)
	}
	return result, nil
}

// Cancel undoes consolidation and drops allocations. Done or cancelled counts
// and counts with posted lines cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id, userID int64) (Adjustment, error) {
	var result Adjustment
	err := s.transition(ctx, id, userID, "stockcount:cancel", func(ctx context.Context, tx TxRepository, adj *Adjustment) error {
		if adj.State.Terminal() {
			return fmt.Errorf("%w: %s is already %s", ErrValidation, adj.Name, adj.State)
		}
		for _, l := range adj.Lines {
			if l.Posted {
				return fmt.Errorf("%w: %s has posted lines", ErrValidation, adj.Name)
			}
		}
		if err := s.consolidation.Rollback(ctx, tx, adj.Lines); err != nil {
			return err
		}
		lines, err := tx.ListLines(ctx, adj.ID)
		if err != nil {
			return err
		}
		for i := range lines {
			if len(lines[i].Deltas) == 0 && !lines[i].Editable {
				continue
			}
			lines[i].Deltas = nil
			lines[i].Editable = false
			lines[i].Baseline = decimal.Zero
			if err := tx.ReplaceDeltas(ctx, lines[i].ID, nil); err != nil {
				return err
			}
			if err := tx.UpdateLine(ctx, lines[i]); err != nil {
				return err
			}
		}
		adj.Lines = lines
		adj.State = StateCancel
		if err := tx.UpdateAdjustment(ctx, *adj); err != nil {
			return err
		}
		result = *adj
		return nil
	})
	if err != nil {
		return Adjustment{}, err
	}
	s.recordApproval(ctx, userID, result, shared.ApprovalReject, "")
	return result, nil
}

// Reset reopens a cancelled count for scanning.
func (s *Service) Reset(ctx context.Context, id, userID int64) (Adjustment, error) {
	var result Adjustment
	err := s.transition(ctx, id, userID, "stockcount:reset", func(ctx context.Context, tx TxRepository, adj *Adjustment) error {
		if adj.State != StateCancel {
			return fmt.Errorf("%w: %s is %s, only cancelled counts can be reset", ErrInvalidState, adj.Name, adj.State)
		}
		activeID, ok, err := tx.ActiveAdjustmentForLocation(ctx, adj.LocationID)
		if err != nil {
			return err
		}
		if ok && activeID != adj.ID {
			return fmt.Errorf("%w: location %d already has open count %d", ErrValidation, adj.LocationID, activeID)
		}
		adj.State = StateDraft
		adj.ApproverID = 0
		adj.IsRecomputed = false
		adj.Note = ""
		if err := tx.UpdateAdjustment(ctx, *adj); err != nil {
			return err
		}
		result = *adj
		return nil
	})
	return result, err
}

type allocateOptions struct {
	// soft flags lines that cannot be satisfied instead of failing.
	soft     bool
	override bool
	only     func(Line) bool
}

// allocate computes deltas for every unposted line of adj and persists them.
// It returns the lines left flagged.
func (s *Service) allocate(ctx context.Context, tx TxRepository, adj *Adjustment, opts allocateOptions) ([]Line, error) {
	totals, err := s.consolidation.CountedTotals(ctx, *adj, adj.Lines)
	if err != nil {
		return nil, err
	}
	ledger := tx.Ledger()
	allocator := NewLotAllocator(ledger)
	exclude := lotsWithOwnLine(adj.Lines)
	var flagged []Line
	for i := range adj.Lines {
		line := &adj.Lines[i]
		line.Counted = totals[line.ID]
		if line.Posted || line.IsChild() || (opts.only != nil && !opts.only(*line)) {
			continue
		}
		if opts.soft && line.Overridden() && !opts.override {
			continue
		}
		target := totals[line.ID]
		price, err := ledger.AverageCost(ctx, line.ProductID, adj.CompanyID)
		if err != nil {
			return nil, err
		}
		line.UnitPrice = price

		if !opts.soft {
			deltas, onHand, err := allocator.AllocateLine(ctx, *line, target, adj.LocationID, adj.CompanyID, exclude[line.ProductID])
			if err != nil {
				return nil, err
			}
			line.Deltas, line.OnHand, line.Editable = deltas, onHand, false
			line.Baseline = PositivePrior(deltas)
		} else {
			quants, err := allocator.ScopedQuants(ctx, *line, adj.LocationID, exclude[line.ProductID])
			if err != nil {
				return nil, err
			}
			line.OnHand = inventory.SumQuants(quants)
			diff := target.Sub(line.Baseline)
			switch {
			case NeedsAttention(diff, line.OnHand):
				line.Editable = true
			case len(quants) == 0:
				identity, ok, err := allocator.LotIdentity(ctx, *line, adj.CompanyID)
				if err != nil {
					return nil, err
				}
				if !ok {
					line.Editable = true
					break
				}
				line.Deltas, line.Editable = Allocate(target, []inventory.Quant{identity}), false
			default:
				line.Deltas, line.Editable = AllocateDifference(target, diff, quants), false
			}
		}
		if line.Editable {
			flagged = append(flagged, *line)
			s.logger.Warn("stock count line needs attention",
				slog.Int64("adjustment_id", adj.ID), slog.Int64("line_id", line.ID), slog.Int64("product_id", line.ProductID))
		}
		if err := tx.ReplaceDeltas(ctx, line.ID, line.Deltas); err != nil {
			return nil, err
		}
		if err := tx.UpdateLine(ctx, *line); err != nil {
			return nil, err
		}
	}
	return flagged, nil
}

func (s *Service) addZeroLines(ctx context.Context, tx TxRepository, adj *Adjustment, allowEmpty bool) error {
	stock, err := tx.Ledger().LocationStock(ctx, adj.LocationID, adj.CompanyID)
	if err != nil {
		return err
	}
	have := map[int64]bool{}
	for _, l := range adj.Lines {
		have[l.ProductID] = true
	}
	added := false
	for _, st := range stock {
		if have[st.ProductID] {
			continue
		}
		if allowEmpty && !st.Qty.IsZero() {
			continue
		}
		if _, err := tx.EnsureLine(ctx, Line{
			AdjustmentID:    adj.ID,
			ProductID:       st.ProductID,
			DisplaySequence: StandaloneSequence(st.ProductID),
		}); err != nil {
			return fmt.Errorf("zero line for product %d: %w", st.ProductID, err)
		}
		added = true
	}
	if !added {
		return nil
	}
	lines, err := tx.ListLines(ctx, adj.ID)
	if err != nil {
		return err
	}
	adj.Lines = lines
	return nil
}

func (s *Service) mismatchNote(ctx context.Context, flagged []Line) (string, error) {
	names := make([]string, 0, len(flagged))
	for _, l := range flagged {
		p, err := s.catalog.Product(ctx, l.ProductID)
		if err != nil {
			return "", err
		}
		names = append(names, p.DisplayName())
	}
	sort.Strings(names)
	return "Please resolve the stock mismatch for the following products: " + strings.Join(names, ", "), nil
}

// transition runs fn on the locked adjustment inside one transaction and
// records audit and metrics after commit.
func (s *Service) transition(ctx context.Context, id, userID int64, action string, fn func(context.Context, TxRepository, *Adjustment) error) error {
	release, err := s.obtain(ctx, shared.StockCountLockKey(id))
	if err != nil {
		return err
	}
	defer release()

	var before, after Adjustment
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		adj, err := s.load(ctx, tx, id, LockUpdate)
		if err != nil {
			return err
		}
		before = adj
		if err := fn(ctx, tx, &adj); err != nil {
			return err
		}
		after = adj
		return nil
	})
	if err != nil {
		s.logger.Debug("stock count action rejected", slog.String("action", action), slog.Int64("adjustment_id", id), slog.Any("error", err))
		return err
	}
	s.recordAudit(ctx, userID, action, after, map[string]any{"from": string(before.State), "to": string(after.State)})
	if before.State != after.State {
		s.observeTransition(before.State, after.State)
		s.logger.Info("stock count transition", slog.Int64("adjustment_id", id), slog.String("from", string(before.State)), slog.String("to", string(after.State)))
	}
	return nil
}

func (s *Service) load(ctx context.Context, tx TxRepository, id int64, lock LockMode) (Adjustment, error) {
	adj, err := tx.GetAdjustment(ctx, id, lock)
	if err != nil {
		return Adjustment{}, err
	}
	lines, err := tx.ListLines(ctx, id)
	if err != nil {
		return Adjustment{}, err
	}
	adj.Lines = lines
	totals, err := s.consolidation.CountedTotals(ctx, adj, lines)
	if err != nil {
		return Adjustment{}, err
	}
	for i := range adj.Lines {
		adj.Lines[i].Counted = totals[adj.Lines[i].ID]
	}
	return adj, nil
}

func (s *Service) obtain(ctx context.Context, key string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	release, err := s.locker.Obtain(ctx, key)
	if err != nil {
		if errors.Is(err, shared.ErrLockNotObtained) {
			return nil, fmt.Errorf("%w: %v", ErrBusy, err)
		}
		return nil, err
	}
	return release, nil
}

func (s *Service) requirePermission(ctx context.Context, userID int64, perm string) error {
	if s.authz == nil {
		return nil
	}
	ok, err := s.authz.HasPermission(ctx, userID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: user %d lacks %s", ErrPermission, userID, perm)
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, adj Adjustment, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["name"] = adj.Name
	meta["state"] = string(adj.State)
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   auditEntity,
		EntityID: strconv.FormatInt(adj.ID, 10),
		Meta:     meta,
	}); err != nil {
		s.logger.Error("record stock count audit", slog.String("action", action), slog.Any("error", err))
	}
}

func (s *Service) recordApproval(ctx context.Context, actorID int64, adj Adjustment, action shared.ApprovalAction, note string) {
	if s.approvals == nil || actorID == 0 {
		return
	}
	if err := s.approvals.Record(ctx, shared.ApprovalLog{
		Module:  moduleName,
		RefID:   ApprovalRef(adj.ID),
		ActorID: actorID,
		Action:  action,
		Note:    note,
	}); err != nil {
		s.logger.Error("record stock count approval", slog.Any("error", err))
	}
}

// ApprovalRef maps an adjustment id to its approval log reference.
func ApprovalRef(adjustmentID int64) uuid.UUID {
	return uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("%s:%d", moduleName, adjustmentID)))
}

func (s *Service) notifyPosted(ctx context.Context, result DoneResult) {
	if s.notifier == nil {
		return
	}
	adj := result.Adjustment
	postedAt := s.now()
	if adj.PostedDate != nil {
		postedAt = *adj.PostedDate
	}
	evt := PostedEvent{
		AdjustmentID: adj.ID,
		Name:         adj.Name,
		LocationID:   adj.LocationID,
		CompanyID:    adj.CompanyID,
		State:        adj.State,
		PostedAt:     postedAt,
		Moves:        result.Moves,
	}
	if err := s.notifier.NotifyStockCountPosted(ctx, evt); err != nil {
		s.logger.Error("notify stock count posted", slog.Int64("adjustment_id", adj.ID), slog.Any("error", err))
	}
}

func (s *Service) observeScan(result string) {
	if s.metrics != nil {
		s.metrics.ObserveScan(result)
	}
}

func (s *Service) observeTransition(from, to State) {
	if s.metrics != nil {
		s.metrics.ObserveTransition(from, to)
	}
}

func (s *Service) observeMoves(n int) {
	if s.metrics != nil && n > 0 {
		s.metrics.ObserveMoves(n)
	}
}

func (s *Service) observeFlagged(n int) {
	if s.metrics != nil {
		s.metrics.ObserveFlaggedLines(n)
	}
}

func findLine(lines []Line, id int64) (Line, bool) {
	for _, l := range lines {
		if l.ID == id {
			return l, true
		}
	}
	return Line{}, false
}

func isParentLine(lines []Line, line Line) bool {
	if line.LotID != 0 || line.IsChild() {
		return false
	}
	for _, l := range lines {
		if l.ParentProductID == line.ProductID {
			return true
		}
	}
	return false
}
