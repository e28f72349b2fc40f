// Package workorder implements buyer/seller engagements with a locked budget,
// metered progress and an escrow settlement at the end. The budget is locked
// on the buyer wallet when the order is created; metering draws against it,
// completion issues a hash-bound receipt, and settle releases the metered
// amount to the seller and refunds the remainder.
package workorder

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/settld-labs/settld-core/internal/canonical"
	"github.com/settld-labs/settld-core/internal/derr"
	"github.com/settld-labs/settld-core/internal/domain"
	"github.com/settld-labs/settld-core/internal/outbox"
	"github.com/settld-labs/settld-core/internal/store"
	"github.com/settld-labs/settld-core/internal/wallet"
)

// Engine runs work-order state transitions inside store transactions.
type Engine struct {
	Store store.Store
	Now   func() time.Time
}

func NewEngine(st store.Store) *Engine {
	return &Engine{Store: st, Now: time.Now}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CreateInput opens a work order.
type CreateInput struct {
	WorkOrderID   string `json:"workOrderId,omitempty"`
	BuyerAgentID  string `json:"buyerAgentId"`
	SellerAgentID string `json:"sellerAgentId"`
	Description   string `json:"description,omitempty"`
	BudgetCents   int64  `json:"budgetCents"`
	Currency      string `json:"currency,omitempty"`
}

// Create opens the order and locks the budget on the buyer wallet in the same
// transaction. Both agents must exist and be registered under the tenant.
func (e *Engine) Create(ctx context.Context, tenantID string, in CreateInput) (*domain.WorkOrder, error) {
	if in.BuyerAgentID == "" || in.SellerAgentID == "" {
		return nil, derr.Validation("AGENT_ID_REQUIRED", "buyerAgentId and sellerAgentId are required")
	}
	if in.BudgetCents <= 0 {
		return nil, derr.Validation("BUDGET_INVALID", "budgetCents must be positive")
	}
	now := e.now()
	id := in.WorkOrderID
	if id == "" {
		id = "wo_" + uuid.NewString()
	}
	var out *domain.WorkOrder
	err := e.Store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		for _, agent := range []string{in.BuyerAgentID, in.SellerAgentID} {
			if _, err := tx.GetIdentity(ctx, tenantID, agent); err != nil {
				return err
			}
		}
		if existing, err := tx.GetWorkOrder(ctx, tenantID, id); err == nil && existing != nil {
			return derr.Conflict("WORK_ORDER_ALREADY_EXISTS", "work order %s already exists", id)
		}
		buyerW, err := tx.GetWallet(ctx, tenantID, in.BuyerAgentID)
		if err != nil {
			return err
		}
		locked, err := wallet.Lock(*buyerW, in.BudgetCents, now)
		if err != nil {
			return err
		}
		if err := tx.PutWallet(ctx, &locked); err != nil {
			return err
		}
		wo := &domain.WorkOrder{
			SchemaVersion: "WorkOrder.v1",
			TenantID:      tenantID,
			WorkOrderID:   id,
			BuyerAgentID:  in.BuyerAgentID,
			SellerAgentID: in.SellerAgentID,
			Description:   in.Description,
			BudgetCents:   in.BudgetCents,
			LockedCents:   in.BudgetCents,
			Currency:      currencyOr(in.Currency, buyerW.Currency),
			Status:        domain.WorkOrderOpen,
			CreatedAt:     domain.ISO(now),
			UpdatedAt:     domain.ISO(now),
		}
		if err := tx.PutWorkOrder(ctx, wo); err != nil {
			return err
		}
		if err := outbox.Enqueue(ctx, tx, tenantID, "workorder.created", "workorder", id, id+":created",
			map[string]interface{}{"workOrderId": id, "budgetCents": in.BudgetCents}); err != nil {
			return err
		}
		out = wo
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Accept moves an open order to accepted. Only the seller may accept.
func (e *Engine) Accept(ctx context.Context, tenantID, workOrderID, actor string) (*domain.WorkOrder, error) {
	return e.mutate(ctx, tenantID, workOrderID, func(wo *domain.WorkOrder, now time.Time) error {
		if wo.Status != domain.WorkOrderOpen {
			return derr.Conflict("WORK_ORDER_STATUS_INVALID", "work order %s is %s, expected open", wo.WorkOrderID, wo.Status)
		}
		if actor != "" && actor != wo.SellerAgentID {
			return derr.New("WORK_ORDER_ACTOR_FORBIDDEN", 403, "only the seller may accept work order %s", wo.WorkOrderID)
		}
		wo.Status = domain.WorkOrderAccepted
		return nil
	})
}

// ProgressInput is one metering tick.
type ProgressInput struct {
	AmountCents int64  `json:"amountCents"`
	Note        string `json:"note,omitempty"`
}

// Progress records a meter entry and draws it against the locked budget.
func (e *Engine) Progress(ctx context.Context, tenantID, workOrderID string, in ProgressInput) (*domain.WorkOrder, *domain.MeterEntry, error) {
	if in.AmountCents <= 0 {
		return nil, nil, derr.Validation("AMOUNT_INVALID", "amountCents must be positive")
	}
	now := e.now()
	var (
		outWO    *domain.WorkOrder
		outEntry *domain.MeterEntry
	)
	err := e.Store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		wo, err := tx.GetWorkOrder(ctx, tenantID, workOrderID)
		if err != nil {
			return err
		}
		if wo.Status != domain.WorkOrderAccepted {
			return derr.Conflict("WORK_ORDER_STATUS_INVALID", "work order %s is %s, expected accepted", workOrderID, wo.Status)
		}
		if wo.MeteredCents+in.AmountCents > wo.LockedCents {
			return derr.Conflict("WORK_ORDER_BUDGET_EXCEEDED",
				"metering %d would exceed remaining budget %d on work order %s",
				in.AmountCents, wo.LockedCents-wo.MeteredCents, workOrderID)
		}
		entry := &domain.MeterEntry{
			EntryID:     "mtr_" + uuid.NewString(),
			WorkOrderID: workOrderID,
			TenantID:    tenantID,
			AmountCents: in.AmountCents,
			Note:        in.Note,
			At:          domain.ISO(now),
		}
		if err := tx.PutMeterEntry(ctx, entry); err != nil {
			return err
		}
		wo.MeteredCents += in.AmountCents
		wo.UpdatedAt = domain.ISO(now)
		if err := tx.PutWorkOrder(ctx, wo); err != nil {
			return err
		}
		outWO, outEntry = wo, entry
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return outWO, outEntry, nil
}

// TopUp raises the budget and locks the extra amount on the buyer wallet.
func (e *Engine) TopUp(ctx context.Context, tenantID, workOrderID string, amountCents int64) (*domain.WorkOrder, error) {
	if amountCents <= 0 {
		return nil, derr.Validation("AMOUNT_INVALID", "amountCents must be positive")
	}
	now := e.now()
	var out *domain.WorkOrder
	err := e.Store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		wo, err := tx.GetWorkOrder(ctx, tenantID, workOrderID)
		if err != nil {
			return err
		}
		if wo.Status != domain.WorkOrderOpen && wo.Status != domain.WorkOrderAccepted {
			return derr.Conflict("WORK_ORDER_STATUS_INVALID", "work order %s is %s, cannot top up", workOrderID, wo.Status)
		}
		buyerW, err := tx.GetWallet(ctx, tenantID, wo.BuyerAgentID)
		if err != nil {
			return err
		}
		locked, err := wallet.Lock(*buyerW, amountCents, now)
		if err != nil {
			return err
		}
		if err := tx.PutWallet(ctx, &locked); err != nil {
			return err
		}
		wo.BudgetCents += amountCents
		wo.LockedCents += amountCents
		wo.UpdatedAt = domain.ISO(now)
		if err := tx.PutWorkOrder(ctx, wo); err != nil {
			return err
		}
		out = wo
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Complete marks the order done and issues the completion receipt. The
// receipt hash covers the canonical receipt with the hash field omitted.
func (e *Engine) Complete(ctx context.Context, tenantID, workOrderID string) (*domain.WorkOrder, *domain.CompletionReceipt, error) {
	now := e.now()
	var (
		outWO *domain.WorkOrder
		outRC *domain.CompletionReceipt
	)
	err := e.Store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		wo, err := tx.GetWorkOrder(ctx, tenantID, workOrderID)
		if err != nil {
			return err
		}
		if wo.Status != domain.WorkOrderAccepted {
			return derr.Conflict("WORK_ORDER_STATUS_INVALID", "work order %s is %s, expected accepted", workOrderID, wo.Status)
		}
		rc := &domain.CompletionReceipt{
			SchemaVersion: "CompletionReceipt.v1",
			TenantID:      tenantID,
			ReceiptID:     "rcpt_" + uuid.NewString(),
			WorkOrderID:   workOrderID,
			SellerAgentID: wo.SellerAgentID,
			MeteredCents:  wo.MeteredCents,
			IssuedAt:      domain.ISO(now),
		}
		hash, err := canonical.HashArtifact(rc, "receiptHash")
		if err != nil {
			return err
		}
		rc.ReceiptHash = hash
		if err := tx.PutReceipt(ctx, rc); err != nil {
			return err
		}
		wo.Status = domain.WorkOrderCompleted
		wo.UpdatedAt = domain.ISO(now)
		if err := tx.PutWorkOrder(ctx, wo); err != nil {
			return err
		}
		if err := outbox.Enqueue(ctx, tx, tenantID, "workorder.completed", "workorder", workOrderID, workOrderID+":completed",
			map[string]interface{}{"workOrderId": workOrderID, "receiptHash": hash, "meteredCents": wo.MeteredCents}); err != nil {
			return err
		}
		outWO, outRC = wo, rc
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return outWO, outRC, nil
}

// Settle releases the metered amount to the seller, refunds the rest of the
// locked budget to the buyer and records the settlement artifact.
func (e *Engine) Settle(ctx context.Context, tenantID, workOrderID string) (*domain.WorkOrder, *domain.Settlement, error) {
	now := e.now()
	var (
		outWO  *domain.WorkOrder
		outStl *domain.Settlement
	)
	err := e.Store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		wo, err := tx.GetWorkOrder(ctx, tenantID, workOrderID)
		if err != nil {
			return err
		}
		if wo.Status != domain.WorkOrderCompleted {
			return derr.Conflict("WORK_ORDER_STATUS_INVALID", "work order %s is %s, expected completed", workOrderID, wo.Status)
		}
		buyerW, err := tx.GetWallet(ctx, tenantID, wo.BuyerAgentID)
		if err != nil {
			return err
		}
		sellerW, err := tx.GetWallet(ctx, tenantID, wo.SellerAgentID)
		if err != nil {
			return err
		}
		releaseCents := wo.MeteredCents
		refundCents := wo.LockedCents - releaseCents
		res, err := wallet.SplitRelease(*buyerW, *sellerW, releaseCents, refundCents, now)
		if err != nil {
			return err
		}
		if err := tx.PutWallet(ctx, &res.PayerWallet); err != nil {
			return err
		}
		if err := tx.PutWallet(ctx, &res.PayeeWallet); err != nil {
			return err
		}
		stl := &domain.Settlement{
			SchemaVersion:       "AgentRunSettlement.v1",
			TenantID:            tenantID,
			SettlementID:        "stl_" + uuid.NewString(),
			RunID:               workOrderID,
			PayerAgentID:        wo.BuyerAgentID,
			PayeeAgentID:        wo.SellerAgentID,
			AmountCents:         wo.LockedCents,
			Currency:            wo.Currency,
			Status:              settleStatus(releaseCents, refundCents),
			ReleasedAmountCents: releaseCents,
			RefundedAmountCents: refundCents,
			DecisionStatus:      "auto_resolved",
			DecisionReason:      "WORK_ORDER_METERED",
			CreatedAt:           domain.ISO(now),
			UpdatedAt:           domain.ISO(now),
		}
		if err := tx.PutSettlement(ctx, stl); err != nil {
			return err
		}
		wo.Status = domain.WorkOrderSettled
		wo.SettlementID = stl.SettlementID
		wo.LockedCents = 0
		wo.UpdatedAt = domain.ISO(now)
		if err := tx.PutWorkOrder(ctx, wo); err != nil {
			return err
		}
		if err := outbox.Enqueue(ctx, tx, tenantID, "workorder.settled", "workorder", workOrderID, workOrderID+":settled",
			map[string]interface{}{
				"workOrderId":         workOrderID,
				"settlementId":        stl.SettlementID,
				"releasedAmountCents": releaseCents,
				"refundedAmountCents": refundCents,
			}); err != nil {
			return err
		}
		outWO, outStl = wo, stl
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return outWO, outStl, nil
}

// Get returns a work order.
func (e *Engine) Get(ctx context.Context, tenantID, workOrderID string) (*domain.WorkOrder, error) {
	return e.Store.GetWorkOrder(ctx, tenantID, workOrderID)
}

// Metering returns the meter entries of a work order, oldest first.
func (e *Engine) Metering(ctx context.Context, tenantID, workOrderID string) ([]*domain.MeterEntry, error) {
	if _, err := e.Store.GetWorkOrder(ctx, tenantID, workOrderID); err != nil {
		return nil, err
	}
	return e.Store.ListMeterEntries(ctx, tenantID, workOrderID)
}

// Receipts returns the completion receipts of a work order.
func (e *Engine) Receipts(ctx context.Context, tenantID, workOrderID string) ([]*domain.CompletionReceipt, error) {
	if _, err := e.Store.GetWorkOrder(ctx, tenantID, workOrderID); err != nil {
		return nil, err
	}
	return e.Store.ListReceiptsByWorkOrder(ctx, tenantID, workOrderID)
}

func (e *Engine) mutate(ctx context.Context, tenantID, workOrderID string, fn func(*domain.WorkOrder, time.Time) error) (*domain.WorkOrder, error) {
	now := e.now()
	var out *domain.WorkOrder
	err := e.Store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		wo, err := tx.GetWorkOrder(ctx, tenantID, workOrderID)
		if err != nil {
			return err
		}
		if err := fn(wo, now); err != nil {
			return err
		}
		wo.UpdatedAt = domain.ISO(now)
		if err := tx.PutWorkOrder(ctx, wo); err != nil {
			return err
		}
		out = wo
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func settleStatus(releaseCents, refundCents int64) domain.SettlementStatus {
	switch {
	case refundCents == 0:
		return domain.SettlementReleased
	case releaseCents == 0:
		return domain.SettlementRefunded
	default:
		return domain.SettlementSplit
	}
}

func currencyOr(c, fallback string) string {
	if c != "" {
		return c
	}
	if fallback != "" {
		return fallback
	}
	return "USD"
}
