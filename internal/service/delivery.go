package service

import (
	"context"
	"strings"

	"heladeria/backend/internal/apperr"
	"heladeria/backend/internal/domain"
)

func (s *Service) ListDeliveryStatuses(ctx context.Context) ([]domain.DeliveryStatus, error) {
	statuses, err := s.repo.ListDeliveryStatuses(ctx)
	if err != nil {
		return nil, mapStoreError(err, "delivery statuses not found")
	}
	return statuses, nil
}

func (s *Service) GetDeliveryOrder(ctx context.Context, orderID int64) (domain.DeliveryOrderDetail, error) {
	order, err := s.authorizedDeliveryOrder(ctx, orderID)
	if err != nil {
		return domain.DeliveryOrderDetail{}, err
	}
	history, err := s.repo.ListDeliveryHistory(ctx, orderID)
	if err != nil {
		return domain.DeliveryOrderDetail{}, mapStoreError(err, "delivery order not found")
	}
	return domain.DeliveryOrderDetail{DeliveryOrder: *order, History: history}, nil
}

// AdvanceDelivery moves an order to any known status and appends a history
// entry signed by the acting staff member.
func (s *Service) AdvanceDelivery(ctx context.Context, orderID int64, req domain.DeliveryStatusUpdateRequest) (domain.DeliveryOrderDetail, error) {
	if _, err := s.authorizedDeliveryOrder(ctx, orderID); err != nil {
		return domain.DeliveryOrderDetail{}, err
	}
	actor, _ := ActorFromContext(ctx)
	if req.StatusID < 1 {
		return domain.DeliveryOrderDetail{}, apperr.New(apperr.CodeValidation, "status_id es obligatorio")
	}

	if _, err := s.repo.UpdateDeliveryStatus(ctx, orderID, req.StatusID, strings.TrimSpace(req.Notes), actor.Username); err != nil {
		return domain.DeliveryOrderDetail{}, mapStoreError(err, "delivery order not found")
	}
	s.log.Info(s.log.WithFields(ctx, map[string]any{
		"delivery_order_id": orderID,
		"status_id":         req.StatusID,
		"actor":             actor.Username,
	}), "delivery status updated")
	return s.GetDeliveryOrder(ctx, orderID)
}

func (s *Service) authorizedDeliveryOrder(ctx context.Context, orderID int64) (*domain.DeliveryOrder, error) {
	if _, err := requireStaff(ctx, 0); err != nil {
		return nil, err
	}
	order, err := s.repo.GetDeliveryOrder(ctx, orderID)
	if err != nil {
		return nil, mapStoreError(err, "delivery order not found")
	}
	sale, err := s.repo.GetSale(ctx, order.SaleID)
	if err != nil {
		return nil, mapStoreError(err, "sale not found")
	}
	if _, err := requireStaff(ctx, sale.StoreID); err != nil {
		return nil, err
	}
	return order, nil
}

// GetSale returns a sale with its items to staff of the owning store.
func (s *Service) GetSale(ctx context.Context, saleID int64) (domain.Sale, error) {
	if _, err := requireStaff(ctx, 0); err != nil {
		return domain.Sale{}, err
	}
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return domain.Sale{}, mapStoreError(err, "sale not found")
	}
	if _, err := requireStaff(ctx, sale.StoreID); err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}
