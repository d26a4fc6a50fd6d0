// Package orders implements the order processing workflow: reserve stock,
// charge the customer, commit the stock and notify the customer. Stock is
// released again when payment fails or the commit does not go through, the
// latter with a refund notice.
package orders

import (
	"errors"
	"fmt"

	"github.com/petrijr/durable/pkg/api"
)

// OrchestrationName is the name ProcessOrder is registered under.
const OrchestrationName = "ProcessOrder"

// ProcessOrder is the order processing orchestration. Its input is an
// OrderPayload and its output an OrderResult. The instance id doubles as
// the order id.
func ProcessOrder(ctx api.OrchestrationContext) (any, error) {
	var order OrderPayload
	if err := ctx.GetInput(&order); err != nil {
		return nil, err
	}
	order, err := order.Normalize()
	if err != nil {
		return nil, err
	}

	orderID := ctx.InstanceID()
	logger := ctx.Logger()
	logger.Info("order_processing_started", "item", order.Name, "quantity", order.Quantity)

	var reserved InventoryResult
	err = ctx.CallActivity(ActivityReserveInventory, InventoryRequest{
		RequestID: orderID,
		ItemName:  order.Name,
		Quantity:  order.Quantity,
	}, &reserved)
	if err != nil {
		return nil, err
	}

	if !reserved.Success {
		logger.Warn("insufficient_inventory", "item", order.Name, "available", reserved.Item.Remaining)
		if err := notify(ctx, fmt.Sprintf("Insufficient inventory for %s", order.Name)); err != nil {
			return nil, err
		}
		return OrderResult{Processed: false}, nil
	}

	payment := PaymentRequest{
		RequestID:          orderID,
		ItemBeingPurchased: order.Name,
		Quantity:           order.Quantity,
		TotalCost:          order.TotalCost,
	}
	if err := ctx.CallActivity(ActivityProcessPayment, payment, nil); err != nil {
		if rerr := release(ctx, orderID, order); rerr != nil {
			logger.Warn("inventory_release_failed", "error", rerr)
		}
		return nil, err
	}

	if err := ctx.CallActivity(ActivityUpdateInventory, payment, nil); err != nil {
		var actErr *api.ActivityError
		if !errors.As(err, &actErr) {
			return nil, err
		}
		logger.Warn("inventory_update_failed", "error", actErr.Message)
		if err := release(ctx, orderID, order); err != nil {
			return nil, err
		}
		if err := notify(ctx, fmt.Sprintf("Order %s Failed! You are now getting a refund", orderID)); err != nil {
			return nil, err
		}
		return OrderResult{Processed: false}, nil
	}

	if err := notify(ctx, fmt.Sprintf("Order %s has completed!", orderID)); err != nil {
		return nil, err
	}
	logger.Info("order_processing_completed")
	return OrderResult{Processed: true}, nil
}

func release(ctx api.OrchestrationContext, orderID string, order OrderPayload) error {
	return ctx.CallActivity(ActivityReleaseInventory, InventoryRequest{
		RequestID: orderID,
		ItemName:  order.Name,
		Quantity:  order.Quantity,
	}, nil)
}

func notify(ctx api.OrchestrationContext, message string) error {
	return ctx.CallActivity(ActivityNotifyCustomer, Notification{Message: message}, nil)
}

// Registrar is implemented by engines that accept registrations.
type Registrar interface {
	RegisterOrchestration(def api.OrchestrationDefinition) error
	RegisterActivity(def api.ActivityDefinition) error
}

// Register registers ProcessOrder and the activities bound to acts.
func Register(r Registrar, acts *Activities) error {
	for _, def := range acts.Definitions() {
		if err := r.RegisterActivity(def); err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
	}
	if err := r.RegisterOrchestration(api.OrchestrationDefinition{Name: OrchestrationName, Fn: ProcessOrder}); err != nil {
		return fmt.Errorf("register %s: %w", OrchestrationName, err)
	}
	return nil
}
