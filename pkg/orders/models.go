package orders

import (
	"errors"
	"strings"
)

// OrderPayload is the input of a ProcessOrder instance.
type OrderPayload struct {
	Name      string  `json:"name"`
	TotalCost float64 `json:"totalCost"`
	Quantity  int     `json:"quantity"`
}

// DefaultOrder is the order placed when a start request carries no body.
func DefaultOrder() OrderPayload {
	return OrderPayload{Name: "milk", TotalCost: 5, Quantity: 1}
}

// Normalize defaults the quantity to 1 and validates the order.
func (o OrderPayload) Normalize() (OrderPayload, error) {
	o.Name = strings.TrimSpace(o.Name)
	if o.Name == "" {
		return o, errors.New("order: item name is required")
	}
	if o.Quantity == 0 {
		o.Quantity = 1
	}
	if o.Quantity < 0 {
		return o, errors.New("order: quantity must be positive")
	}
	if o.TotalCost < 0 {
		return o, errors.New("order: total cost must not be negative")
	}
	return o, nil
}

// InventoryRequest asks for stock to be held for an order.
type InventoryRequest struct {
	RequestID string `json:"requestId"`
	ItemName  string `json:"itemName"`
	Quantity  int    `json:"quantity"`
}

// InventoryResult reports whether the stock could be held.
type InventoryResult struct {
	Success bool          `json:"success"`
	Item    InventoryItem `json:"item"`
}

// InventoryItem describes the reserved stock.
type InventoryItem struct {
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	Remaining int    `json:"remaining"`
}

// PaymentRequest is passed to both ProcessPayment and UpdateInventory.
type PaymentRequest struct {
	RequestID          string  `json:"requestId"`
	ItemBeingPurchased string  `json:"itemBeingPurchased"`
	Quantity           int     `json:"quantity"`
	TotalCost          float64 `json:"totalCost"`
}

// OrderResult is the output of a ProcessOrder instance.
type OrderResult struct {
	Processed bool `json:"processed"`
}

// Notification is a message for the customer.
type Notification struct {
	Message string `json:"message"`
}
