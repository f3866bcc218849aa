// Package orders looks up the parties of a completed order. The order
// catalog lives in another service; this package only reads from it.
package orders

import (
	"context"
	"errors"
	"sync"
)

// ErrOrderNotFound is returned when the order service does not know the id.
var ErrOrderNotFound = errors.New("order not found")

// Participants are the two parties of an order.
type Participants struct {
	OrderID  string `json:"orderId"`
	BuyerID  string `json:"buyerId"`
	SellerID string `json:"sellerId"`
}

// Has reports whether actorID is the buyer or the seller.
func (p Participants) Has(actorID string) bool {
	return actorID != "" && (actorID == p.BuyerID || actorID == p.SellerID)
}

// Other returns the party that is not actorID.
func (p Participants) Other(actorID string) string {
	if actorID == p.BuyerID {
		return p.SellerID
	}
	return p.BuyerID
}

// Directory resolves order participants.
type Directory interface {
	Participants(ctx context.Context, orderID string) (Participants, error)
}

// MemoryDirectory is an in-memory Directory for development and tests.
type MemoryDirectory struct {
	mu     sync.RWMutex
	orders map[string]Participants
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{orders: make(map[string]Participants)}
}

// Put registers an order.
func (m *MemoryDirectory) Put(orderID, buyerID, sellerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[orderID] = Participants{OrderID: orderID, BuyerID: buyerID, SellerID: sellerID}
}

func (m *MemoryDirectory) Participants(_ context.Context, orderID string) (Participants, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.orders[orderID]
	if !ok {
		return Participants{}, ErrOrderNotFound
	}
	return p, nil
}
