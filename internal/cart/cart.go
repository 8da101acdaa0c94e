// Package cart takes a consistent snapshot of a user's cart at checkout and
// clears exactly the snapshotted quantities once the order is durable.
package cart

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"strings"

	"github.com/safar/marketplace-checkout/internal/apperr"
	"github.com/safar/marketplace-checkout/internal/database"
	"github.com/safar/marketplace-checkout/internal/idempotency"
	"github.com/safar/marketplace-checkout/internal/models"
	"github.com/safar/marketplace-checkout/internal/pricing"
)

type Store interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetCartByUser(ctx context.Context, userID int64) (*models.Cart, error)
	RemoveCartItems(ctx context.Context, cartID int64, lines []models.CartLineClaim) error
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	AddCartItem(ctx context.Context, req models.CartAddition) (*models.Cart, error)
}

// Snapshot is a private copy of the cart lines as they were when checkout
// began. Later cart edits do not affect it.
type Snapshot struct {
	UserID  int64
	CartID  int64
	Version int
	Items   []models.CartItem
}

// Claims lists the snapshotted quantity of every line.
func (s Snapshot) Claims() []models.CartLineClaim {
	claims := make([]models.CartLineClaim, len(s.Items))
	for i, item := range s.Items {
		claims[i] = models.CartLineClaim{ItemID: item.ID, Quantity: item.Quantity}
	}
	return claims
}

func (s Snapshot) PricingItems() []pricing.Item {
	items := make([]pricing.Item, len(s.Items))
	for i, item := range s.Items {
		items[i] = pricing.Item{ProductID: item.ProductID, Quantity: item.Quantity, Selections: item.Selections}
	}
	return items
}

func (s Snapshot) ProductIDs() []int64 {
	seen := make(map[int64]bool, len(s.Items))
	var ids []int64
	for _, item := range s.Items {
		if !seen[item.ProductID] {
			seen[item.ProductID] = true
			ids = append(ids, item.ProductID)
		}
	}
	return ids
}

// Fingerprint identifies this exact cart state. Two checkout attempts on an
// unchanged cart share it; any edit bumps the version and changes it.
func (s Snapshot) Fingerprint() string {
	parts := []string{
		"user", strconv.FormatInt(s.UserID, 10),
		"cart", strconv.FormatInt(s.CartID, 10),
		"version", strconv.Itoa(s.Version),
	}
	for _, item := range s.Items {
		parts = append(parts, fmt.Sprintf("%d:%d:%d:%s", item.ID, item.ProductID, item.Quantity, encodeSelections(item.Selections)))
	}
	return idempotency.Derive(parts...)
}

func encodeSelections(sel map[string]string) string {
	keys := make([]string, 0, len(sel))
	for k := range sel {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s,", k, sel[k])
	}
	return b.String()
}

type Gate struct {
	store Store
}

func NewGate(store Store) *Gate {
	return &Gate{store: store}
}

// BeginCheckout snapshots the user's cart. Nothing is written, so abandoning
// the checkout needs no cleanup.
func (g *Gate) BeginCheckout(ctx context.Context, userID int64) (Snapshot, error) {
	c, err := g.store.GetCartByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, database.ErrCartNotFound) {
			return Snapshot{}, fmt.Errorf("user %d: %w", userID, apperr.ErrCartNotFound)
		}
		return Snapshot{}, fmt.Errorf("load cart: %w", err)
	}
	if len(c.Items) == 0 {
		return Snapshot{}, fmt.Errorf("user %d: %w", userID, apperr.ErrEmptyCart)
	}

	items := make([]models.CartItem, len(c.Items))
	for i, item := range c.Items {
		item.Selections = maps.Clone(item.Selections)
		items[i] = item
	}

	return Snapshot{UserID: userID, CartID: c.ID, Version: c.Version, Items: items}, nil
}

// Commit takes the snapshotted quantities out of the cart. Lines added after
// the snapshot stay, and so do units merged into a snapshotted line.
func (g *Gate) Commit(ctx context.Context, s Snapshot) error {
	if err := g.store.RemoveCartItems(ctx, s.CartID, s.Claims()); err != nil {
		return fmt.Errorf("commit cart %d: %w", s.CartID, err)
	}
	return nil
}

type AddItemRequest struct {
	UserID     int64             `json:"-"`
	ProductID  int64             `json:"product_id"`
	Quantity   int               `json:"quantity"`
	Selections map[string]string `json:"selections,omitempty"`
}

// AddItem puts a product in the cart at its current price. The stored price
// is indicative only; checkout re-prices.
func (g *Gate) AddItem(ctx context.Context, req AddItemRequest) (*models.Cart, error) {
	if req.UserID <= 0 {
		return nil, apperr.Validationf("user id is required")
	}
	if req.Quantity < 1 {
		return nil, apperr.Validationf("quantity must be at least 1")
	}

	if _, err := g.store.GetUser(ctx, req.UserID); err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			return nil, fmt.Errorf("user %d: %w", req.UserID, apperr.ErrUserNotFound)
		}
		return nil, fmt.Errorf("load user: %w", err)
	}

	p, err := g.store.GetProduct(ctx, req.ProductID)
	if err != nil {
		if errors.Is(err, database.ErrProductNotFound) {
			return nil, fmt.Errorf("product %d: %w", req.ProductID, apperr.ErrProductUnavailable)
		}
		return nil, fmt.Errorf("load product: %w", err)
	}
	if !p.Active {
		return nil, fmt.Errorf("product %d: %w", req.ProductID, apperr.ErrProductUnavailable)
	}

	price, err := pricing.UnitPrice(p, req.Selections)
	if err != nil {
		return nil, err
	}

	return g.store.AddCartItem(ctx, models.CartAddition{
		UserID:      req.UserID,
		ProductID:   req.ProductID,
		Quantity:    req.Quantity,
		PriceAtTime: price,
		Selections:  req.Selections,
	})
}
