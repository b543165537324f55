package carts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/fjod/go_pos/domain"
	"github.com/fjod/go_pos/internal/cache"
	"github.com/fjod/go_pos/internal/mutation"
	"github.com/fjod/go_pos/internal/repository"
	"github.com/fjod/go_pos/pkg/logger"
)

const maxLineQuantity = 999

type AddItemRequest struct {
	LocationID string  `json:"location_id"`
	CustomerID *string `json:"customer_id,omitempty"`
	ProductID  int64   `json:"product_id"`
	Quantity   int32   `json:"quantity"`
}

type Service struct {
	repo     Repository
	cache    cache.CartCache
	products repository.ProductRepository
	pricing  Pricing
	lock     *mutation.Lock
	sfg      singleflight.Group // Prevents cache stampede
	log      *logger.Logger
}

func NewService(repo Repository, c cache.CartCache, products repository.ProductRepository, pricing Pricing, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	if pricing.TaxRate.IsNegative() {
		pricing.TaxRate = decimal.Zero
	}
	codes := make(map[string]decimal.Decimal, len(pricing.DiscountCodes))
	for code, pct := range pricing.DiscountCodes {
		codes[normalizeCode(code)] = pct
	}
	pricing.DiscountCodes = codes

	return &Service{
		repo:     repo,
		cache:    c,
		products: products,
		pricing:  pricing,
		lock:     mutation.New(),
		log:      log.WithComponent("cart-service"),
	}
}

func (s *Service) GetCart(ctx context.Context, cartID string) (*domain.Cart, error) {
	v, err, _ := s.sfg.Do(cartID, func() (interface{}, error) {
		cart, err := s.cache.Get(ctx, cartID)
		if err == nil {
			return cart, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.log.WarnContext(ctx, "cache get error", "cart_id", cartID, "error", err)
		}

		cart, err = s.repo.GetCart(ctx, cartID)
		if err != nil {
			return nil, err
		}

		go func(cart *domain.Cart) {
			setCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := s.cache.Set(setCtx, cartID, cart); err != nil {
				s.log.Warn("cache set error", "cart_id", cartID, "error", err)
			}
		}(cart)

		return cart, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Cart), nil
}

func (s *Service) ListCarts(ctx context.Context, locationID string) ([]*domain.Cart, error) {
	return s.repo.ListCarts(ctx, locationID)
}

// AddItem prices the product from the catalog and adds it to the cart, creating the cart on
// first use. Adding a product already in the cart increases its quantity.
func (s *Service) AddItem(ctx context.Context, cartID string, req AddItemRequest) (*domain.Cart, error) {
	if req.Quantity <= 0 || req.Quantity > maxLineQuantity {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQuantity, req.Quantity)
	}

	product, err := s.products.GetProduct(ctx, req.ProductID)
	if errors.Is(err, repository.ErrProductNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrProductUnavailable, req.ProductID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load product %d: %w", req.ProductID, err)
	}
	if !product.Active {
		return nil, fmt.Errorf("%w: %d", ErrProductUnavailable, req.ProductID)
	}

	return s.mutate(ctx, cartID, true, func(c *domain.Cart) error {
		if c.LocationID == "" {
			c.LocationID = req.LocationID
		} else if req.LocationID != "" && req.LocationID != c.LocationID {
			return ErrLocationMismatch
		}
		if req.CustomerID != nil {
			c.CustomerID = req.CustomerID
		}

		for i := range c.Items {
			if c.Items[i].ProductID == req.ProductID {
				qty := c.Items[i].Quantity + req.Quantity
				if qty > maxLineQuantity {
					return fmt.Errorf("%w: %d", ErrInvalidQuantity, qty)
				}
				c.Items[i].Quantity = qty
				c.Items[i].UnitPrice = product.Price
				return nil
			}
		}
		c.Items = append(c.Items, domain.LineItem{
			ProductID: product.ID,
			Name:      product.Name,
			Quantity:  req.Quantity,
			UnitPrice: product.Price,
		})
		return nil
	})
}

// UpdateQuantity sets a line's quantity. Zero removes the line.
func (s *Service) UpdateQuantity(ctx context.Context, cartID string, productID int64, quantity int32) (*domain.Cart, error) {
	if quantity < 0 || quantity > maxLineQuantity {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}
	if quantity == 0 {
		return s.RemoveItem(ctx, cartID, productID)
	}
	return s.mutate(ctx, cartID, false, func(c *domain.Cart) error {
		for i := range c.Items {
			if c.Items[i].ProductID == productID {
				c.Items[i].Quantity = quantity
				return nil
			}
		}
		return ErrItemNotFound
	})
}

func (s *Service) RemoveItem(ctx context.Context, cartID string, productID int64) (*domain.Cart, error) {
	return s.mutate(ctx, cartID, false, func(c *domain.Cart) error {
		for i := range c.Items {
			if c.Items[i].ProductID == productID {
				c.Items = append(c.Items[:i], c.Items[i+1:]...)
				return nil
			}
		}
		return ErrItemNotFound
	})
}

// ApplyDiscount sets the cart's discount code. An empty code removes the discount.
func (s *Service) ApplyDiscount(ctx context.Context, cartID, code string) (*domain.Cart, error) {
	code = normalizeCode(code)
	if code != "" {
		if _, ok := s.pricing.discountPercent(code); !ok {
			return nil, fmt.Errorf("%w: %s", ErrInvalidDiscount, code)
		}
	}
	return s.mutate(ctx, cartID, false, func(c *domain.Cart) error {
		c.DiscountCode = code
		return nil
	})
}

// ClearCart deletes the cart. Clearing a cart that does not exist is not an error.
func (s *Service) ClearCart(ctx context.Context, cartID string) error {
	err := s.lock.Do(ctx, func(ctx context.Context) error {
		err := s.repo.DeleteCart(ctx, cartID)
		if err != nil && !errors.Is(err, ErrCartNotFound) {
			return err
		}
		s.invalidateCache(cartID)
		return nil
	})
	if err != nil {
		s.log.ErrorContext(ctx, "clear cart failed", "cart_id", cartID, "error", err)
		return err
	}
	return nil
}

// mutate runs fn on the stored cart under the mutation lock, reprices and saves it.
func (s *Service) mutate(ctx context.Context, cartID string, create bool, fn func(c *domain.Cart) error) (*domain.Cart, error) {
	var out *domain.Cart
	err := s.lock.Do(ctx, func(ctx context.Context) error {
		c, err := s.repo.GetCart(ctx, cartID)
		if errors.Is(err, ErrCartNotFound) && create {
			c = &domain.Cart{ID: cartID}
		} else if err != nil {
			return err
		}

		if err := fn(c); err != nil {
			return err
		}
		s.pricing.Reprice(c)

		if err := s.repo.SaveCart(ctx, c); err != nil {
			return err
		}
		s.invalidateCache(cartID)
		out = c
		return nil
	})
	if err != nil {
		s.log.WarnContext(ctx, "cart mutation failed", "cart_id", cartID, "error", err)
		return nil, err
	}
	return out, nil
}

func (s *Service) invalidateCache(cartID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.cache.Delete(ctx, cartID); err != nil {
		s.log.Warn("cache invalidate error", "cart_id", cartID, "error", err)
	}
}
