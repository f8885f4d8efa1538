// Package catalog holds the static mapping between marketplace products and
// supplier products. The mapping is loaded once at startup and never mutated.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	ErrEmptyProductID   = errors.New("mapping has an empty product id")
	ErrDuplicateMapping = errors.New("duplicate product mapping")
)

// Mapping links one marketplace product to the supplier product that fulfills it.
type Mapping struct {
	MarketplaceProductID string           `json:"marketplace_product_id"`
	SupplierProductID    string           `json:"supplier_product_id"`
	OfferID              string           `json:"offer_id,omitempty"`
	Profit               *decimal.Decimal `json:"profit,omitempty"`
}

type Catalog struct {
	byMarketplace map[string]Mapping
	bySupplier    map[string]Mapping
}

func New(mappings []Mapping) (*Catalog, error) {
	c := &Catalog{
		byMarketplace: make(map[string]Mapping, len(mappings)),
		bySupplier:    make(map[string]Mapping, len(mappings)),
	}

	for _, m := range mappings {
		if m.MarketplaceProductID == "" || m.SupplierProductID == "" {
			return nil, ErrEmptyProductID
		}
		if _, ok := c.byMarketplace[m.MarketplaceProductID]; ok {
			return nil, fmt.Errorf("%w: marketplace product %s", ErrDuplicateMapping, m.MarketplaceProductID)
		}
		if _, ok := c.bySupplier[m.SupplierProductID]; ok {
			return nil, fmt.Errorf("%w: supplier product %s", ErrDuplicateMapping, m.SupplierProductID)
		}
		c.byMarketplace[m.MarketplaceProductID] = m
		c.bySupplier[m.SupplierProductID] = m
	}

	return c, nil
}

// Load reads a JSON array of mappings from path.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read product mapping: %w", err)
	}

	var mappings []Mapping
	if err := json.Unmarshal(raw, &mappings); err != nil {
		return nil, fmt.Errorf("parse product mapping: %w", err)
	}

	return New(mappings)
}

func (c *Catalog) ByMarketplaceID(id string) (Mapping, bool) {
	m, ok := c.byMarketplace[id]
	return m, ok
}

func (c *Catalog) BySupplierID(id string) (Mapping, bool) {
	m, ok := c.bySupplier[id]
	return m, ok
}

// All returns every mapping ordered by marketplace product id.
func (c *Catalog) All() []Mapping {
	out := make([]Mapping, 0, len(c.byMarketplace))
	for _, m := range c.byMarketplace {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].MarketplaceProductID < out[j].MarketplaceProductID
	})
	return out
}

// SupplierIDs returns the supplier product ids of every mapping.
func (c *Catalog) SupplierIDs() []string {
	ids := make([]string, 0, len(c.bySupplier))
	for id := range c.bySupplier {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Catalog) Len() int {
	return len(c.byMarketplace)
}
