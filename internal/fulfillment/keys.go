package fulfillment

import (
	"fmt"
	"strings"

	"keybridge/internal/ledger"
	"keybridge/internal/supplier"
)

// keyFromCode converts a supplier code into the stored key variant.
func keyFromCode(c supplier.Code) ledger.Key {
	kind := strings.ToUpper(c.CodeType)

	if strings.Contains(kind, "ACCOUNT") {
		if user, pass, ok := strings.Cut(c.Code, ":"); ok {
			return ledger.AccountKey{ID: c.CodeID, Username: user, Password: pass}
		}
	}

	switch {
	case strings.Contains(kind, "IMAGE"), strings.Contains(kind, "FILE"), c.Code == "" && c.URL() != "":
		return ledger.FileKey{ID: c.CodeID, Filename: c.Filename, URL: c.URL()}
	default:
		return ledger.TextKey{ID: c.CodeID, Code: c.Code}
	}
}

// keysByItem assigns the supplier codes to order items, keyed by marketplace
// product id. A single-item order takes every code the supplier returned.
func keysByItem(items []ledger.Item, order *supplier.Order) map[string][]ledger.Key {
	codes := order.CodesByProduct()
	out := make(map[string][]ledger.Key, len(items))

	if len(items) == 1 {
		for _, p := range order.Products {
			for _, c := range codes[p.ProductID] {
				out[items[0].MarketplaceProductID] = append(out[items[0].MarketplaceProductID], keyFromCode(c))
			}
			delete(codes, p.ProductID)
		}
		return out
	}

	for _, it := range items {
		for _, c := range codes[it.SupplierProductID] {
			out[it.MarketplaceProductID] = append(out[it.MarketplaceProductID], keyFromCode(c))
		}
	}
	return out
}

// shortItems lists the items that received fewer keys than their quantity,
// formatted as "<marketplace product id> (<got>/<want>)".
func shortItems(items []ledger.Item, keys map[string][]ledger.Key) []string {
	var short []string
	for _, it := range items {
		if got := len(keys[it.MarketplaceProductID]); got < it.Quantity {
			short = append(short, fmt.Sprintf("%s (%d/%d)", it.MarketplaceProductID, got, it.Quantity))
		}
	}
	return short
}

func countKeys(keys map[string][]ledger.Key) int {
	n := 0
	for _, k := range keys {
		n += len(k)
	}
	return n
}
