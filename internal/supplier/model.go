package supplier

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Order statuses reported by the supplier.
const (
	StatusFulfilling = "FULFILLING"
	StatusCompleted  = "COMPLETED"
	StatusCancelled  = "CANCELLED"
	StatusFailed     = "FAILED"
)

// Product is the stock view of a supplier product.
type Product struct {
	ID        string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
}

// OrderLine is one product requested in PlaceOrder.
type OrderLine struct {
	ProductID string
	MaxPrice  decimal.Decimal
	Quantity  int
}

type Code struct {
	Code     string `json:"code"`
	CodeID   string `json:"codeId"`
	CodeType string `json:"codeType"`
	Filename string `json:"filename,omitempty"`
	Links    []struct {
		Href string `json:"href"`
	} `json:"links,omitempty"`
}

// URL returns the first download link of a file code.
func (c Code) URL() string {
	if len(c.Links) == 0 {
		return ""
	}
	return c.Links[0].Href
}

type OrderProduct struct {
	ProductID string `json:"productId"`
	Codes     []Code `json:"codes"`
}

type Order struct {
	OrderID       string         `json:"orderId"`
	ClientOrderID string         `json:"clientOrderId"`
	Status        string         `json:"status"`
	TotalPrice    *float64       `json:"totalPrice,omitempty"`
	Products      []OrderProduct `json:"products"`
}

// NormalizedStatus is the upper-cased status string.
func (o *Order) NormalizedStatus() string {
	return strings.ToUpper(strings.TrimSpace(o.Status))
}

// CodesByProduct groups every returned code by supplier product id.
func (o *Order) CodesByProduct() map[string][]Code {
	out := make(map[string][]Code)
	for _, p := range o.Products {
		for _, c := range p.Codes {
			if c.Code == "" && c.URL() == "" {
				continue
			}
			out[p.ProductID] = append(out[p.ProductID], c)
		}
	}
	return out
}

// HasCodes reports whether at least one usable code was returned.
func (o *Order) HasCodes() bool {
	return len(o.CodesByProduct()) > 0
}
