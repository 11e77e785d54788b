package bizsync

import (
	"strings"
)

// ============================================================================
// Tax Calculator
// ============================================================================

// GSTRates are per-product tax percentages.
type GSTRates struct {
	CGST float64 `json:"cgst"`
	SGST float64 `json:"sgst"`
	IGST float64 `json:"igst"`
}

// TaxSplit is the derived tax breakdown of one bill line.
type TaxSplit struct {
	TaxableAmount float64 `json:"taxableAmount"`
	CGST          float64 `json:"cgst"`
	SGST          float64 `json:"sgst"`
	IGST          float64 `json:"igst"`
	Total         float64 `json:"total"`
}

// ComputeSplit derives the GST split of a line. Interstate sales carry IGST
// only; intrastate sales carry CGST and SGST. No rounding is applied here,
// amounts keep full precision and are rounded only for display.
func ComputeSplit(price float64, quantity int, discount float64, interstate bool, rates GSTRates) TaxSplit {
	lineTotal := price * float64(quantity)
	discountAmount := lineTotal * discount / 100
	taxable := lineTotal - discountAmount

	s := TaxSplit{TaxableAmount: taxable}
	if interstate {
		s.IGST = taxable * rates.IGST / 100
	} else {
		s.CGST = taxable * rates.CGST / 100
		s.SGST = taxable * rates.SGST / 100
	}
	s.Total = s.TaxableAmount + s.CGST + s.SGST + s.IGST
	return s
}

// ============================================================================
// Bills
// ============================================================================

// Customer is the buyer on a bill. State decides intra/interstate tax.
type Customer struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	State string `json:"state,omitempty"`
	GSTIN string `json:"gstin,omitempty"`
}

// BillItem is one line. The amount fields are derived and are rewritten by
// Recompute whenever price, quantity, discount or the interstate flag change.
type BillItem struct {
	ProductID   string   `json:"productId"`
	VariationID string   `json:"variationId,omitempty"`
	Name        string   `json:"name,omitempty"`
	Price       float64  `json:"price"`
	Quantity    int      `json:"quantity"`
	Discount    float64  `json:"discount"`
	Rates       GSTRates `json:"rates"`

	TaxableAmount float64 `json:"taxableAmount"`
	CGSTAmount    float64 `json:"cgstAmount"`
	SGSTAmount    float64 `json:"sgstAmount"`
	IGSTAmount    float64 `json:"igstAmount"`
	Total         float64 `json:"total"`
}

// Recompute rederives the line's amounts.
func (it *BillItem) Recompute(interstate bool) {
	s := ComputeSplit(it.Price, it.Quantity, it.Discount, interstate, it.Rates)
	it.TaxableAmount = s.TaxableAmount
	it.CGSTAmount = s.CGST
	it.SGSTAmount = s.SGST
	it.IGSTAmount = s.IGST
	it.Total = s.Total
}

// Validate checks the inputs the calculator accepts.
func (it *BillItem) Validate() error {
	switch {
	case it.ProductID == "":
		return validationError("item has no product")
	case it.Price < 0:
		return validationError("item %s: price must not be negative", it.ProductID)
	case it.Quantity < 1:
		return validationError("item %s: quantity must be at least 1", it.ProductID)
	case it.Discount < 0 || it.Discount > 100:
		return validationError("item %s: discount must be between 0 and 100", it.ProductID)
	case it.Rates.CGST < 0 || it.Rates.SGST < 0 || it.Rates.IGST < 0:
		return validationError("item %s: tax rates must not be negative", it.ProductID)
	}
	return nil
}

// Bill is a point-of-sale invoice.
type Bill struct {
	Meta
	Number      string     `json:"number,omitempty"`
	SellerState string     `json:"sellerState"`
	Customer    Customer   `json:"customer"`
	Items       []BillItem `json:"items"`
	Interstate  bool       `json:"interstate"`
	Status      string     `json:"status,omitempty"`

	Subtotal   float64 `json:"subtotal"`
	TotalCGST  float64 `json:"totalCgst"`
	TotalSGST  float64 `json:"totalSgst"`
	TotalIGST  float64 `json:"totalIgst"`
	GrandTotal float64 `json:"grandTotal"`
}

// IsInterstate compares the customer's state with the seller's.
// A customer without a state is treated as intrastate.
func (b *Bill) IsInterstate() bool {
	c := strings.TrimSpace(b.Customer.State)
	s := strings.TrimSpace(b.SellerState)
	if c == "" || s == "" {
		return false
	}
	return !strings.EqualFold(c, s)
}

// SetCustomer replaces the customer and rederives every line.
func (b *Bill) SetCustomer(c Customer) {
	b.Customer = c
	b.Recompute()
}

// AddItem appends a line and rederives the totals.
func (b *Bill) AddItem(it BillItem) {
	b.Items = append(b.Items, it)
	b.Recompute()
}

// Recompute rederives every line and the bill totals.
func (b *Bill) Recompute() {
	b.Interstate = b.IsInterstate()
	b.Subtotal, b.TotalCGST, b.TotalSGST, b.TotalIGST, b.GrandTotal = 0, 0, 0, 0, 0
	for i := range b.Items {
		it := &b.Items[i]
		it.Recompute(b.Interstate)
		b.Subtotal += it.TaxableAmount
		b.TotalCGST += it.CGSTAmount
		b.TotalSGST += it.SGSTAmount
		b.TotalIGST += it.IGSTAmount
		b.GrandTotal += it.Total
	}
}

// Normalize runs before every write so stored amounts are never hand-edited.
func (b *Bill) Normalize() { b.Recompute() }

func (b *Bill) detach() {
	if b.Items != nil {
		b.Items = append([]BillItem(nil), b.Items...)
	}
}

func (b *Bill) Validate() error {
	if len(b.Items) == 0 {
		return validationError("bill has no items")
	}
	for i := range b.Items {
		if err := b.Items[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bill) MatchFilter(key, value string) bool {
	switch key {
	case "status":
		return b.Status == value
	case "customer":
		return strings.EqualFold(b.Customer.Name, value)
	case "state":
		return strings.EqualFold(b.Customer.State, value)
	}
	return true
}

// TaxTotal is the combined GST on the bill.
func (b *Bill) TaxTotal() float64 {
	return b.TotalCGST + b.TotalSGST + b.TotalIGST
}
