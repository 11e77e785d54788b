package bizsync

import (
	"math"
	"testing"
)

const eps = 1e-9

func near(a, b float64) bool { return math.Abs(a-b) < eps }

func scenarioBill() *Bill {
	b := &Bill{SellerState: "Maharashtra"}
	b.Items = []BillItem{{
		ProductID: "SKU-1",
		Price:     1000,
		Quantity:  2,
		Discount:  10,
		Rates:     GSTRates{CGST: 9, SGST: 9, IGST: 18},
	}}
	b.SetCustomer(Customer{Name: "Asha", State: "Maharashtra"})
	return b
}

// ============================================================================
// ComputeSplit
// ============================================================================

func TestComputeSplit(t *testing.T) {
	t.Run("intrastate", func(t *testing.T) {
		s := ComputeSplit(1000, 2, 10, false, GSTRates{CGST: 9, SGST: 9, IGST: 18})
		if !near(s.TaxableAmount, 1800) || !near(s.CGST, 162) || !near(s.SGST, 162) || s.IGST != 0 || !near(s.Total, 2124) {
			t.Fatalf("unexpected split %+v", s)
		}
	})

	t.Run("interstate", func(t *testing.T) {
		s := ComputeSplit(1000, 2, 10, true, GSTRates{CGST: 9, SGST: 9, IGST: 18})
		if !near(s.TaxableAmount, 1800) || s.CGST != 0 || s.SGST != 0 || !near(s.IGST, 324) || !near(s.Total, 2124) {
			t.Fatalf("unexpected split %+v", s)
		}
	})

	t.Run("full discount", func(t *testing.T) {
		s := ComputeSplit(499, 3, 100, false, GSTRates{CGST: 6, SGST: 6})
		if s.TaxableAmount != 0 || s.Total != 0 {
			t.Fatalf("expected zero amounts, got %+v", s)
		}
	})

	t.Run("invariants", func(t *testing.T) {
		rates := []GSTRates{{CGST: 2.5, SGST: 2.5, IGST: 5}, {CGST: 6, SGST: 6, IGST: 12}, {CGST: 14, SGST: 14, IGST: 28}}
		prices := []float64{0, 0.01, 19.99, 1000, 123456.78}
		discounts := []float64{0, 7.5, 33.3, 100}
		for _, r := range rates {
			for _, p := range prices {
				for _, d := range discounts {
					for q := 1; q <= 4; q++ {
						inter := ComputeSplit(p, q, d, true, r)
						if inter.CGST != 0 || inter.SGST != 0 || math.Abs(inter.IGST-inter.TaxableAmount*r.IGST/100) > 1e-6 {
							t.Fatalf("interstate split broke invariant: %+v", inter)
						}
						intra := ComputeSplit(p, q, d, false, r)
						if intra.IGST != 0 || math.Abs(intra.CGST+intra.SGST-intra.TaxableAmount*(r.CGST+r.SGST)/100) > 1e-6 {
							t.Fatalf("intrastate split broke invariant: %+v", intra)
						}
						for _, s := range []TaxSplit{inter, intra} {
							if s.Total != s.TaxableAmount+s.CGST+s.SGST+s.IGST {
								t.Fatalf("total not conserved: %+v", s)
							}
						}
					}
				}
			}
		}
	})
}

// ============================================================================
// Bill
// ============================================================================

func TestBillRecompute(t *testing.T) {
	t.Run("intrastate scenario", func(t *testing.T) {
		b := scenarioBill()
		if b.Interstate {
			t.Fatal("expected intrastate")
		}
		it := b.Items[0]
		if !near(it.TaxableAmount, 1800) || !near(it.CGSTAmount, 162) || !near(it.SGSTAmount, 162) || it.IGSTAmount != 0 || !near(it.Total, 2124) {
			t.Fatalf("unexpected line %+v", it)
		}
		if !near(b.GrandTotal, 2124) || !near(b.TaxTotal(), 324) {
			t.Fatalf("unexpected totals: grand=%v tax=%v", b.GrandTotal, b.TaxTotal())
		}
	})

	t.Run("customer switch to another state", func(t *testing.T) {
		b := scenarioBill()
		b.SetCustomer(Customer{Name: "Asha", State: "Karnataka"})
		if !b.Interstate {
			t.Fatal("expected interstate")
		}
		it := b.Items[0]
		if !near(it.TaxableAmount, 1800) || it.CGSTAmount != 0 || it.SGSTAmount != 0 || !near(it.IGSTAmount, 324) || !near(it.Total, 2124) {
			t.Fatalf("unexpected line %+v", it)
		}
		if !near(b.TotalIGST, 324) || b.TotalCGST != 0 || !near(b.GrandTotal, 2124) {
			t.Fatalf("unexpected totals %+v", b)
		}
	})

	t.Run("state comparison ignores case and space", func(t *testing.T) {
		b := &Bill{SellerState: "Maharashtra", Customer: Customer{State: " maharashtra "}}
		if b.IsInterstate() {
			t.Fatal("expected intrastate")
		}
	})

	t.Run("missing customer state is intrastate", func(t *testing.T) {
		b := &Bill{SellerState: "Maharashtra"}
		if b.IsInterstate() {
			t.Fatal("expected intrastate")
		}
	})

	t.Run("add item recomputes totals", func(t *testing.T) {
		b := scenarioBill()
		b.AddItem(BillItem{ProductID: "SKU-2", Price: 100, Quantity: 1, Rates: GSTRates{CGST: 2.5, SGST: 2.5}})
		if !near(b.Subtotal, 1900) || !near(b.GrandTotal, 2124+105) {
			t.Fatalf("unexpected totals: subtotal=%v grand=%v", b.Subtotal, b.GrandTotal)
		}
	})

	t.Run("normalize overwrites hand-edited amounts", func(t *testing.T) {
		b := scenarioBill()
		b.Items[0].Total = 1
		b.GrandTotal = 1
		b.Normalize()
		if !near(b.GrandTotal, 2124) {
			t.Fatalf("expected 2124, got %v", b.GrandTotal)
		}
	})
}

func TestBillValidate(t *testing.T) {
	cases := []struct {
		name string
		item BillItem
	}{
		{"no product", BillItem{Price: 1, Quantity: 1}},
		{"negative price", BillItem{ProductID: "p", Price: -1, Quantity: 1}},
		{"zero quantity", BillItem{ProductID: "p", Price: 1}},
		{"discount over 100", BillItem{ProductID: "p", Price: 1, Quantity: 1, Discount: 101}},
		{"negative rate", BillItem{ProductID: "p", Price: 1, Quantity: 1, Rates: GSTRates{IGST: -1}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := &Bill{Items: []BillItem{tc.item}}
			err := b.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if KindOf(err) != KindValidation {
				t.Fatalf("expected validation kind, got %v", KindOf(err))
			}
		})
	}

	t.Run("empty bill", func(t *testing.T) {
		if err := (&Bill{}).Validate(); err == nil {
			t.Fatal("expected error for bill without items")
		}
	})

	t.Run("valid", func(t *testing.T) {
		if err := scenarioBill().Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}
