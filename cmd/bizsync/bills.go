package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/bizdash/bizsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// bills
	billsStatus   string
	billsCustomer string

	// bill quote / bill create
	billItems       []string
	billCGST        float64
	billSGST        float64
	billIGST        float64
	billSellerState string
	billCustomer    string
	billPhone       string
	billState       string
	billGSTIN       string
)

func init() {
	rootCmd.AddCommand(billsCmd)
	rootCmd.AddCommand(billCmd)
	billCmd.AddCommand(billQuoteCmd)
	billCmd.AddCommand(billCreateCmd)

	billsCmd.Flags().StringVar(&billsStatus, "status", "", "filter by status")
	billsCmd.Flags().StringVar(&billsCustomer, "customer", "", "filter by customer name")

	for _, c := range []*cobra.Command{billQuoteCmd, billCreateCmd} {
		c.Flags().StringArrayVar(&billItems, "item", nil, "line as product:price:quantity[:discount], repeatable")
		c.Flags().Float64Var(&billCGST, "cgst", 9, "CGST rate in percent")
		c.Flags().Float64Var(&billSGST, "sgst", 9, "SGST rate in percent")
		c.Flags().Float64Var(&billIGST, "igst", 18, "IGST rate in percent")
		c.Flags().StringVar(&billSellerState, "seller-state", "", "seller's state")
		c.Flags().StringVar(&billCustomer, "customer", "", "customer name")
		c.Flags().StringVar(&billPhone, "phone", "", "customer phone")
		c.Flags().StringVar(&billState, "state", "", "customer's state")
		c.Flags().StringVar(&billGSTIN, "gstin", "", "customer GSTIN")
	}
}

// ============================================================================
// bills
// ============================================================================

var billsCmd = &cobra.Command{
	Use:   "bills",
	Short: "List bills",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		ws, closeWS, err := openWorkspace(ctx)
		if err != nil {
			return err
		}
		defer closeWS()

		filters := bizsync.Filters{}
		if billsStatus != "" {
			filters["status"] = billsStatus
		}
		if billsCustomer != "" {
			filters["customer"] = billsCustomer
		}
		res, err := ws.Bills.FetchCollection(ctx, filters, refresh)
		if res == nil {
			return err
		}
		warnStale(res.Source, res.Stale, err)
		if jsonOutput {
			return printJSON(res.Items)
		}
		if len(res.Items) == 0 {
			fmt.Println("No bills.")
			return nil
		}
		for _, b := range res.Items {
			fmt.Printf("%-24s %-12s %-20s %12s  %s\n", b.ID, valueOrDefault(b.Number, "-"),
				valueOrDefault(b.Customer.Name, "-"), money(b.GrandTotal), syncMark(b.Meta))
		}
		return nil
	},
}

var billCmd = &cobra.Command{
	Use:   "bill",
	Short: "Compose bills",
}

// ============================================================================
// bill quote
// ============================================================================

var billQuoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Compute a bill's GST split without saving it",
	Example: "  bizsync bill quote --seller-state Maharashtra --state Karnataka \\\n" +
		"    --item SKU-1:1000:2:10",
	RunE: func(cmd *cobra.Command, args []string) error {
		bill, err := billFromFlags()
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(bill)
		}
		printBill(bill)
		return nil
	},
}

// ============================================================================
// bill create
// ============================================================================

var billCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a bill, queueing it when offline",
	RunE: func(cmd *cobra.Command, args []string) error {
		bill, err := billFromFlags()
		if err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()
		ws, closeWS, err := openWorkspace(ctx)
		if err != nil {
			return err
		}
		defer closeWS()

		mut, err := ws.Bills.Create(ctx, *bill)
		if mut == nil {
			return err
		}
		printBill(&mut.Record)
		reportMutation(mut.Record.ID, mut.Deferred, mut.Message)
		return err
	},
}

// ============================================================================
// Helpers
// ============================================================================

func billFromFlags() (*bizsync.Bill, error) {
	if len(billItems) == 0 {
		return nil, fmt.Errorf("at least one --item is required")
	}
	rates := bizsync.GSTRates{CGST: billCGST, SGST: billSGST, IGST: billIGST}
	bill := &bizsync.Bill{SellerState: billSellerState, Status: "issued"}
	for _, raw := range billItems {
		it, err := parseItem(raw, rates)
		if err != nil {
			return nil, err
		}
		bill.Items = append(bill.Items, it)
	}
	bill.SetCustomer(bizsync.Customer{Name: billCustomer, Phone: billPhone, State: billState, GSTIN: billGSTIN})
	if err := bill.Validate(); err != nil {
		return nil, err
	}
	return bill, nil
}

// parseItem reads product:price:quantity[:discount]. Amounts go through
// decimal parsing so inputs like "999.90" are read exactly.
func parseItem(raw string, rates bizsync.GSTRates) (bizsync.BillItem, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 3 || len(parts) > 4 {
		return bizsync.BillItem{}, fmt.Errorf("invalid item %q, want product:price:quantity[:discount]", raw)
	}
	price, err := decimal.NewFromString(parts[1])
	if err != nil {
		return bizsync.BillItem{}, fmt.Errorf("invalid price in %q: %w", raw, err)
	}
	qty, err := strconv.Atoi(parts[2])
	if err != nil {
		return bizsync.BillItem{}, fmt.Errorf("invalid quantity in %q: %w", raw, err)
	}
	discount := decimal.Zero
	if len(parts) == 4 {
		if discount, err = decimal.NewFromString(parts[3]); err != nil {
			return bizsync.BillItem{}, fmt.Errorf("invalid discount in %q: %w", raw, err)
		}
	}
	return bizsync.BillItem{
		ProductID: parts[0],
		Name:      parts[0],
		Price:     price.InexactFloat64(),
		Quantity:  qty,
		Discount:  discount.InexactFloat64(),
		Rates:     rates,
	}, nil
}

// money rounds for display only; stored amounts keep full precision.
func money(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}

func printBill(b *bizsync.Bill) {
	supply := "intrastate"
	if b.Interstate {
		supply = "interstate"
	}
	fmt.Printf("Customer: %s (%s, %s)\n", valueOrDefault(b.Customer.Name, "walk-in"),
		valueOrDefault(b.Customer.State, "no state"), supply)
	fmt.Println()
	fmt.Printf("%-14s %10s %4s %6s %12s %10s %10s %10s %12s\n",
		"Item", "Price", "Qty", "Disc%", "Taxable", "CGST", "SGST", "IGST", "Total")
	for _, it := range b.Items {
		fmt.Printf("%-14s %10s %4d %6s %12s %10s %10s %10s %12s\n",
			it.ProductID, money(it.Price), it.Quantity, decimal.NewFromFloat(it.Discount).String(),
			money(it.TaxableAmount), money(it.CGSTAmount), money(it.SGSTAmount), money(it.IGSTAmount), money(it.Total))
	}
	fmt.Println()
	fmt.Printf("Subtotal:    %12s\n", money(b.Subtotal))
	fmt.Printf("Tax:         %12s\n", money(b.TaxTotal()))
	fmt.Printf("Grand total: %12s\n", money(b.GrandTotal))
}
