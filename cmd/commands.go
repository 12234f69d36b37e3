package main

import (
	stdctx "context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/pbxbilling/callrater/internal/invoice"
	"github.com/pbxbilling/callrater/internal/model"
	"github.com/pbxbilling/callrater/internal/rating"
	"github.com/pbxbilling/callrater/internal/storage"
	"github.com/pbxbilling/callrater/pkg/app"
)

// -----------------------------------------------------------------------------
// invoices
// -----------------------------------------------------------------------------

func newInvoicesCommand(options *rootOptions) *cobra.Command {
	invoicesCmd := &cobra.Command{
		Use:   "invoices",
		Short: "Invoice generation and payment status commands",
	}

	var (
		year        int
		month       int
		accountCode string
	)
	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate monthly invoices (defaults to the previous month)",
		Example: `  callrater invoices generate
  callrater invoices generate --year 2024 --month 3 --account ACC-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (year == 0) != (month == 0) {
				return errors.New("--year and --month must be given together")
			}
			if month < 0 || month > 12 {
				return errors.Errorf("--month must be 1..12, got %d", month)
			}
			return options.withComponents(func(ctx stdctx.Context, components *app.Components) error {
				periodStart, periodEnd := invoice.PreviousMonth(time.Now(), components.Location)
				if year != 0 {
					periodStart, periodEnd = invoice.MonthPeriod(year, time.Month(month), components.Location)
				}
				results, err := components.Generator.Generate(ctx, periodStart, periodEnd, accountCode)
				if err != nil {
					return err
				}
				return printInvoiceResults(cmd, periodStart, results)
			})
		},
	}
	generateCmd.Flags().IntVar(&year, "year", 0, "billing year")
	generateCmd.Flags().IntVar(&month, "month", 0, "billing month (1-12)")
	generateCmd.Flags().StringVar(&accountCode, "account", "", "only this account code")

	overdueCmd := &cobra.Command{
		Use:   "mark-overdue",
		Short: "Mark sent invoices past their due date as overdue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return options.withComponents(func(ctx stdctx.Context, components *app.Components) error {
				marked, err := components.Lifecycle.MarkOverdue(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "marked %d invoice(s) overdue\n", marked)
				return nil
			})
		},
	}

	invoicesCmd.AddCommand(
		generateCmd,
		overdueCmd,
		newPaymentCommand(options, "request-payment", "Move a sent invoice to pending approval",
			func(lifecycle *invoice.Lifecycle) paymentAction { return lifecycle.RequestPayment }),
		newPaymentCommand(options, "approve", "Approve a pending payment",
			func(lifecycle *invoice.Lifecycle) paymentAction { return lifecycle.ApprovePayment }),
		newPaymentCommand(options, "reject", "Reject a pending payment",
			func(lifecycle *invoice.Lifecycle) paymentAction { return lifecycle.RejectPayment }),
	)
	return invoicesCmd
}

type paymentAction func(ctx stdctx.Context, id uint64) (*model.Invoice, error)

func newPaymentCommand(
	options *rootOptions,
	use, short string,
	pick func(lifecycle *invoice.Lifecycle) paymentAction,
) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <invoice-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || id == 0 {
				return errors.Errorf("invoice id must be a positive integer, got %q", args[0])
			}
			return options.withComponents(func(ctx stdctx.Context, components *app.Components) error {
				updated, err := pick(components.Lifecycle)(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", updated.InvoiceNumber, updated.Status)
				return nil
			})
		},
	}
}

func printInvoiceResults(cmd *cobra.Command, periodStart time.Time, results []invoice.Result) error {
	out := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(out, "period %s: %d account(s)\n", periodStart.Format("2006-01"), len(results))
	fmt.Fprintln(out, "ACCOUNT\tOUTCOME\tNUMBER\tAMOUNT\tCALLS")
	failed := 0
	for _, result := range results {
		number, amount, calls := "-", "-", "-"
		if result.Invoice != nil {
			number = result.Invoice.InvoiceNumber
			amount = result.Invoice.TotalAmount.StringFixed(model.CostScale)
			calls = strconv.FormatInt(result.Invoice.TotalCalls, 10)
		}
		if result.Outcome == invoice.OutcomeFailed {
			failed++
			number = result.Err.Error()
		}
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\n", result.AccountCode, result.Outcome, number, amount, calls)
	}
	if err := out.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return errors.Errorf("%d account(s) failed", failed)
	}
	return nil
}

// -----------------------------------------------------------------------------
// cdr
// -----------------------------------------------------------------------------

func newCdrCommand(options *rootOptions) *cobra.Command {
	cdrCmd := &cobra.Command{
		Use:   "cdr",
		Short: "Call record commands",
	}

	var (
		from        string
		to          string
		accountCode string
		rerate      bool
	)
	rateCmd := &cobra.Command{
		Use:   "rate",
		Short: "Rate unrated call records, or re-rate with --rerate",
		Example: `  callrater cdr rate
  callrater cdr rate --from 2024-03-01 --to 2024-03-31 --rerate --account ACC-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if accountCode != "" && !rerate {
				return errors.New("--account is only supported together with --rerate")
			}
			return options.withComponents(func(ctx stdctx.Context, components *app.Components) error {
				window, err := parseWindow(from, to, components.Location)
				if err != nil {
					return err
				}

				var summary rating.Summary
				if rerate {
					summary, err = components.Rating.ReRate(ctx, window, accountCode)
				} else {
					summary, err = components.Rating.RateUnrated(ctx, window)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(),
					"scanned=%d rated=%d not_answered=%d no_rate=%d invalid_destination=%d skipped=%d failed=%d\n",
					summary.Scanned, summary.Rated, summary.NotAnswered, summary.NoRate,
					summary.InvalidDestination, summary.Skipped, summary.Failed)
				if summary.Failed > 0 {
					return errors.Errorf("%d record(s) failed to rate", summary.Failed)
				}
				return nil
			})
		},
	}
	rateCmd.Flags().StringVar(&from, "from", "", "first call date, YYYY-MM-DD or RFC3339")
	rateCmd.Flags().StringVar(&to, "to", "", "last call date (inclusive), YYYY-MM-DD or RFC3339")
	rateCmd.Flags().StringVar(&accountCode, "account", "", "only this account code (with --rerate)")
	rateCmd.Flags().BoolVar(&rerate, "rerate", false, "overwrite existing costs")

	cdrCmd.AddCommand(rateCmd)
	return cdrCmd
}

// parseWindow reads the --from/--to bounds. A date-only --to covers the
// whole day.
func parseWindow(from, to string, location *time.Location) (storage.Window, error) {
	var window storage.Window
	var err error
	if from != "" {
		if window.From, _, err = parseInstant(from, location); err != nil {
			return window, errors.Wrap(err, "--from")
		}
	}
	if to != "" {
		var dateOnly bool
		if window.To, dateOnly, err = parseInstant(to, location); err != nil {
			return window, errors.Wrap(err, "--to")
		}
		if dateOnly {
			window.To = window.To.AddDate(0, 0, 1).Add(-time.Microsecond)
		}
	}
	if !window.From.IsZero() && !window.To.IsZero() && window.From.After(window.To) {
		return window, errors.New("--from must not be after --to")
	}
	return window, nil
}

func parseInstant(value string, location *time.Location) (time.Time, bool, error) {
	value = strings.TrimSpace(value)
	if day, err := time.ParseInLocation("2006-01-02", value, location); err == nil {
		return day, true, nil
	}
	instant, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, false, errors.Errorf("expected YYYY-MM-DD or RFC3339, got %q", value)
	}
	return instant, false, nil
}

// -----------------------------------------------------------------------------
// tenants
// -----------------------------------------------------------------------------

func newTenantsCommand(options *rootOptions) *cobra.Command {
	tenantsCmd := &cobra.Command{
		Use:   "tenants",
		Short: "Tenant commands",
	}
	tenantsCmd.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "Back-fill tenant ids on untagged call records and live calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			return options.withComponents(func(ctx stdctx.Context, components *app.Components) error {
				summary, err := components.Reconciler.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(),
					"call_records scanned=%d tagged=%d active_calls scanned=%d tagged=%d unresolved=%d\n",
					summary.RecordsScanned, summary.RecordsTagged,
					summary.CallsScanned, summary.CallsTagged, summary.Unresolved)
				return nil
			})
		},
	})
	return tenantsCmd
}
