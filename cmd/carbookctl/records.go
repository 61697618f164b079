package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"carbook/internal/core"
	"carbook/internal/sheets"
	"carbook/internal/storage"
)

func (a *app) vehiclesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vehicles",
		Short: "Inspect vehicles",
	}
	var email string
	list := &cobra.Command{
		Use:   "list",
		Short: "List a user's vehicles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			u, repo, err := a.lookupUser(cmd, email)
			if err != nil {
				return err
			}
			vehicles, err := repo.ListVehicles(cmd.Context(), u.ID)
			if err != nil {
				return err
			}
			if len(vehicles) == 0 {
				fmt.Fprintf(a.out, "%s has no vehicles\n", u.Email)
				return nil
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tADDED")
			for _, v := range vehicles {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", v.ID, v.Name, humanize.Time(v.CreatedAt))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVarP(&email, "user", "u", "", "Owner's email address")
	cmd.AddCommand(list)
	return cmd
}

func (a *app) recordsCmd() *cobra.Command {
	var email, vehicleID, month string
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Print one month of a vehicle's records with totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if month == "" {
				month = core.Today(time.Local).YearMonth()
			}
			year, mon, err := core.ParseYearMonth(month)
			if err != nil {
				return err
			}
			u, repo, err := a.lookupUser(cmd, email)
			if err != nil {
				return err
			}
			v, err := repo.GetVehicle(cmd.Context(), u.ID, vehicleID)
			if err != nil {
				return fmt.Errorf("vehicle %s: %w", vehicleID, err)
			}
			from, to := core.MonthRange(core.NewDate(year, mon, 1))
			recs, err := repo.ListRecordsBetween(cmd.Context(), u.ID, v.ID, from, to)
			if err != nil {
				return err
			}
			sum, err := core.SummarizeMonth(recs, month)
			if err != nil {
				return err
			}
			return printMonth(a.out, v, recs, sum)
		},
	}
	cmd.Flags().StringVarP(&email, "user", "u", "", "Owner's email address")
	cmd.Flags().StringVar(&vehicleID, "vehicle", "", "Vehicle ID")
	cmd.Flags().StringVarP(&month, "month", "m", "", "Month as YYYY-MM (default: this month)")
	_ = cmd.MarkFlagRequired("vehicle")
	return cmd
}

func printMonth(w io.Writer, v core.Vehicle, recs []core.Record, sum core.MonthSummary) error {
	fmt.Fprintf(w, "%s, %s\n\n", v.Name, sum.YearMonth())
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tCATEGORY\tODOMETER\tCOST\tVENDOR\tRECEIPTS")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
			r.Date, r.Category.Label(), core.FormatOdometer(r.Odometer),
			core.FormatUSD(r.Cost), r.Vendor, len(r.ReceiptPaths))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nMonth total: %s (%d records)\n", core.FormatUSD(sum.Total), sum.Count)
	for _, ca := range sum.ByCategory {
		fmt.Fprintf(w, "  %-12s %s\n", ca.Category.Label(), core.FormatUSD(ca.Amount))
	}
	return nil
}

func (a *app) exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export records",
	}
	var (
		email, vehicleID, output string
		year                     int
	)
	csvCmd := &cobra.Command{
		Use:   "csv",
		Short: "Write a year of records as CSV in the sheet column layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			u, repo, err := a.lookupUser(cmd, email)
			if err != nil {
				return err
			}
			if year == 0 {
				year = time.Now().Year()
			}
			rows, err := exportRows(cmd.Context(), repo, u.ID, vehicleID, year)
			if err != nil {
				return err
			}

			w := a.out
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}
			if err := writeCSV(w, rows); err != nil {
				return err
			}
			if output != "" && output != "-" {
				fmt.Fprintf(a.out, "wrote %d records to %s\n", len(rows), output)
			}
			return nil
		},
	}
	csvCmd.Flags().StringVarP(&email, "user", "u", "", "Owner's email address")
	csvCmd.Flags().StringVar(&vehicleID, "vehicle", "", "Vehicle ID (default: all vehicles)")
	csvCmd.Flags().IntVarP(&year, "year", "y", 0, "Calendar year (default: this year)")
	csvCmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: stdout)")
	cmd.AddCommand(csvCmd)
	return cmd
}

// exportRows collects a year of records, oldest first per vehicle.
func exportRows(ctx context.Context, repo *storage.Repository, userID, vehicleID string, year int) ([]sheets.Row, error) {
	var vehicles []core.Vehicle
	if vehicleID != "" {
		v, err := repo.GetVehicle(ctx, userID, vehicleID)
		if err != nil {
			return nil, fmt.Errorf("vehicle %s: %w", vehicleID, err)
		}
		vehicles = []core.Vehicle{v}
	} else {
		var err error
		if vehicles, err = repo.ListVehicles(ctx, userID); err != nil {
			return nil, err
		}
	}

	from, to := core.NewDate(year, 1, 1), core.NewDate(year, 12, 31)
	var rows []sheets.Row
	for _, v := range vehicles {
		recs, err := repo.ListRecordsBetween(ctx, userID, v.ID, from, to)
		if err != nil {
			return nil, err
		}
		for i := len(recs) - 1; i >= 0; i-- {
			rows = append(rows, sheets.Row{Record: recs[i], VehicleName: v.Name})
		}
	}
	return rows, nil
}

func writeCSV(w io.Writer, rows []sheets.Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(sheets.Header); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write(r.Values()); err != nil {
			return fmt.Errorf("write record %s: %w", r.Record.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
