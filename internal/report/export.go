package report

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"billdesk/backend/internal/domain"
)

var exportHeader = []interface{}{
	"bill_number",
	"kind",
	"status",
	"customer",
	"created_by",
	"parent_bill_number",
	"child_bill_number",
	"item_id",
	"item_name",
	"quantity",
	"unit_price",
	"line_amount",
	"bill_total",
	"created_at",
}

// ExportBillsXLSX writes one row per bill line matching filter.
func (s *Service) ExportBillsXLSX(ctx context.Context, filter domain.BillFilter, w io.Writer) error {
	bills, err := s.bills.ListBills(ctx, filter)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(f.GetActiveSheetIndex())
	if err := f.SetSheetRow(sheet, "A1", &exportHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	row := 2
	for _, bill := range bills {
		for _, line := range bill.Lines {
			excelRow := []interface{}{
				bill.Number,
				string(bill.Kind),
				string(bill.Status),
				bill.Customer,
				bill.CreatedBy,
				bill.ParentBillNumber,
				bill.ChildBillNumber,
				line.ItemID,
				line.Name,
				line.Quantity,
				line.UnitPrice.StringFixed(2),
				line.Amount().StringFixed(2),
				bill.TotalAmount.StringFixed(2),
				bill.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			}
			cell, err := excelize.CoordinatesToCellName(1, row)
			if err != nil {
				return err
			}
			if err := f.SetSheetRow(sheet, cell, &excelRow); err != nil {
				return fmt.Errorf("write row %d: %w", row, err)
			}
			row++
		}
	}

	return f.Write(w)
}
