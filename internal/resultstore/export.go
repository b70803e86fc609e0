package resultstore

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/banshee-data/mctune/internal/minimize"
)

const (
	summarySheet = "Summary"
	paramsSheet  = "Params"
)

var summaryHeader = []interface{}{
	"ID", "Runs", "Minimizer", "Start", "State", "GoF", "NDoF", "p-value", "Evaluations", "Validation", "Observables",
}

// WriteXLSX writes results as a workbook with a summary sheet and a sheet of
// parameter values and errors, one row per result.
func WriteXLSX(w io.Writer, results []*minimize.Result) error {
	f, err := buildWorkbook(results)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}

// ExportXLSX writes the workbook to path.
func ExportXLSX(path string, results []*minimize.Result) error {
	f, err := buildWorkbook(results)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

func buildWorkbook(results []*minimize.Result) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.NewSheet(paramsSheet); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeSummary(f, results); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeParams(f, results); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func setRow(f *excelize.File, sheet string, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

func writeSummary(f *excelize.File, results []*minimize.Result) error {
	if err := setRow(f, summarySheet, 1, summaryHeader); err != nil {
		return err
	}
	for i, r := range results {
		validation := ""
		if r.Validation != nil {
			validation = r.Validation.String()
		}
		row := []interface{}{
			r.ID, r.RunsKey, r.Minimizer, string(r.Start), string(r.State),
			r.GoF, r.NDoF, r.PValue, r.Evaluations, validation, strings.Join(r.Observables, " "),
		}
		if err := setRow(f, summarySheet, i+2, row); err != nil {
			return err
		}
	}
	return nil
}

// writeParams lays out the union of parameter names as value/error column
// pairs. Results lacking a parameter leave its cells empty.
func writeParams(f *excelize.File, results []*minimize.Result) error {
	seen := make(map[string]bool)
	var names []string
	for _, r := range results {
		for _, k := range r.Params.Keys() {
			if !seen[k] {
				seen[k] = true
				names = append(names, k)
			}
		}
	}
	sort.Strings(names)

	header := []interface{}{"ID", "GoF"}
	for _, k := range names {
		header = append(header, k, k+" err")
	}
	if err := setRow(f, paramsSheet, 1, header); err != nil {
		return err
	}
	for i, r := range results {
		row := []interface{}{r.ID, r.GoF}
		for _, k := range names {
			v, ok := r.Params.Get(k)
			if !ok {
				row = append(row, nil, nil)
				continue
			}
			lo, hi, _ := r.ParamError(k)
			row = append(row, v, max(lo, hi))
		}
		if err := setRow(f, paramsSheet, i+2, row); err != nil {
			return err
		}
	}
	return nil
}
