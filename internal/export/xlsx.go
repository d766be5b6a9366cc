// Package export renders a review run's suggestions as a spreadsheet for
// human reviewers.
package export

import (
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/food-review/internal/model"
)

// Sheet names in the exported workbook.
const (
	SummarySheet     = "Summary"
	SuggestionsSheet = "Suggestions"
)

var suggestionHeader = []string{
	"Food ID",
	"Food Name",
	"Action",
	"Target Food ID",
	"Target Food Name",
	"Quantity",
	"Unit",
	"Ingredient Refs",
	"Reasoning",
}

// Workbook builds the export workbook for run and its suggestions.
func Workbook(run *model.ReviewRun, sugs []model.Suggestion) (*xlsx.File, error) {
	if run == nil {
		return nil, eris.New("export: run is required")
	}

	f := xlsx.NewFile()
	summary, err := f.AddSheet(SummarySheet)
	if err != nil {
		return nil, eris.Wrap(err, "export: add summary sheet")
	}
	writeSummary(summary, run, len(sugs))

	sheet, err := f.AddSheet(SuggestionsSheet)
	if err != nil {
		return nil, eris.Wrap(err, "export: add suggestions sheet")
	}
	addStrings(sheet.AddRow(), suggestionHeader...)
	for _, s := range sugs {
		writeSuggestion(sheet.AddRow(), s)
	}
	return f, nil
}

// Write encodes the workbook to w.
func Write(w io.Writer, run *model.ReviewRun, sugs []model.Suggestion) error {
	f, err := Workbook(run, sugs)
	if err != nil {
		return err
	}
	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "export: write workbook")
	}
	return nil
}

// Save writes the workbook to path, replacing any existing file.
func Save(path string, run *model.ReviewRun, sugs []model.Suggestion) error {
	out, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "export: create %s", path)
	}
	if err := Write(out, run, sugs); err != nil {
		out.Close() //nolint:errcheck
		return err
	}
	if err := out.Close(); err != nil {
		return eris.Wrapf(err, "export: close %s", path)
	}
	return nil
}

func writeSummary(sheet *xlsx.Sheet, run *model.ReviewRun, rows int) {
	addStrings(sheet.AddRow(), "Run ID", run.ID)
	addStrings(sheet.AddRow(), "Status", string(run.Status))
	addStrings(sheet.AddRow(), "Run By", run.RunBy)
	addStrings(sheet.AddRow(), "Started At", run.StartedAt.UTC().Format(time.RFC3339))
	completed := ""
	if run.CompletedAt != nil {
		completed = run.CompletedAt.UTC().Format(time.RFC3339)
	}
	addStrings(sheet.AddRow(), "Completed At", completed)
	addInt(sheet.AddRow(), "Items Processed", run.TotalProcessed)
	addInt(sheet.AddRow(), "Suggestions", rows)
	if run.Error != "" {
		addStrings(sheet.AddRow(), "Error", run.Error)
	}

	for _, action := range model.AllActions() {
		addInt(sheet.AddRow(), "Action: "+string(action), run.Summary[action])
	}
}

func writeSuggestion(row *xlsx.Row, s model.Suggestion) {
	addStrings(row, s.FoodID, s.FoodName, string(s.SuggestedAction), deref(s.TargetFoodID), deref(s.TargetFoodName))
	q := row.AddCell()
	if s.ExtractedQuantity != nil {
		q.SetFloat(*s.ExtractedQuantity)
	}
	addStrings(row, deref(s.ExtractedUnit))
	row.AddCell().SetInt(s.IngredientCount)
	addStrings(row, s.AIReasoning)
}

func addStrings(row *xlsx.Row, values ...string) {
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

func addInt(row *xlsx.Row, label string, n int) {
	row.AddCell().SetString(label)
	row.AddCell().SetInt(n)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
