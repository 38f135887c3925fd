package seeds

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"spiked/model"
)

const (
	CategoryHdr = "Category"
	NameHdr     = "Name"
	ValueHdr    = "Value"

	// SheetRange must include the header row.
	SheetRange = "Seeds!A:C"
)

// ValuesGetter is the slice of the Sheets API the catalog reader uses.
type ValuesGetter interface {
	GetValues(ctx context.Context, spreadsheetID, readRange string) ([][]interface{}, error)
}

type sheetsValues struct {
	srv *sheets.Service
}

func (s sheetsValues) GetValues(ctx context.Context, spreadsheetID, readRange string) ([][]interface{}, error) {
	resp, err := s.srv.Spreadsheets.Values.
		Get(spreadsheetID, readRange).
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

// NewSheetsGetter builds a read-only Sheets client from a service account
// credentials file.
func NewSheetsGetter(ctx context.Context, credentialsPath string) (ValuesGetter, error) {
	srv, err := sheets.NewService(
		ctx,
		option.WithCredentialsFile(credentialsPath),
		option.WithScopes(sheets.SpreadsheetsReadonlyScope),
	)
	if err != nil {
		return nil, fmt.Errorf("seeds: unable to retrieve Sheets client: %w", err)
	}
	return sheetsValues{srv: srv}, nil
}

// LoadSheet reads a catalog kept in a spreadsheet. Each row is one
// Category | Name | Value triple.
func LoadSheet(ctx context.Context, g ValuesGetter, spreadsheetID string) (*Catalog, error) {
	values, err := g.GetValues(ctx, spreadsheetID, SheetRange)
	if err != nil {
		return nil, fmt.Errorf("seeds: using %s unable to retrieve worksheet data: %w", spreadsheetID, err)
	}
	rows, err := sheetRows(values)
	if err != nil {
		return nil, fmt.Errorf("seeds: %s: %w", spreadsheetID, err)
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		// Spacer rows only inherit Category and Name.
		if row[ValueHdr] == "" {
			continue
		}
		entries = append(entries, Entry{
			Category: model.SeedCategory(strings.ToLower(row[CategoryHdr])),
			Key:      row[NameHdr],
			Value:    row[ValueHdr],
		})
	}
	return FromEntries(entries)
}

// sheetRows returns every row as a map keyed by the header row and carries
// forward the last non-empty Category and Name values when those cells are
// blank or missing, so a template can list its values on consecutive rows.
func sheetRows(values [][]interface{}) ([]map[string]string, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("worksheet is empty")
	}

	headers := make([]string, len(values[0]))
	for i, cell := range values[0] {
		headers[i] = strings.TrimSpace(fmt.Sprint(cell))
	}

	catIdx, nameIdx := -1, -1
	for i, h := range headers {
		switch h {
		case CategoryHdr:
			catIdx = i
		case NameHdr:
			nameIdx = i
		}
	}
	if catIdx < 0 || nameIdx < 0 {
		return nil, fmt.Errorf("worksheet header must contain %q and %q", CategoryHdr, NameHdr)
	}

	var rows []map[string]string
	var lastCategory, lastName string

	for _, r := range values[1:] {
		rowMap := make(map[string]string, len(headers))

		for i, h := range headers {
			var cellVal string
			if i < len(r) {
				cellVal = strings.TrimSpace(fmt.Sprint(r[i]))
			}

			switch i {
			case catIdx:
				if cellVal != "" {
					lastCategory = cellVal
				}
				rowMap[h] = lastCategory
			case nameIdx:
				if cellVal != "" {
					lastName = cellVal
				}
				rowMap[h] = lastName
			default:
				rowMap[h] = cellVal
			}
		}

		rows = append(rows, rowMap)
	}

	return rows, nil
}
