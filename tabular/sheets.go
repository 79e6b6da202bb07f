package tabular

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"
)

// SheetsReader reads ranges from Google Sheets with a service account.
type SheetsReader struct {
	svc *gsheet.Service
}

// NewSheetsReader authenticates with inline service-account JSON, or with
// the JSON file at credentialsFile when the inline value is empty.
func NewSheetsReader(ctx context.Context, credentialsJSON, credentialsFile string) (*SheetsReader, error) {
	creds := []byte(strings.TrimSpace(credentialsJSON))
	if len(creds) == 0 {
		if credentialsFile == "" {
			return nil, errors.New("missing service account credentials")
		}
		b, err := os.ReadFile(credentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		creds = b
	}

	svc, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(creds),
		goption.WithScopes(gsheet.SpreadsheetsReadonlyScope),
	)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return &SheetsReader{svc: svc}, nil
}

// ReadRange reads an A1 range such as "Pagos!A1:D500" into a Table.
func (s *SheetsReader) ReadRange(ctx context.Context, spreadsheetID, rng string) (Table, error) {
	resp, err := s.svc.Spreadsheets.Values.Get(spreadsheetID, rng).
		ValueRenderOption("FORMATTED_VALUE").
		Context(ctx).Do()
	if err != nil {
		return Table{}, fmt.Errorf("get range %s: %w", rng, err)
	}
	return FromRows(valuesToRows(resp.Values)), nil
}

func valuesToRows(values [][]interface{}) [][]string {
	rows := make([][]string, len(values))
	for i, row := range values {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = fmt.Sprint(v)
		}
		rows[i] = cells
	}
	return rows
}
