package sheets

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"
)

// GoogleTable reads and writes columns A:C of one sheet through the Sheets API.
type GoogleTable struct {
	srv           *gsheets.Service
	spreadsheetID string
	sheetName     string
}

// NewGoogleTable authenticates with a service account key file.
func NewGoogleTable(ctx context.Context, credentialsFile, spreadsheetID, sheetName string) (*GoogleTable, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	config, err := google.JWTConfigFromJSON(b, gsheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	srv, err := gsheets.NewService(ctx, option.WithHTTPClient(config.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return &GoogleTable{srv: srv, spreadsheetID: spreadsheetID, sheetName: sheetName}, nil
}

func (t *GoogleTable) rowRange(index int) string {
	n := index + 2 // data starts at A2
	return fmt.Sprintf("%s!A%d:C%d", t.sheetName, n, n)
}

func (t *GoogleTable) Rows(ctx context.Context) ([][]string, error) {
	resp, err := t.srv.Spreadsheets.Values.Get(t.spreadsheetID, t.sheetName+"!A2:C").Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	rows := make([][]string, len(resp.Values))
	for i, r := range resp.Values {
		rows[i] = make([]string, len(r))
		for j, v := range r {
			rows[i][j] = fmt.Sprint(v)
		}
	}
	return rows, nil
}

func (t *GoogleTable) Append(ctx context.Context, row []string) error {
	_, err := t.srv.Spreadsheets.Values.Append(t.spreadsheetID, t.sheetName+"!A:C", valueRange(row)).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	return err
}

func (t *GoogleTable) Update(ctx context.Context, index int, row []string) error {
	_, err := t.srv.Spreadsheets.Values.Update(t.spreadsheetID, t.rowRange(index), valueRange(row)).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	return err
}

func (t *GoogleTable) Delete(ctx context.Context, index int) error {
	_, err := t.srv.Spreadsheets.Values.Clear(t.spreadsheetID, t.rowRange(index), &gsheets.ClearValuesRequest{}).Context(ctx).Do()
	return err
}

func valueRange(row []string) *gsheets.ValueRange {
	values := make([]interface{}, len(row))
	for i, v := range row {
		values[i] = v
	}
	return &gsheets.ValueRange{Values: [][]interface{}{values}}
}
