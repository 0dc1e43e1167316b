// Package warehouse seeds the BigQuery tables the analyses run against.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/reidlabs/gauge/internal/model"
)

const (
	// RecordsTableID holds a handful of harmless rows.
	RecordsTableID = "records"
	// HarmfulTableID holds rows with phone numbers, card numbers and
	// demographic columns worth measuring re-identifiability on.
	HarmfulTableID = "harmful"
	// ResultsTableID is where entity analyses save their findings. The
	// service creates it on first write.
	ResultsTableID = "results"

	defaultPrefix = "gauge"
)

var recordsSchema = bigquery.Schema{
	{Name: "Name", Type: bigquery.StringFieldType},
	{Name: "Comment", Type: bigquery.StringFieldType},
}

var harmfulSchema = bigquery.Schema{
	{Name: "Name", Type: bigquery.StringFieldType, Required: true},
	{Name: "TelephoneNumber", Type: bigquery.StringFieldType, Required: true},
	{Name: "Mystery", Type: bigquery.StringFieldType, Required: true},
	{Name: "Age", Type: bigquery.IntegerFieldType, Required: true},
	{Name: "Gender", Type: bigquery.StringFieldType},
	{Name: "RegionCode", Type: bigquery.StringFieldType},
}

var recordsRows = [][]bigquery.Value{
	{"Gary Smith", "My email is gary@example.com"},
}

var harmfulRows = [][]bigquery.Value{
	{"Gandalf", "(123) 456-7890", "4231 5555 6781 9876", 27, "Male", "US"},
	{"Dumbledore", "(313) 337-1337", "6291 8765 1095 7629", 27, "Male", "US"},
	{"Joe", "(452) 123-1234", "3782 2288 1166 3030", 35, "Male", "US"},
	{"James", "(567) 890-1234", "8291 3627 8250 1234", 19, "Male", "US"},
	{"Marie", "(452) 123-1234", "8291 3627 8250 1234", 35, "Female", "US"},
	{"Carrie", "(567) 890-1234", "2253 5218 4251 4526", 35, "Female", "US"},
}

// Fixture is a throwaway dataset with known content, named uniquely so
// concurrent runs against the same project stay out of each other's way.
type Fixture struct {
	client  *bigquery.Client
	dataset *bigquery.Dataset
}

// Seed creates the dataset and fills both tables. Resources that already
// exist are reused.
func Seed(ctx context.Context, client *bigquery.Client, prefix string) (*Fixture, error) {
	if prefix == "" {
		prefix = defaultPrefix
	}
	// dataset ids only allow letters, digits and underscores
	prefix = strings.ReplaceAll(prefix, "-", "_")
	datasetID := fmt.Sprintf("%s_%s", prefix, uuid.NewString()[:8])

	dataset := client.Dataset(datasetID)
	if err := dataset.Create(ctx, nil); err != nil && !alreadyExists(err) {
		return nil, fmt.Errorf("creating dataset %s: %w", datasetID, err)
	}

	f := &Fixture{client: client, dataset: dataset}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.fill(gctx, RecordsTableID, recordsSchema, recordsRows) })
	g.Go(func() error { return f.fill(gctx, HarmfulTableID, harmfulSchema, harmfulRows) })
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slog.DebugContext(ctx, "warehouse seeded", "dataset", datasetID)
	return f, nil
}

// Attach wraps an existing fixture dataset, typically to tear it down.
func Attach(client *bigquery.Client, datasetID string) *Fixture {
	return &Fixture{client: client, dataset: client.Dataset(datasetID)}
}

func (f *Fixture) fill(ctx context.Context, tableID string, schema bigquery.Schema, rows [][]bigquery.Value) error {
	table := f.dataset.Table(tableID)
	if err := table.Create(ctx, &bigquery.TableMetadata{Schema: schema}); err != nil && !alreadyExists(err) {
		return fmt.Errorf("creating table %s: %w", tableID, err)
	}

	savers := make([]*bigquery.ValuesSaver, 0, len(rows))
	for i, row := range rows {
		savers = append(savers, &bigquery.ValuesSaver{
			Schema:   schema,
			InsertID: fmt.Sprintf("%s-%d", tableID, i),
			Row:      row,
		})
	}
	if err := table.Inserter().Put(ctx, savers); err != nil {
		return fmt.Errorf("filling table %s: %w", tableID, err)
	}
	return nil
}

// DatasetID names the dataset this fixture owns.
func (f *Fixture) DatasetID() string {
	return f.dataset.DatasetID
}

// RecordsTable refers to the harmless table.
func (f *Fixture) RecordsTable() model.TableRef {
	return f.tableRef(RecordsTableID)
}

// HarmfulTable refers to the table worth analyzing.
func (f *Fixture) HarmfulTable() model.TableRef {
	return f.tableRef(HarmfulTableID)
}

// ResultsTable refers to the findings destination inside the fixture
// dataset. The table itself need not exist yet.
func (f *Fixture) ResultsTable() model.TableRef {
	return f.tableRef(ResultsTableID)
}

func (f *Fixture) tableRef(tableID string) model.TableRef {
	return model.TableRef{
		ProjectID: f.client.Project(),
		DatasetID: f.dataset.DatasetID,
		TableID:   tableID,
	}
}

// Tables lists the table ids present in the dataset.
func (f *Fixture) Tables(ctx context.Context) ([]string, error) {
	var ids []string
	it := f.dataset.Tables(ctx)
	for {
		table, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return ids, nil
		}
		if err != nil {
			return nil, fmt.Errorf("listing tables in %s: %w", f.dataset.DatasetID, err)
		}
		ids = append(ids, table.TableID)
	}
}

// Close drops the dataset and everything in it.
func (f *Fixture) Close(ctx context.Context) error {
	if err := f.dataset.DeleteWithContents(ctx); err != nil {
		return fmt.Errorf("dropping dataset %s: %w", f.dataset.DatasetID, err)
	}
	return nil
}

func alreadyExists(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusConflict
}
