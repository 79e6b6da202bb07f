/*
main.go - Historical dues import from the command line

PURPOSE:
  Loads one month of a club's historical payment spreadsheet into the
  ledger without going through the HTTP server. The rows come from an
  .xlsx/.csv file or from a Google Sheets range.

USAGE:
  dues-import -file marzo.xlsx -plan "Mensualidad 2024" -month 3 -year 2024
  dues-import -sheet 1AbC... -range "Marzo!A1:D200" -plan "Cuota Mensual Marzo 2024" -month 3 -create-plan

  Each row is matched to a member by national ID (RUT column) and
  recorded as approved with the row's amount. The report lists every
  row that could not be imported; re-running the same file reports every
  row as a duplicate instead of writing it twice.

EXIT CODES:
  0  every row imported
  1  configuration, input or store failure
  2  some rows were rejected

SEE ALSO:
  - dues/importer.go: Matching and row rules
  - config/config.go: Database and Sheets credentials
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/warp/dues-engine/config"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/events"
	"github.com/warp/dues-engine/generic"
	"github.com/warp/dues-engine/logging"
	"github.com/warp/dues-engine/store/sqlite"
	"github.com/warp/dues-engine/tabular"
)

type options struct {
	configPath string
	file       string
	sheet      string
	sheetRange string
	plan       string
	concept    string
	month      int
	year       int
	createPlan bool
	actor      string
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "path to config file")
	flag.StringVar(&o.file, "file", "", "spreadsheet to import (.xlsx or .csv)")
	flag.StringVar(&o.sheet, "sheet", "", "Google Sheets spreadsheet ID")
	flag.StringVar(&o.sheetRange, "range", "", "Google Sheets range, e.g. Marzo!A1:D200")
	flag.StringVar(&o.plan, "plan", "", "plan display name")
	flag.StringVar(&o.concept, "concept", "", "concept for a created plan")
	flag.IntVar(&o.month, "month", 0, "month of the payments (1-12)")
	flag.IntVar(&o.year, "year", time.Now().Year(), "year of the payments")
	flag.BoolVar(&o.createPlan, "create-plan", false, "create the plan if no plan matches")
	flag.StringVar(&o.actor, "actor", "dues-import", "actor recorded as creator and reviewer")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	code, err := run(context.Background(), o, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dues-import: %v\n", err)
	}
	os.Exit(code)
}

func run(ctx context.Context, o options, out io.Writer) (int, error) {
	if (o.file == "") == (o.sheet == "") {
		return 1, errors.New("exactly one of -file or -sheet is required")
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return 1, err
	}
	logger := logging.New(logging.Config{
		Level:     logging.ParseLevel(cfg.Log.Level),
		Format:    cfg.Log.Format,
		Component: logging.ComponentImporter,
		Output:    os.Stderr,
	})

	table, err := readTable(ctx, cfg, o)
	if err != nil {
		return 1, err
	}

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return 1, fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	var publisher events.Publisher = events.Nop{}
	if cfg.AMQPEnabled() {
		p, err := events.NewAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.Queue)
		if err != nil {
			logger.Warn("AMQP unavailable, import events will not be published", logging.FieldError, err)
		} else {
			publisher = p
		}
	}
	defer publisher.Close()

	importer := dues.NewImporter(dues.Deps{
		Ledger:  generic.NewLedger(store, nil),
		Members: store,
		Plans:   store,
		Events:  publisher,
		Logger:  logger,
	})
	res, err := importer.Import(ctx, dues.ImportRequest{
		Rows:       dues.RowsFromTable(table.Header, table.Rows),
		Plan:       o.plan,
		Month:      time.Month(o.month),
		Year:       o.year,
		CreatePlan: o.createPlan,
		Concept:    o.concept,
		Actor:      generic.Actor{ID: o.actor, Role: generic.RoleSystem},
	})
	printReport(out, res)
	if err != nil {
		return 1, err
	}
	if res.ErrorCount > 0 {
		return 2, nil
	}
	return 0, nil
}

func readTable(ctx context.Context, cfg *config.Config, o options) (tabular.Table, error) {
	if o.sheet != "" {
		reader, err := tabular.NewSheetsReader(ctx, cfg.Sheets.CredentialsJSON, cfg.Sheets.CredentialsFile)
		if err != nil {
			return tabular.Table{}, err
		}
		return reader.ReadRange(ctx, o.sheet, o.sheetRange)
	}
	f, err := os.Open(o.file)
	if err != nil {
		return tabular.Table{}, err
	}
	defer f.Close()
	return tabular.Read(f, o.file)
}

func printReport(w io.Writer, res dues.ImportResult) {
	if res.Plan.ID != "" {
		created := ""
		if res.PlanCreated {
			created = " (created)"
		}
		fmt.Fprintf(w, "plan:     %s [%s]%s\n", res.Plan.DisplayName, res.Plan.ID, created)
	}
	fmt.Fprintf(w, "imported: %d\n", res.SuccessCount)
	fmt.Fprintf(w, "errors:   %d\n", res.ErrorCount)
	for _, e := range res.Errors {
		id := e.NationalID
		if id == "" {
			id = "-"
		}
		fmt.Fprintf(w, "  line %d  %-14s %v\n", e.Line, id, e.Err)
	}
}
