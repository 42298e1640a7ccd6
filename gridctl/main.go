package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/fatih/color"
	"github.com/oklog/ulid/v2"

	"github.com/gridhub/gridhub/gridhub"
)

const GridCtlVersion = "0.1.0"

const DefaultApiUrl = "http://localhost:8080"

func main() {
	usage := `Gridhub control.

The default api url is ` + DefaultApiUrl + `.

Usage:
    gridctl create <name> [--columns=<columns>] [--api_url=<api_url>] [--jwt=<jwt>]
    gridctl list [--mine] [--api_url=<api_url>]
    gridctl get <dataset_id> [--api_url=<api_url>]
    gridctl rows <dataset_id> [--q=<q>] [--offset=<offset>] [--limit=<limit>]
        [--api_url=<api_url>]
    gridctl patch <dataset_id> --row=<row_id> --key=<key> --value=<value>
        [--api_url=<api_url>]
    gridctl upsert <dataset_id> <rows_json> [--api_url=<api_url>]
    gridctl add-column <dataset_id> <key> [--api_url=<api_url>]
    gridctl delete <dataset_id> <row_id>... [--api_url=<api_url>]
    gridctl import <dataset_id> <file> [--api_url=<api_url>]
    gridctl export <dataset_id> [--fmt=<fmt>] [--api_url=<api_url>]
    gridctl watch <dataset_id> [--api_url=<api_url>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --api_url=<api_url>
    --jwt=<jwt>            Owner JWT attached to created datasets.
    --columns=<columns>    Comma-separated column keys.
    --mine                 Only datasets created by this client.
    --q=<q>                Row filter substring.
    --offset=<offset>      Row offset [default: 0].
    --limit=<limit>        Row limit [default: 500].
    --row=<row_id>         Row id.
    --key=<key>            Column key.
    --value=<value>        Cell value.
    --fmt=<fmt>            Export format, json or csv [default: json].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], GridCtlVersion)
	if err != nil {
		panic(err)
	}

	api := gridhub.NewGridApi(apiUrl(opts))
	defer api.Close()
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		api.SetByJwt(jwt)
	}

	if create_, _ := opts.Bool("create"); create_ {
		create(api, opts)
	} else if list_, _ := opts.Bool("list"); list_ {
		list(api, opts)
	} else if get_, _ := opts.Bool("get"); get_ {
		get(api, opts)
	} else if rows_, _ := opts.Bool("rows"); rows_ {
		rows(api, opts)
	} else if patch_, _ := opts.Bool("patch"); patch_ {
		patch(api, opts)
	} else if upsert_, _ := opts.Bool("upsert"); upsert_ {
		upsert(api, opts)
	} else if addColumn_, _ := opts.Bool("add-column"); addColumn_ {
		addColumn(api, opts)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		deleteRows(api, opts)
	} else if import_, _ := opts.Bool("import"); import_ {
		importFile(api, opts)
	} else if export_, _ := opts.Bool("export"); export_ {
		export(api, opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(api, opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		return apiUrl
	}
	return DefaultApiUrl
}

func datasetId(opts docopt.Opts) int64 {
	idStr, _ := opts.String("<dataset_id>")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		fail("Invalid dataset id (%s).", idStr)
	}
	return id
}

func fail(format string, a ...any) {
	color.Red(format, a...)
	os.Exit(1)
}

// a stable anonymous tag for this machine, minted on first use.
// it links datasets created here so `list --mine` can find them again.
func clientTag() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return ulid.Make().String()
	}
	tagPath := filepath.Join(configDir, "gridctl", "client_id")

	if tagBytes, err := os.ReadFile(tagPath); err == nil {
		if tag := strings.TrimSpace(string(tagBytes)); tag != "" {
			return tag
		}
	}

	tag := ulid.Make().String()
	os.MkdirAll(filepath.Dir(tagPath), 0o700)
	os.WriteFile(tagPath, []byte(tag+"\n"), 0o600)
	return tag
}

func create(api *gridhub.GridApi, opts docopt.Opts) {
	name, _ := opts.String("<name>")

	columns := []string{}
	if columnsStr, err := opts.String("--columns"); err == nil && columnsStr != "" {
		columns = strings.Split(columnsStr, ",")
	}

	result, err := api.CreateDataset(&gridhub.CreateDatasetArgs{
		Name:            name,
		Columns:         columns,
		CreatedByClient: clientTag(),
	})
	if err != nil {
		fail("Create failed (%s).", err)
	}

	color.Green("created dataset %d", result.Id)
	printJson(result)
}

func list(api *gridhub.GridApi, opts docopt.Opts) {
	var summaries []*gridhub.DatasetSummaryResult

	if mine_, _ := opts.Bool("--mine"); mine_ {
		mine, err := api.ListMyDatasets(clientTag())
		if err != nil {
			fail("List failed (%s).", err)
		}
		summaries = mine
	} else {
		all, err := api.ListAllDatasets()
		if err != nil {
			fail("List failed (%s).", err)
		}
		summaries = all.All
	}

	for _, summary := range summaries {
		fmt.Printf("%6d  %-32s  %s\n", summary.Id, summary.Name, summary.UpdatedAt)
	}
}

func get(api *gridhub.GridApi, opts docopt.Opts) {
	result, err := api.GetDataset(datasetId(opts))
	if err != nil {
		fail("Get failed (%s).", err)
	}
	printJson(result)
}

func rows(api *gridhub.GridApi, opts docopt.Opts) {
	query, _ := opts.String("--q")
	offset, _ := opts.Int("--offset")
	limit, _ := opts.Int("--limit")

	result, err := api.ListRows(datasetId(opts), query, offset, limit)
	if err != nil {
		fail("Rows failed (%s).", err)
	}

	color.Cyan("total %d", result.Total)
	for _, row := range result.Rows {
		printJson(row)
	}
}

func patch(api *gridhub.GridApi, opts docopt.Opts) {
	rowId, err := opts.Int("--row")
	if err != nil {
		fail("Invalid row id.")
	}
	key, _ := opts.String("--key")
	value, _ := opts.String("--value")

	result, err := api.PatchCell(datasetId(opts), &gridhub.PatchCellArgs{
		Id:    int64(rowId),
		Key:   key,
		Value: value,
	})
	if err != nil {
		fail("Patch failed (%s).", err)
	}
	printJson(result.Applied)
}

func upsert(api *gridhub.GridApi, opts docopt.Opts) {
	rowsJson, _ := opts.String("<rows_json>")

	rows := []map[string]any{}
	if err := json.Unmarshal([]byte(rowsJson), &rows); err != nil {
		fail("Invalid rows json (%s).", err)
	}

	result, err := api.UpsertRows(datasetId(opts), &gridhub.UpsertRowsArgs{
		Rows: rows,
	})
	if err != nil {
		fail("Upsert failed (%s).", err)
	}
	color.Green("created %d", result.Created)
}

func addColumn(api *gridhub.GridApi, opts docopt.Opts) {
	key, _ := opts.String("<key>")

	result, err := api.AddColumn(datasetId(opts), &gridhub.AddColumnArgs{
		Key: key,
	})
	if err != nil {
		fail("Add column failed (%s).", err)
	}
	printJson(result.Schema)
}

func deleteRows(api *gridhub.GridApi, opts docopt.Opts) {
	rowIdStrs, ok := opts["<row_id>"].([]string)
	if !ok {
		fail("Row ids required.")
	}

	rowIds := []int64{}
	for _, rowIdStr := range rowIdStrs {
		rowId, err := strconv.ParseInt(rowIdStr, 10, 64)
		if err != nil {
			fail("Invalid row id (%s).", rowIdStr)
		}
		rowIds = append(rowIds, rowId)
	}

	result, err := api.DeleteRows(datasetId(opts), rowIds)
	if err != nil {
		fail("Delete failed (%s).", err)
	}
	color.Green("deleted %d", result.Deleted)
}

func importFile(api *gridhub.GridApi, opts docopt.Opts) {
	path, _ := opts.String("<file>")

	content, err := os.ReadFile(path)
	if err != nil {
		fail("Cannot read file (%s).", err)
	}

	result, err := api.ImportFile(datasetId(opts), filepath.Base(path), content)
	if err != nil {
		fail("Import failed (%s).", err)
	}

	color.Green("added %d rows", result.RowsAdded)
	printJson(result.Schema)
}

func export(api *gridhub.GridApi, opts docopt.Opts) {
	format, _ := opts.String("--fmt")

	result, err := api.Export(datasetId(opts), format)
	if err != nil {
		fail("Export failed (%s).", err)
	}

	switch content := result.Content.(type) {
	case string:
		fmt.Print(content)
	default:
		printJson(content)
	}
}

func watch(api *gridhub.GridApi, opts docopt.Opts) {
	cancelCtx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	id := datasetId(opts)
	color.Cyan("watching dataset %d", id)

	err := api.Watch(cancelCtx, id, func(message gridhub.Message) {
		color.Yellow("[%s]", message.Type())
		printJson(message)
	})
	if err != nil {
		fail("Watch ended (%s).", err)
	}
}

func printJson(value any) {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		fail("Encode failed (%s).", err)
	}
	fmt.Println(string(encoded))
}
