package viewer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hivetrap/hivetrap/backend"

	"github.com/charmbracelet/bubbles/list"
)

// GetCSVOutput renders the spooled records matching the search as CSV, for
// piping into other tooling instead of opening the interactive viewer.
func GetCSVOutput(entries []backend.SpoolEntry, search string, limit int) (string, error) {
	// parse the search input
	filter, parseErr := ParseSearchInput(search)
	if parseErr != "" {
		return "", fmt.Errorf("error parsing search input: %s", parseErr)
	}

	// default to 100 results if no limit is specified
	pageSize := 100
	if limit > 0 {
		pageSize = limit
	}

	// filter the records
	items, _ := GetResults(entries, filter, pageSize)

	// format the results into CSV
	return FormatToCSV(items, time.Now())

}

func FormatToCSV(items []list.Item, relativeTimestamp time.Time) (string, error) {
	// define the columns for the CSV output
	columns := []string{
		"Severity",
		"Source IP",
		"Attack Type",
		"Category",
		"Score",
		"Base Score",
		"Description",
		"State",
		"Stored",
		"Source Host",
		"Evidence",
	}

	// loop over the results and format into rows and columns
	var data []string
	for _, row := range items {
		// get current row
		item, ok := row.(*Item)
		if !ok {
			return "", fmt.Errorf("error casting item to Item")
		}

		// create a slice to hold the fields for this row
		fields := []string{
			item.GetSeverity(false), item.SourceIP, string(item.Type), string(item.Category),
			strconv.Itoa(item.Score), strconv.Itoa(item.Metadata.BaseScore),
			fmt.Sprintf("\"%s\"", item.Description), item.GetState(),
			item.GetStoredAgo(relativeTimestamp), item.Metadata.SourceHost,
			fmt.Sprintf("\"%s\"", strings.Join(item.Evidence, ",")),
		}

		// create comma-delimited string from each field in this row
		formattedRow := strings.Join(fields, ",")
		data = append(data, formattedRow)
	}

	// combine the columns and data into a CSV output
	csvOutput := []string{
		strings.Join(columns, ","),
		// print comma-delimited rows, one per line
		strings.Join(data, "\n"),
	}
	// print comma-delimited columns
	return strings.Join(csvOutput, "\n"), nil
}
