package viewer

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/hivetrap/hivetrap/backend"

	"github.com/charmbracelet/bubbles/list"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Item wraps a spooled attack record for display in the list.
type Item struct {
	backend.SpoolEntry
}

func (i Item) GetSrc() string { return i.SourceIP }

func (i Item) GetKind() string { return string(i.Type) }

func (i Item) GetCategory() string { return string(i.Category) }

// GetState reports where a record sits in its delivery lifecycle. Throttled
// records were suppressed by the admission gate and are never uploaded.
func (i Item) GetState() string {
	state := "pending"
	if i.Throttled {
		state = "throttled"
	} else if !i.PendingUpload {
		state = "delivered"
	}
	return state
}

func (i Item) GetStoredAgo(relativeTimestamp time.Time) string {
	timeAgo := relativeTimestamp.Sub(i.StoredAt)
	switch {
	case timeAgo.Hours() >= 8760:
		years := int(math.Floor(timeAgo.Hours() / 8760))
		text := "years"
		if years == 1 {
			text = "year"
		}
		return fmt.Sprintf("%d %s ago", years, text)
	case timeAgo.Hours() >= 720:
		months := int(math.Floor(timeAgo.Hours() / 720))
		text := "months"
		if months == 1 {
			text = "month"
		}
		return fmt.Sprintf("%d %s ago", months, text)
	case timeAgo.Hours() >= 24:
		days := int(math.Floor(timeAgo.Hours() / 24))
		text := "days"
		if days == 1 {
			text = "day"
		}
		return fmt.Sprintf("%d %s ago", days, text)
	case timeAgo.Hours() < 1:
		minutes := int(math.Floor(timeAgo.Minutes()))
		text := "minutes"
		if minutes == 1 {
			text = "minute"
		}
		return fmt.Sprintf("%d %s ago", minutes, text)
	}

	text := "hours"
	if math.Floor(timeAgo.Hours()) == 1 {
		text = "hour"
	}
	return fmt.Sprintf("%d %s ago", int(math.Floor(timeAgo.Hours())), text)
}

func (i Item) FilterValue() string { return i.GetSrc() } // no-op

func (i Item) GetSeverity(color bool) string {
	caser := cases.Title(language.English)
	name := caser.String(severityName(i.Severity))

	if DebugMode {
		return renderIndicator(i.Severity, strconv.Itoa(i.Score))
	}
	if color {
		return renderIndicator(i.Severity, name)
	}
	return name
}

// severityName maps the backend's 1-5 scale onto the labels shown in the UI
func severityName(severity int) string {
	switch severity {
	case 5:
		return "critical"
	case 4:
		return "high"
	case 3:
		return "medium"
	case 2:
		return "low"
	}
	return "info"
}

// GetResults filters and sorts the spooled records according to the search
// criteria. A limit of zero returns everything that matched.
func GetResults(entries []backend.SpoolEntry, filter *Filter, limit int) ([]list.Item, bool) {
	now := time.Now()

	items := make([]list.Item, 0, len(entries))
	for _, entry := range entries {
		item := Item{SpoolEntry: entry}
		if !matchesFilter(item, filter, now) {
			continue
		}
		items = append(items, &item)
	}

	sortResults(items, filter)

	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	appliedFilter := filter.Src != "" || filter.Kind != "" || filter.Category != "" || filter.State != "" ||
		len(filter.Severity) > 0 || filter.Score.Value != "" || filter.Age.Value != "" ||
		filter.SortSeverity != "" || filter.SortScore != "" || filter.SortStored != ""

	return items, appliedFilter
}

func matchesFilter(item Item, filter *Filter, now time.Time) bool {
	if filter.Src != "" && item.SourceIP != filter.Src {
		return false
	}
	if filter.Kind != "" && string(item.Type) != filter.Kind {
		return false
	}
	if filter.Category != "" && string(item.Category) != filter.Category {
		return false
	}
	if filter.State != "" && item.GetState() != filter.State {
		return false
	}
	for _, op := range filter.Severity {
		if !compareInt(item.Severity, op) {
			return false
		}
	}
	if filter.Score.Value != "" && !compareInt(item.Score, filter.Score) {
		return false
	}
	if filter.Age.Value != "" && !compareAge(now.Sub(item.StoredAt), filter.Age) {
		return false
	}
	return true
}

func compareInt(value int, op OperatorFilter) bool {
	target, err := strconv.Atoi(op.Value)
	if err != nil {
		return false
	}
	switch op.Operator {
	case ">":
		return value > target
	case ">=":
		return value >= target
	case "<":
		return value < target
	case "<=":
		return value <= target
	}
	return value == target
}

func compareAge(age time.Duration, op OperatorFilter) bool {
	target, err := strconv.ParseFloat(op.Value, 64)
	if err != nil {
		return false
	}
	seconds := age.Seconds()
	switch op.Operator {
	case ">":
		return seconds > target
	case ">=":
		return seconds >= target
	case "<":
		return seconds < target
	case "<=":
		return seconds <= target
	}
	// equality compares whole seconds, an exact float match would never hit
	return math.Floor(seconds) == target
}

func sortResults(items []list.Item, filter *Filter) {
	sort.SliceStable(items, func(a, b int) bool {
		x, y := items[a].(*Item), items[b].(*Item)
		switch {
		case filter.SortSeverity != "":
			if x.Severity != y.Severity {
				return sortedBefore(x.Severity < y.Severity, filter.SortSeverity)
			}
		case filter.SortScore != "":
			if x.Score != y.Score {
				return sortedBefore(x.Score < y.Score, filter.SortScore)
			}
		case filter.SortStored != "":
			if !x.StoredAt.Equal(y.StoredAt) {
				return sortedBefore(x.StoredAt.Before(y.StoredAt), filter.SortStored)
			}
		}

		// default order puts the worst offenders first, newest breaking ties
		if x.Severity != y.Severity {
			return x.Severity > y.Severity
		}
		if x.Score != y.Score {
			return x.Score > y.Score
		}
		return x.StoredAt.After(y.StoredAt)
	})
}

func sortedBefore(less bool, direction string) bool {
	if direction == "desc" {
		return !less
	}
	return less
}
