package sniper

import (
	"fmt"
	"sort"
	"strings"
)

// Category classifies one failed poll for reporting. The set is fixed:
// notification payloads and metrics labels depend on it being stable.
type Category string

const (
	CategoryNoMatch          Category = "no_match"
	CategoryRateLimited      Category = "rate_limited"
	CategoryTransientNetwork Category = "transient_network"
	CategorySlotTaken        Category = "slot_taken"
	CategoryAuthentication   Category = "authentication"
	CategoryFatalOther       Category = "fatal_other"
)

// Diagnostics tallies failed polls for one job run. It only feeds the failure
// notification; it never influences control flow. Not safe for concurrent
// use: a job's polls are strictly sequential.
type Diagnostics struct {
	counts  map[Category]int
	lastMsg map[Category]string
	seen    []Category // first-recorded order, for stable tie-breaks
	total   int
}

func NewDiagnostics() *Diagnostics {
	return &Diagnostics{
		counts:  make(map[Category]int),
		lastMsg: make(map[Category]string),
	}
}

func (d *Diagnostics) Record(c Category, msg string) {
	if _, ok := d.counts[c]; !ok {
		d.seen = append(d.seen, c)
	}
	d.counts[c]++
	d.lastMsg[c] = msg
	d.total++
}

func (d *Diagnostics) Total() int { return d.total }

type CategoryCount struct {
	Category    Category
	Count       int
	LastMessage string
}

type Summary struct {
	Counts []CategoryCount
	Notes  []string
	Total  int
}

// Summarize returns the tally ordered by count descending, ties broken by
// first-recorded order, plus a note when a single category accounts for more
// than 80% of failures.
func (d *Diagnostics) Summarize() Summary {
	s := Summary{Total: d.total}
	firstSeen := make(map[Category]int, len(d.seen))
	for i, c := range d.seen {
		firstSeen[c] = i
	}
	for _, c := range d.seen {
		s.Counts = append(s.Counts, CategoryCount{
			Category:    c,
			Count:       d.counts[c],
			LastMessage: d.lastMsg[c],
		})
	}
	sort.SliceStable(s.Counts, func(i, j int) bool {
		if s.Counts[i].Count != s.Counts[j].Count {
			return s.Counts[i].Count > s.Counts[j].Count
		}
		return firstSeen[s.Counts[i].Category] < firstSeen[s.Counts[j].Category]
	})

	if d.total > 0 {
		top := s.Counts[0]
		if pct := top.Count * 100 / d.total; pct > 80 {
			s.Notes = append(s.Notes, fmt.Sprintf("%d%% of failures were %q", pct, top.Category))
		}
	}
	return s
}

// String renders the summary for human-readable failure reports.
func (s Summary) String() string {
	if s.Total == 0 {
		return "no failed polls recorded"
	}
	var b strings.Builder
	for _, cc := range s.Counts {
		fmt.Fprintf(&b, "- %s: %d", cc.Category, cc.Count)
		if cc.LastMessage != "" {
			fmt.Fprintf(&b, " (last: %s)", cc.LastMessage)
		}
		b.WriteByte('\n')
	}
	for _, n := range s.Notes {
		fmt.Fprintf(&b, "note: %s\n", n)
	}
	return strings.TrimRight(b.String(), "\n")
}
