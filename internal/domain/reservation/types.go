package reservation

import (
	"fmt"
	"strings"
	"time"
)

type Platform string

const (
	PlatformResy Platform = "resy"
)

// SlotCandidate is one offered reservation time, as returned by the
// availability source. Transient: produced and consumed within one poll.
type SlotCandidate struct {
	Time time.Time
	// Meta carries source metadata such as table type or the provider's
	// booking token ("config_id" on Resy).
	Meta map[string]string
}

// TimeWindow is one preferred time of day plus the slack (in minutes) around
// it that the caller will still accept. Windows are ordered: earlier entries
// win ties.
type TimeWindow struct {
	Center TimeOfDay `json:"center"`
	Slack  int       `json:"slack_minutes"`
}

// TimeOfDay is minutes since midnight, restaurant-local.
type TimeOfDay int

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// Minutes returns t as whole minutes since midnight.
func (t TimeOfDay) Minutes() int { return int(t) }

// ParseTimeOfDay accepts "19:00", "19:00:00" and kitchen-style "7:00 PM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"15:04", "15:04:05", "3:04 PM", "3:04PM"} {
		if t, err := time.Parse(layout, s); err == nil {
			return TimeOfDay(t.Hour()*60 + t.Minute()), nil
		}
	}
	return 0, fmt.Errorf("unparseable time of day %q", s)
}

// TimeOfDayFrom extracts the time-of-day component of t.
func TimeOfDayFrom(t time.Time) TimeOfDay {
	return TimeOfDay(t.Hour()*60 + t.Minute())
}
