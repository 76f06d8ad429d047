package reservation

// SelectBest ranks offered slots against the caller's preferred windows and
// returns the best eligible one.
//
// A slot is eligible for a window when its absolute time-of-day distance to
// the window's center is at most the window's slack. Among eligible slots the
// smallest distance wins; ties break by the order the windows were given,
// then by earliest offered time. Deterministic for identical inputs.
func SelectBest(offered []SlotCandidate, windows []TimeWindow) (SlotCandidate, bool) {
	var (
		best       SlotCandidate
		bestDist   int
		bestWindow int
		found      bool
	)
	for _, slot := range offered {
		slotMin := TimeOfDayFrom(slot.Time).Minutes()
		dist, win, ok := closestWindow(slotMin, windows)
		if !ok {
			continue
		}
		if !found || betterMatch(dist, win, slot, bestDist, bestWindow, best) {
			best, bestDist, bestWindow, found = slot, dist, win, true
		}
	}
	return best, found
}

// closestWindow finds the nearest window the slot is eligible for, preferring
// earlier windows on distance ties.
func closestWindow(slotMin int, windows []TimeWindow) (dist, index int, ok bool) {
	dist = -1
	for i, w := range windows {
		d := slotMin - w.Center.Minutes()
		if d < 0 {
			d = -d
		}
		if d > w.Slack {
			continue
		}
		if dist < 0 || d < dist {
			dist, index, ok = d, i, true
		}
	}
	return dist, index, ok
}

func betterMatch(dist, win int, slot SlotCandidate, bestDist, bestWindow int, best SlotCandidate) bool {
	if dist != bestDist {
		return dist < bestDist
	}
	if win != bestWindow {
		return win < bestWindow
	}
	return slot.Time.Before(best.Time)
}
