package domain

// LeastLoaded selects the user owning the fewest tasks among openTasks.
// Every roster user starts at zero, so users with no open tasks win
// immediately. Ties go to the first minimum in roster order; callers must
// not depend on that ordering. An empty roster yields ErrNoAssigneeAvailable.
func LeastLoaded(users []User, openTasks []Task) (User, error) {
	if len(users) == 0 {
		return User{}, ErrNoAssigneeAvailable
	}
	counts := make(map[string]int, len(users))
	for _, u := range users {
		counts[u.ID] = 0
	}
	for _, t := range openTasks {
		if t.AssignedTo == "" {
			continue
		}
		if _, known := counts[t.AssignedTo]; known {
			counts[t.AssignedTo]++
		}
	}
	best := users[0]
	for _, u := range users[1:] {
		if counts[u.ID] < counts[best.ID] {
			best = u
		}
	}
	return best, nil
}
