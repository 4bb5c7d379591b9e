package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	tz := s.cfg.Timezone
	defs := make([]scheduleDef, len(s.defs))
	copy(defs, s.defs)
	c := s.c
	loc := s.loc
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	if tz == "" {
		tz = loc.String()
	}

	items := make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		it := ScheduleInfo{ID: d.id, Name: d.name, Spec: d.spec, Timeout: d.timeout}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		if d.state != nil {
			it.Runs = d.state.runs.Load()
			it.Skipped = d.state.skipped.Load()
			d.state.mu.Lock()
			it.LastErr = d.state.lastErr
			d.state.mu.Unlock()
		}
		items = append(items, it)
	}

	return Snapshot{
		Enabled:   enabled,
		Running:   c != nil,
		Timezone:  tz,
		Schedules: items,
	}
}
