package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "signalblast/pkg/logx"
)

// AddSchedule parses schedule and registers either a cron or interval task.
//
// Supported schedule formats:
//   - Cron: "*/5 * * * *", "55 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// "off" registers nothing, removes any schedule with that name and returns ("", nil).
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) (string, error) {
	return s.AddScheduleOpt(name, schedule, timeout, TaskOptions{Overlap: OverlapSkipIfRunning, Spread: true}, job)
}

// AddScheduleOpt is AddSchedule with task options.
func (s *Service) AddScheduleOpt(name, schedule string, timeout time.Duration, opt TaskOptions, job Job) (string, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	switch ps.Kind {
	case SpecCron:
		return s.add(name, ps.Cron, timeout, opt, job)
	case SpecInterval:
		return s.AddIntervalOpt(name, ps.Every, timeout, opt, job)
	case SpecOff:
		s.Remove(name)
		return "", nil
	default:
		return "", fmt.Errorf("unsupported schedule kind")
	}
}

func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) (string, error) {
	return s.add(name, spec, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

// AddInterval runs job every interval, first after one full interval.
func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, job Job) (string, error) {
	return s.AddIntervalOpt(name, every, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

func (s *Service) AddIntervalOpt(name string, every time.Duration, timeout time.Duration, opt TaskOptions, job Job) (string, error) {
	if every <= 0 {
		return "", errors.New("interval must be > 0")
	}
	return s.add(name, fmt.Sprintf("@every %s", every.String()), timeout, opt, job)
}

// add upserts by name: a previous schedule with the same name is replaced.
func (s *Service) add(name, spec string, timeout time.Duration, opt TaskOptions, job Job) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name required")
	}
	if job == nil {
		return "", errors.New("job required")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return "", fmt.Errorf("schedule %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.removeScheduleLocked(name)
	d := scheduleDef{
		id:      fmt.Sprintf("%s:%d", name, time.Now().UnixNano()),
		name:    name,
		spec:    spec,
		timeout: timeout,
		job:     job,
		opt:     opt,
		state:   &runState{},
	}
	s.defs = append(s.defs, d)
	if s.c == nil {
		// Not started yet: keep definition and register when Start() runs.
		return name, nil
	}
	if err := s.addCronLocked(&s.defs[len(s.defs)-1]); err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return name, err
	}
	args := []logx.Field{logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout)}
	if next := s.previewNextRunsLocked(spec, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return name, nil
}

// Has reports whether a schedule with name is registered.
func (s *Service) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.name == name {
			return true
		}
	}
	return false
}

// Remove unschedules all schedules with the given name. It returns true if something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeScheduleLocked(name)
	s.mu.Unlock()

	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// removeScheduleLocked removes all defs matching name and unregisters them from cron if running.
// Call with s.mu held.
func (s *Service) removeScheduleLocked(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	def := *d
	job := cron.FuncJob(func() { s.run(def) })

	spec := strings.TrimSpace(d.spec)
	if d.opt.Spread && strings.HasPrefix(spec, "@every") {
		every, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(spec, "@every")))
		if err == nil && every > 0 {
			sched, jitter := makeIntervalScheduleWithSpread(every, time.Now().In(s.loc))
			d.startupSpread = jitter
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}

	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err == nil {
		d.entryID = eid
	}
	return err
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		_ = s.addCronLocked(&s.defs[i])
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked returns a short list of upcoming run times for spec.
// Call with s.mu held.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
