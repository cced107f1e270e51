package daemon

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	defaultLead             = time.Minute // notify subscribers this long before a run
	defaultPreCheckRetries  = 30
	defaultPreCheckInterval = time.Second * 10
)

type NotifyFunc func(data any)

// TaskFunc represents a runnable task.
type TaskFunc func() error

// Scheduler runs one task on a cron schedule. A failing PreCheck delays the
// run and is retried a few times before the run is dropped.
type Scheduler struct {
	OnUpcoming NotifyFunc // called Lead before running the task
	OnError    NotifyFunc // called on task or precheck error
	Task       TaskFunc
	PreCheck   TaskFunc

	Lead             time.Duration
	PreCheckRetries  int
	PreCheckInterval time.Duration

	parser cron.Parser

	mu       sync.Mutex
	expr     string
	schedule cron.Schedule
	nextRun  time.Time
	running  bool

	controlCh chan controlKind
	stopCh    chan struct{}
}

type controlKind int

const (
	ctrlReschedule controlKind = iota // schedule or next run changed
	ctrlDisable
)

func (k controlKind) String() string {
	switch k {
	case ctrlReschedule:
		return "reschedule"
	case ctrlDisable:
		return "disable"
	default:
		return fmt.Sprintf("controlKind(%d)", int(k))
	}
}

func NewScheduler(task, preCheck TaskFunc, onUpcoming, onError NotifyFunc) *Scheduler {
	if task == nil {
		panic("task function cannot be nil")
	}

	return &Scheduler{
		OnUpcoming:       onUpcoming,
		OnError:          onError,
		Task:             task,
		PreCheck:         preCheck,
		Lead:             defaultLead,
		PreCheckRetries:  defaultPreCheckRetries,
		PreCheckInterval: defaultPreCheckInterval,
		parser:           cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		controlCh:        make(chan controlKind, 4),
		stopCh:           make(chan struct{}),
	}
}

// Start runs the scheduler goroutine. It is a no-op if already running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	select {
	case <-s.stopCh:
		// Stopped schedulers cannot be restarted.
		return
	default:
	}
	s.running = true
	go s.run()
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopCh: // already closed
	default:
		close(s.stopCh)
	}
}

// Parse validates a cron expression without scheduling it.
func (s *Scheduler) Parse(expr string) (cron.Schedule, error) {
	return s.parser.Parse(expr)
}

// Schedule replaces the schedule and returns the next run.
func (s *Scheduler) Schedule(expr string) (time.Time, error) {
	sh, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}

	s.mu.Lock()
	s.expr = expr
	s.schedule = sh
	s.nextRun = sh.Next(time.Now())
	next := s.nextRun
	s.mu.Unlock()

	s.control(ctrlReschedule)
	return next, nil
}

// Disable clears the schedule. The goroutine keeps running so a later
// Schedule takes effect immediately.
func (s *Scheduler) Disable() {
	s.mu.Lock()
	s.expr = ""
	s.schedule = nil
	s.nextRun = time.Time{}
	s.mu.Unlock()

	s.control(ctrlDisable)
}

// Skip skips the next scheduled run.
func (s *Scheduler) Skip() error {
	s.mu.Lock()
	if s.schedule == nil || s.nextRun.IsZero() {
		s.mu.Unlock()
		return fmt.Errorf("no active schedule to skip")
	}
	s.nextRun = s.schedule.Next(s.nextRun)
	s.mu.Unlock()

	s.control(ctrlReschedule)
	return nil
}

// NextRuns returns the next n run times of the active schedule.
func (s *Scheduler) NextRuns(n int) []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil || s.nextRun.IsZero() {
		return nil
	}
	runs := []time.Time{s.nextRun}
	for len(runs) < n {
		runs = append(runs, s.schedule.Next(runs[len(runs)-1]))
	}
	return runs
}

// Status returns the expression, the next run and whether the scheduler
// goroutine is alive.
func (s *Scheduler) Status() (expr string, nextRun time.Time, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expr, s.nextRun, s.running
}

func (s *Scheduler) snapshot() (cron.Schedule, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule, s.nextRun
}

func (s *Scheduler) advance(from time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A concurrent Skip or Schedule already moved the run.
	if s.schedule == nil || !s.nextRun.Equal(from) {
		return
	}
	s.nextRun = s.schedule.Next(from)
}

func (s *Scheduler) run() {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		logrus.Debug("scheduler stopped")
	}()

	logrus.Debug("scheduler started")

	for {
		schedule, nextRun := s.snapshot()

		var timer *time.Timer
		notified := false
		attempts := 0
		var lastPreCheckErr string

		if schedule == nil || nextRun.IsZero() {
			timer = time.NewTimer(time.Hour * 10000)
		} else {
			timer = time.NewTimer(max(time.Until(nextRun)-s.Lead, 0))
		}

	wait:
		for {
			select {
			case <-s.stopCh:
				timer.Stop()
				return
			case k := <-s.controlCh:
				logrus.WithField("kind", k).Debug("scheduler control message")
				timer.Stop()
				break wait
			case <-timer.C:
				if schedule == nil || nextRun.IsZero() {
					break wait
				}

				if !notified {
					notified = true
					logrus.Debugf("upcoming scheduled task at %s", nextRun.Format(time.DateTime))
					if s.OnUpcoming != nil {
						go s.OnUpcoming(nextRun)
					}
					timer.Reset(max(time.Until(nextRun), 0))
					continue
				}

				if s.PreCheck != nil {
					if err := s.PreCheck(); err != nil {
						// Report each distinct failure once.
						if err.Error() != lastPreCheckErr {
							lastPreCheckErr = err.Error()
							s.sendError(fmt.Errorf("precheck failed: %w", err))
						}
						attempts++
						if attempts <= s.PreCheckRetries {
							logrus.Debugf("precheck failed (%d/%d): %v; retrying in %s", attempts, s.PreCheckRetries, err, s.PreCheckInterval)
							timer.Reset(s.PreCheckInterval)
							continue
						}
						s.advance(nextRun)
						break wait
					}
				}

				logrus.Debugf("running scheduled task at %s", nextRun.Format(time.DateTime))
				go func() {
					if err := s.Task(); err != nil {
						s.sendError(fmt.Errorf("task failed: %w", err))
					}
				}()
				s.advance(nextRun)
				break wait
			}
		}
	}
}

func (s *Scheduler) sendError(err error) {
	if s.OnError == nil {
		return
	}

	go s.OnError(err)
}

func (s *Scheduler) control(kind controlKind) {
	select {
	case s.controlCh <- kind:
	default:
	}
}
