// Package scheduler runs backups on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/rflorenc/org-migrator/internal/metrics"
)

// Parser accepts standard five-field specs and descriptors such as @daily.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Entry is one scheduled backup.
type Entry struct {
	Name       string `json:"name"`
	Connection string `json:"connection"`
	Spec       string `json:"cron"`
	Inventory  bool   `json:"inventory"`

	Next time.Time `json:"next,omitempty"`
	Last time.Time `json:"last,omitempty"`
}

// Trigger performs the backup of an entry. It blocks until the run ends.
type Trigger func(ctx context.Context, e Entry) error

// Scheduler owns a cron runner and its entries.
type Scheduler struct {
	cron    *cron.Cron
	trigger Trigger
	log     *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]scheduled
}

type scheduled struct {
	entry Entry
	id    cron.EntryID
}

// New returns a stopped scheduler.
func New(trigger Trigger, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	cl := cronLogger{log: log.Named("cron")}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(Parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		trigger: trigger,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]scheduled),
	}
}

// Add registers e. Names are unique.
func (s *Scheduler) Add(e Entry) error {
	if e.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if e.Connection == "" {
		return fmt.Errorf("schedule %q: connection is required", e.Name)
	}
	if _, err := Parser.Parse(e.Spec); err != nil {
		return fmt.Errorf("schedule %q: invalid cron spec %q: %w", e.Name, e.Spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[e.Name]; dup {
		return fmt.Errorf("schedule %q already exists", e.Name)
	}
	entry := e
	id, err := s.cron.AddFunc(e.Spec, func() { s.run(entry) })
	if err != nil {
		return fmt.Errorf("schedule %q: %w", e.Name, err)
	}
	s.entries[e.Name] = scheduled{entry: e, id: id}
	s.log.Info("backup scheduled", zap.String("schedule", e.Name), zap.String("cron", e.Spec),
		zap.String("connection", e.Connection), zap.Bool("inventory", e.Inventory))
	return nil
}

// Remove drops the named entry. It reports whether the entry existed.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.entries[name]
	if !ok {
		return false
	}
	s.cron.Remove(sc.id)
	delete(s.entries, name)
	return true
}

// Entries returns the registered entries with their next and previous runs.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, sc := range s.entries {
		e := sc.entry
		ce := s.cron.Entry(sc.id)
		e.Next, e.Last = ce.Next, ce.Prev
		out = append(out, e)
	}
	return out
}

// Start begins firing entries in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running triggers and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// RunNow fires the named entry synchronously.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	sc, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule %q not found", name)
	}
	return s.run(sc.entry)
}

func (s *Scheduler) run(e Entry) error {
	log := s.log.With(zap.String("schedule", e.Name), zap.String("connection", e.Connection))
	log.Info("scheduled backup started")
	err := s.trigger(s.ctx, e)
	if err != nil {
		metrics.ScheduledRuns.WithLabelValues(e.Name, "error").Inc()
		log.Error("scheduled backup failed", zap.Error(err))
		return err
	}
	metrics.ScheduledRuns.WithLabelValues(e.Name, "success").Inc()
	log.Info("scheduled backup completed")
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
