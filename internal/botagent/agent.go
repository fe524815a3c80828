package botagent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultPollInterval = 60 * time.Second

	// Schedules match on the minute, so the due check samples well below
	// that and dedupes per minute.
	dueCheckInterval = 10 * time.Second
)

// Agent keeps one bot persona's entitlement cache and task list fresh, and
// fires scheduled tasks when they come due.
type Agent struct {
	client   *Client
	cache    *Cache
	botKey   string
	interval time.Duration

	mu      sync.RWMutex
	tasks   []Task
	lastRun map[int64]string // task id -> minute it last fired
}

// NewAgent creates an agent for botKey polling at the given interval.
func NewAgent(client *Client, botKey string, interval time.Duration) *Agent {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Agent{
		client:   client,
		cache:    NewCache(client, botKey),
		botKey:   botKey,
		interval: interval,
		lastRun:  make(map[int64]string),
	}
}

// Cache returns the agent's entitlement cache.
func (a *Agent) Cache() *Cache {
	return a.cache
}

// Tasks returns the last fetched task list.
func (a *Agent) Tasks() []Task {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Task, len(a.tasks))
	copy(out, a.tasks)
	return out
}

// Run polls the panel until ctx is cancelled. The first poll happens
// immediately so a restarted bot recovers its allow-list without waiting a
// full interval.
func (a *Agent) Run(ctx context.Context) {
	log.Info().
		Str("bot_key", a.botKey).
		Dur("interval", a.interval).
		Msg("Agent poll loop started")

	a.poll(ctx)

	pollTicker := time.NewTicker(a.interval)
	defer pollTicker.Stop()
	dueTicker := time.NewTicker(dueCheckInterval)
	defer dueTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("bot_key", a.botKey).Msg("Agent poll loop stopped")
			return
		case <-pollTicker.C:
			a.poll(ctx)
		case <-dueTicker.C:
			a.fireDue(ctx, time.Now())
		}
	}
}

func (a *Agent) poll(ctx context.Context) {
	_ = a.cache.Refresh(ctx)

	tasks, err := a.client.FetchTasks(ctx, a.botKey)
	if err != nil {
		log.Warn().Err(err).Str("bot_key", a.botKey).Msg("Task refresh failed, keeping cached tasks")
		return
	}
	a.mu.Lock()
	a.tasks = tasks
	a.mu.Unlock()
}

// DueTasks returns the tasks due at the given moment whose tenant is still on
// the allow-list. Entitlement is re-checked per task so a lapsed tenant's
// schedule goes quiet immediately.
func (a *Agent) DueTasks(ctx context.Context, now time.Time) []Task {
	var due []Task
	for _, task := range a.Tasks() {
		if !taskDue(task, now) {
			continue
		}
		if !a.allowed(ctx, task) {
			continue
		}
		due = append(due, task)
	}
	return due
}

// fireDue delivers the tasks due at the given moment, at most once per task
// per minute: the due check ticks faster than the minute the schedule matches
// on, so repeat hits inside the same minute are dropped.
func (a *Agent) fireDue(ctx context.Context, now time.Time) []Task {
	minute := now.Format("2006-01-02 15:04")
	var fired []Task
	for _, task := range a.DueTasks(ctx, now) {
		a.mu.Lock()
		repeat := a.lastRun[task.ID] == minute
		if !repeat {
			a.lastRun[task.ID] = minute
		}
		a.mu.Unlock()
		if repeat {
			continue
		}
		fired = append(fired, task)
		log.Info().
			Int64("task_id", task.ID).
			Str("bot_key", a.botKey).
			Str("tenant", task.TenantExternalID).
			Str("task_type", task.TaskType).
			Str("channel", task.ChannelRef).
			Msg("Scheduled task due")
	}
	return fired
}

func (a *Agent) allowed(ctx context.Context, task Task) bool {
	if task.Platform == "twitch" {
		return a.cache.ChannelAllowed(ctx, task.TenantExternalID)
	}
	return a.cache.GuildAllowed(ctx, task.TenantExternalID)
}

// taskDue matches a task's schedule against the current minute. Weekly tasks
// also match the weekday; daily tasks fire every day at their time.
func taskDue(task Task, now time.Time) bool {
	if !strings.EqualFold(strings.TrimSpace(task.TimeOfDay), now.Format("15:04")) {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(task.Frequency)) {
	case "daily":
		return true
	default: // weekly
		return strings.EqualFold(strings.TrimSpace(task.DayOfWeek), now.Weekday().String())
	}
}
