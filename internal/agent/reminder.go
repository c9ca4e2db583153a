package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentworkforce/relaypush/internal/remote"
)

// ReminderTag is the periodic wake-up tag that triggers the daily reminder.
const ReminderTag = "daily-reminder"

const reminderLink = "/mood-entry"

type PreferenceFetcher interface {
	FetchPreferences(ctx context.Context) (remote.ReminderPreferences, error)
}

// ReminderNotification is the fixed daily reminder record.
func ReminderNotification() Notification {
	return Notification{
		Title: "How are you feeling?",
		Body:  "Take a moment to log your mood.",
		Tag:   ReminderTag,
		Data:  NotificationData{URL: reminderLink},
	}
}

type SchedulerOptions struct {
	Preferences PreferenceFetcher
	Pipeline    *Pipeline
	Location    *time.Location
	Clock       func() time.Time
	Logger      *slog.Logger
}

type Scheduler struct {
	prefs    PreferenceFetcher
	pipeline *Pipeline
	location *time.Location
	clock    func() time.Time
	logger   *slog.Logger
}

func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Preferences == nil || opts.Pipeline == nil {
		return nil, fmt.Errorf("new scheduler: preferences and pipeline are required")
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		prefs:    opts.Preferences,
		pipeline: opts.Pipeline,
		location: opts.Location,
		clock:    opts.Clock,
		logger:   opts.Logger,
	}, nil
}

// MaybeFireDailyReminder renders the reminder when the user has opted in and
// the local time is outside quiet hours. Preference fetch failures count as
// opted out.
func (s *Scheduler) MaybeFireDailyReminder(ctx context.Context) (bool, error) {
	prefs, err := s.prefs.FetchPreferences(ctx)
	if err != nil {
		s.logger.Info("reminder skipped, preferences unavailable", "error", err)
		return false, nil
	}
	if !prefs.DailyReminderEnabled {
		s.logger.Debug("reminder skipped, disabled by user")
		return false, nil
	}
	now := s.clock().In(s.location)
	quiet, err := InQuietHours(prefs.QuietHours, now)
	if err != nil {
		s.logger.Warn("ignoring invalid quiet hours", "error", err)
	}
	if quiet {
		s.logger.Info("reminder suppressed by quiet hours", "local_time", now.Format("15:04"))
		return false, nil
	}
	if _, err := s.pipeline.Display(ctx, ReminderNotification()); err != nil {
		return false, fmt.Errorf("render reminder: %w", err)
	}
	return true, nil
}
