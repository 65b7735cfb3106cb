package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

type PeriodUnit string

const (
	PeriodUnitDays   PeriodUnit = "days"
	PeriodUnitWeeks  PeriodUnit = "weeks"
	PeriodUnitMonths PeriodUnit = "months"
)

// HoursRule is one open interval of a calendar's weekly business hours.
// Start and End are wall-clock times in the calendar's timezone, "15:04" format.
type HoursRule struct {
	Weekday time.Weekday `json:"weekday"`
	Start   string       `json:"start"`
	End     string       `json:"end"`
}

type Calendar struct {
	bun.BaseModel `bun:"table:calendars"`

	ID      int64  `bun:"id,pk,autoincrement"`
	OwnerID string `bun:"owner_id,notnull"`
	Name    string `bun:"name,notnull"`

	Timezone      string      `bun:"timezone,notnull"`
	Rules         []HoursRule `bun:"rules,type:jsonb"`
	SlotHours     int         `bun:"slot_hours,notnull"`
	SlotMinutes   int         `bun:"slot_minutes,notnull"`
	BufferMinutes int         `bun:"buffer_minutes,notnull"`

	MinLeadCount    int        `bun:"min_lead_count,notnull"`
	MinLeadUnit     PeriodUnit `bun:"min_lead_unit,notnull"`
	MaxHorizonCount int        `bun:"max_horizon_count,notnull"`
	MaxHorizonUnit  PeriodUnit `bun:"max_horizon_unit,notnull"`

	// BusySlot makes bookings consume their whole surrounding buffer, so
	// existing appointments block neighbouring slots as well.
	BusySlot bool `bun:"busy_slot,notnull,default:false"`

	ConnectionID      int64    `bun:"connection_id"`
	LinkedCalendarIDs []string `bun:"linked_calendar_ids,type:jsonb"`
	PrimaryCalendarID string   `bun:"primary_calendar_id"`

	CreatedAt time.Time `bun:"created_at,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

func (c *Calendar) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		c.UpdatedAt = now
	}
	return nil
}

func (c *Calendar) SlotDuration() time.Duration {
	return time.Duration(c.SlotHours)*time.Hour + time.Duration(c.SlotMinutes)*time.Minute
}

func (c *Calendar) Buffer() time.Duration {
	return time.Duration(c.BufferMinutes) * time.Minute
}

func (c *Calendar) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Linked reports whether the calendar has an external connection to sync with.
func (c *Calendar) Linked() bool {
	return c.ConnectionID != 0 && len(c.LinkedCalendarIDs) > 0
}

func addPeriod(t time.Time, count int, unit PeriodUnit) time.Time {
	switch unit {
	case PeriodUnitWeeks:
		return t.AddDate(0, 0, 7*count)
	case PeriodUnitMonths:
		return t.AddDate(0, count, 0)
	default:
		return t.AddDate(0, 0, count)
	}
}

// BookingWindow returns the earliest and latest instants at which a booking
// may start, relative to now.
func (c *Calendar) BookingWindow(now time.Time) (earliest, latest time.Time) {
	earliest = addPeriod(now, c.MinLeadCount, c.MinLeadUnit)
	latest = addPeriod(now, c.MaxHorizonCount, c.MaxHorizonUnit)
	return earliest, latest
}

// Validate checks the scheduling rules. Violations are configuration errors
// and must be rejected when the calendar is saved, not worked around later.
func (c *Calendar) Validate() error {
	if c.SlotDuration() <= 0 {
		return fmt.Errorf("slot duration must be positive")
	}
	if c.BufferMinutes < 0 {
		return fmt.Errorf("buffer must not be negative")
	}
	if c.MinLeadCount < 0 || c.MaxHorizonCount < 0 {
		return fmt.Errorf("booking period must not be negative")
	}
	now := time.Now().UTC()
	earliest, latest := c.BookingWindow(now)
	if latest.Before(earliest) {
		return fmt.Errorf("minimum lead time exceeds maximum booking horizon")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid timezone %q", c.Timezone)
	}

	type span struct{ start, end int }
	byDay := make(map[time.Weekday][]span)
	for _, r := range c.Rules {
		start, err := parseWallClock(r.Start)
		if err != nil {
			return fmt.Errorf("rule for %s: %w", r.Weekday, err)
		}
		end, err := parseWallClock(r.End)
		if err != nil {
			return fmt.Errorf("rule for %s: %w", r.Weekday, err)
		}
		if end <= start {
			return fmt.Errorf("rule for %s: end %s not after start %s", r.Weekday, r.End, r.Start)
		}
		for _, s := range byDay[r.Weekday] {
			if start < s.end && end > s.start {
				return fmt.Errorf("overlapping hours on %s", r.Weekday)
			}
		}
		byDay[r.Weekday] = append(byDay[r.Weekday], span{start: start, end: end})
	}
	return nil
}

// parseWallClock parses "15:04" into minutes since midnight.
func parseWallClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// RuleBounds resolves a rule's open interval on a concrete day in loc.
func (r HoursRule) RuleBounds(year int, month time.Month, day int, loc *time.Location) (start, end time.Time, err error) {
	sm, err := parseWallClock(r.Start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	em, err := parseWallClock(r.End)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start = time.Date(year, month, day, sm/60, sm%60, 0, 0, loc)
	end = time.Date(year, month, day, em/60, em%60, 0, 0, loc)
	return start, end, nil
}
