package ics

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/syncerr"
)

// DefaultMaxInstances caps how many instances one recurring event may
// produce inside a range.
const DefaultMaxInstances = 1000

// ResolveConfig bounds range resolution.
type ResolveConfig struct {
	Range model.TimeRange
	// MaxInstances is a per-event safety cap; zero means DefaultMaxInstances.
	MaxInstances int
}

// Resolve turns parsed events into the concrete instances that overlap the
// range. Recurring events are resolved through their RRULE, EXDATEs remove
// instances and RECURRENCE-ID overrides replace them. Cancelled instances
// are dropped.
func Resolve(events []ParsedEvent, cfg ResolveConfig) ([]model.RawEvent, error) {
	if !cfg.Range.End.After(cfg.Range.Start) {
		return nil, errors.New("resolve: range end is not after range start")
	}
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = DefaultMaxInstances
	}

	// Group base events and overrides by UID.
	baseByUID := make(map[string][]ParsedEvent)
	overridesByUID := make(map[string][]ParsedEvent)
	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
		} else {
			baseByUID[ev.UID] = append(baseByUID[ev.UID], ev)
		}
	}

	out := make([]model.RawEvent, 0, len(events))
	for uid, bases := range baseByUID {
		for _, ev := range bases {
			var instances []model.RawEvent
			if ev.RawRRule == "" {
				instances = resolveSingle(ev, overridesByUID[uid], cfg.Range)
			} else {
				var capped bool
				instances, capped = resolveRecurring(ev, overridesByUID[uid], cfg)
				if capped {
					appLog.Warn("recurring event truncated", "uid", uid, "cap", cfg.MaxInstances)
				}
			}
			out = append(out, instances...)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].UID < out[j].UID
	})
	return out, nil
}

func resolveSingle(ev ParsedEvent, overrides []ParsedEvent, r model.TimeRange) []model.RawEvent {
	if o, ok := findOverride(overrides, ev.Start); ok {
		ev = o
	}
	if ev.Status == "cancelled" || !r.Overlaps(ev.Start, ev.End) {
		return nil
	}
	return []model.RawEvent{makeInstance(ev, ev.Start, ev.End)}
}

func resolveRecurring(ev ParsedEvent, overrides []ParsedEvent, cfg ResolveConfig) ([]model.RawEvent, bool) {
	opt, err := rrule.StrToROptionInLocation(ev.RawRRule, ev.Start.Location())
	if err != nil {
		appLog.Warn("unparseable RRULE; keeping first instance", "err", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return resolveSingle(ev, overrides, cfg.Range), false
	}
	opt.Dtstart = ev.Start
	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		appLog.Warn("invalid RRULE; keeping first instance", "err", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return resolveSingle(ev, overrides, cfg.Range), false
	}

	var set rrule.Set
	set.RRule(rule)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	dur := ev.End.Sub(ev.Start)
	// Instances that started before the range but are still running count.
	from := cfg.Range.Start.Add(-dur).In(ev.Start.Location())
	to := cfg.Range.End.In(ev.Start.Location())

	out := make([]model.RawEvent, 0)
	capped := false
	seen := make(map[string]bool)

	iter := set.Iterator()
	for {
		occStart, ok := iter()
		if !ok || !occStart.Before(to) {
			break
		}
		if occStart.Before(from) {
			continue
		}
		if len(out) >= cfg.MaxInstances {
			capped = true
			break
		}

		occEnd := occStart.Add(dur)
		inst := ev
		if o, ok := findOverride(overrides, occStart); ok {
			inst = o
			occStart, occEnd = o.Start, o.End
		}
		if inst.Status == "cancelled" || !cfg.Range.Overlaps(occStart, occEnd) {
			continue
		}
		e := makeInstance(inst, occStart, occEnd)
		e.InstanceKey = model.InstanceKey(ev.AllDay, instanceOrigin(inst, occStart))
		seen[e.InstanceKey] = true
		out = append(out, e)
	}

	// Overrides that moved an instance into the range from outside it.
	for _, o := range overrides {
		key := model.InstanceKey(ev.AllDay, *o.Recurrence)
		if seen[key] || o.Status == "cancelled" || !cfg.Range.Overlaps(o.Start, o.End) {
			continue
		}
		e := makeInstance(o, o.Start, o.End)
		e.InstanceKey = key
		out = append(out, e)
	}
	return out, capped
}

func instanceOrigin(inst ParsedEvent, occStart time.Time) time.Time {
	if inst.Recurrence != nil {
		return *inst.Recurrence
	}
	return occStart
}

// findOverride finds an override whose RECURRENCE-ID equals start.
func findOverride(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(start) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

func makeInstance(ev ParsedEvent, start, end time.Time) model.RawEvent {
	return model.RawEvent{
		SourceID:    ev.Source.ID,
		UID:         ev.UID,
		InstanceKey: model.InstanceKey(ev.AllDay, start),
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Status:      ev.Status,
		AllDay:      ev.AllDay,
		Start:       start,
		End:         end,
	}
}

// DecodeEvents parses an iCalendar payload and resolves it against r.
// Every returned event carries sourceID.
func DecodeEvents(src Source, body []byte, r model.TimeRange, loc *time.Location) ([]model.RawEvent, error) {
	parsed, err := ParseICS(src, body, loc)
	if err != nil {
		return nil, err
	}
	events, err := Resolve(parsed, ResolveConfig{Range: r})
	if err != nil {
		return nil, syncerr.New(syncerr.KindInvalid, "ics.resolve", err)
	}
	return events, nil
}

// FetchEvents downloads a subscription feed and returns its events inside r.
func (f *Fetcher) FetchEvents(ctx context.Context, src Source, r model.TimeRange, loc *time.Location) ([]model.RawEvent, error) {
	res, err := f.Fetch(ctx, src)
	if err != nil {
		return nil, err
	}
	return DecodeEvents(src, res.Body, r, loc)
}
