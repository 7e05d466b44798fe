// Package workflow reads calendar data published by workflow-automation
// endpoints (a flow polled over HTTP that dumps a calendar as JSON).
//
// The endpoint answers with either an iCalendar stream or a JSON array of
// event rows, bare or embedded in an HTML page. Recurring master rows the
// platform failed to expand are expanded here.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"calsync/internal/ics"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/syncerr"
)

// MaxInstancesPerMaster bounds expansion of a single recurring row.
const MaxInstancesPerMaster = 100

// Row is one event as the automation platform serializes it.
type Row struct {
	Title             string   `json:"title"`
	StartTime         string   `json:"startTime"`
	EndTime           string   `json:"endTime"`
	Recurrence        string   `json:"recurrence"`
	RecurrenceEndDate string   `json:"recurrenceEndDate"`
	UID               string   `json:"iCalUld"`
	Location          string   `json:"location"`
	Description       string   `json:"description"`
	IsAllDay          flexBool `json:"isAllDay"`
}

// flexBool accepts true, "true", "True" and friends.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*b = false
		return nil
	}
	v, err := strconv.ParseBool(strings.ToLower(s))
	if err != nil {
		return fmt.Errorf("isAllDay: %w", err)
	}
	*b = flexBool(v)
	return nil
}

// Fetcher pulls a workflow endpoint over the shared feed transport.
type Fetcher struct {
	transport *ics.Fetcher
}

func NewFetcher(transport *ics.Fetcher) *Fetcher {
	return &Fetcher{transport: transport}
}

// FetchEvents downloads the endpoint and decodes its events inside r.
// An empty body is a fetch error; transport failures keep the feed
// classification.
func (f *Fetcher) FetchEvents(ctx context.Context, src ics.Source, r model.TimeRange, loc *time.Location) ([]model.RawEvent, error) {
	res, err := f.transport.Fetch(ctx, src)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(res.Body)) == 0 {
		return nil, syncerr.Errorf(syncerr.KindFetch, "workflow.fetch", "endpoint returned an empty body")
	}
	return Decode(src, res.Body, r, loc)
}

// Decode dispatches on payload shape.
func Decode(src ics.Source, body []byte, r model.TimeRange, loc *time.Location) ([]model.RawEvent, error) {
	trimmed := bytes.TrimSpace(body)
	if bytes.HasPrefix(bytes.ToUpper(trimmed[:min(len(trimmed), 15)]), []byte("BEGIN:VCALENDAR")) {
		return ics.DecodeEvents(src, trimmed, r, loc)
	}

	rows, err := ExtractRows(trimmed)
	if err != nil {
		return nil, err
	}
	events := ExpandRows(src.ID, rows, loc)

	out := make([]model.RawEvent, 0, len(events))
	for _, ev := range events {
		if r.Overlaps(ev.Start, ev.End) {
			out = append(out, ev)
		}
	}
	appLog.Debug("workflow payload decoded", "id", src.ID, "rows", len(rows), "in_range", len(out))
	return out, nil
}

// ExtractRows finds the JSON event array in body. The array may be the
// whole body or embedded in an HTML page.
func ExtractRows(body []byte) ([]Row, error) {
	const op = "workflow.extract"

	raw := body
	if len(body) == 0 || body[0] != '[' {
		start := arrayStart(body)
		if start == -1 {
			return nil, syncerr.Errorf(syncerr.KindParse, op, "no JSON event array found in payload")
		}
		end := matchBracket(body[start:])
		if end == -1 {
			return nil, syncerr.Errorf(syncerr.KindParse, op, "unterminated JSON event array")
		}
		raw = body[start : start+end]
	}

	var rows []Row
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, syncerr.New(syncerr.KindParse, op, err)
	}
	return rows, nil
}

// arrayStart returns the offset of the first '[' that opens an array of
// objects, preferring one whose first object has a "title" key.
func arrayStart(body []byte) int {
	first := -1
	for i := 0; i < len(body); i++ {
		if body[i] != '[' {
			continue
		}
		rest := bytes.TrimLeft(body[i+1:], " \t\r\n")
		if len(rest) == 0 || rest[0] != '{' {
			continue
		}
		if bytes.HasPrefix(bytes.TrimLeft(rest[1:], " \t\r\n"), []byte(`"title"`)) {
			return i
		}
		if first == -1 {
			first = i
		}
	}
	return first
}

// matchBracket returns the length of the bracketed value at the start of b,
// skipping brackets inside JSON strings, or -1.
func matchBracket(b []byte) int {
	depth := 0
	inString := false
	escaped := false
	for i, c := range b {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

var frequencies = map[string]rrule.Frequency{
	"daily":   rrule.DAILY,
	"weekly":  rrule.WEEKLY,
	"monthly": rrule.MONTHLY,
	"yearly":  rrule.YEARLY,
}

// ExpandRows converts rows to events. Recurring masters with a known pattern
// and an end date become one event per instance, uid <uid>_<YYYYMMDD>.
// Rows that cannot be expanded are kept as a single event; rows whose start
// cannot be read are dropped.
func ExpandRows(sourceID string, rows []Row, loc *time.Location) []model.RawEvent {
	if loc == nil {
		loc = time.UTC
	}
	out := make([]model.RawEvent, 0, len(rows))
	for _, row := range rows {
		base, ok := rowEvent(sourceID, row, loc)
		if !ok {
			appLog.Debug("workflow row skipped", "id", sourceID, "title", row.Title)
			continue
		}

		pattern := strings.ToLower(strings.TrimSpace(row.Recurrence))
		if pattern == "" || pattern == "none" {
			out = append(out, base)
			continue
		}
		instances, err := expandMaster(base, pattern, row.RecurrenceEndDate, loc)
		if err != nil {
			appLog.Debug("workflow master kept unexpanded", "err", err, "id", sourceID, "title", row.Title)
			out = append(out, base)
			continue
		}
		out = append(out, instances...)
	}
	return out
}

func rowEvent(sourceID string, row Row, loc *time.Location) (model.RawEvent, bool) {
	start, err := ParseTimestamp(row.StartTime, loc)
	if err != nil {
		return model.RawEvent{}, false
	}
	end, err := ParseTimestamp(row.EndTime, loc)
	if err != nil || end.Before(start) {
		end = start
	}
	allDay := bool(row.IsAllDay)
	if allDay && !end.After(start) {
		end = start.AddDate(0, 0, 1)
	}

	uid := strings.TrimSpace(row.UID)
	if uid == "" {
		uid = slug(row.Title) + "_" + start.Format("20060102T1504")
	}
	return model.RawEvent{
		SourceID:    sourceID,
		UID:         uid,
		InstanceKey: start.UTC().Format("20060102T150405Z"),
		Summary:     row.Title,
		Description: row.Description,
		Location:    row.Location,
		AllDay:      allDay,
		Start:       start,
		End:         end,
	}, true
}

func expandMaster(base model.RawEvent, pattern, until string, loc *time.Location) ([]model.RawEvent, error) {
	freq, ok := frequencies[pattern]
	if !ok {
		return nil, fmt.Errorf("unknown recurrence pattern %q", pattern)
	}
	if strings.TrimSpace(until) == "" {
		return nil, fmt.Errorf("recurring row without recurrenceEndDate")
	}
	end, err := ParseTimestamp(until, loc)
	if err != nil {
		return nil, err
	}
	if isDateOnly(until) {
		// A date-only end includes that whole day.
		end = end.AddDate(0, 0, 1).Add(-time.Second)
	}

	rule, err := rrule.NewRRule(rrule.ROption{
		Freq:    freq,
		Dtstart: base.Start,
		Until:   end,
	})
	if err != nil {
		return nil, err
	}

	dur := base.End.Sub(base.Start)
	out := make([]model.RawEvent, 0)
	next := rule.Iterator()
	for len(out) < MaxInstancesPerMaster {
		s, ok := next()
		if !ok {
			break
		}
		inst := base
		day := s.Format("20060102")
		inst.UID = base.UID + "_" + day
		inst.InstanceKey = day
		inst.Start = s
		inst.End = s.Add(dur)
		out = append(out, inst)
	}
	return out, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTimestamp reads YYYY-MM-DDTHH:MM:SS[.ffffff][Z|±hh:mm] and
// YYYY-MM-DD. Values without an offset are read in loc.
func ParseTimestamp(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}

func isDateOnly(v string) bool {
	return len(strings.TrimSpace(v)) == len("2006-01-02")
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slug(title string) string {
	s := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(title), "_"), "_")
	if s == "" {
		return "event"
	}
	return s
}
