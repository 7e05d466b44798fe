package google

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/syncerr"
)

const DefaultTimeout = 15 * time.Second

// ClientOptions configure a Client. Zero values get defaults.
type ClientOptions struct {
	// Endpoint overrides the Calendar API base URL.
	Endpoint string
	Timeout  time.Duration
	// Transport is the base transport under the bearer-token layer.
	Transport http.RoundTripper
}

// Client lists calendars and events with an already-valid access token.
// Token renewal is the caller's job.
type Client struct {
	endpoint  string
	timeout   time.Duration
	transport http.RoundTripper
}

func NewClient(opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	return &Client{
		endpoint:  opts.Endpoint,
		timeout:   opts.Timeout,
		transport: opts.Transport,
	}
}

func (c *Client) service(ctx context.Context, cred model.Credential) (*calendar.Service, error) {
	httpClient := &http.Client{
		Timeout: c.timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.AccessToken, TokenType: "Bearer"}),
			Base:   c.transport,
		},
	}
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, syncerr.Errorf(syncerr.KindInvalid, "google.service", "create calendar service: %w", err)
	}
	return svc, nil
}

// ListCalendars returns every calendar on the user's calendar list.
func (c *Client) ListCalendars(ctx context.Context, cred model.Credential) ([]model.ProviderCalendar, error) {
	const op = "google.calendar_list"

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	svc, err := c.service(ctx, cred)
	if err != nil {
		return nil, err
	}

	var out []model.ProviderCalendar
	err = svc.CalendarList.List().ShowHidden(false).Pages(ctx, func(page *calendar.CalendarList) error {
		for _, item := range page.Items {
			if item.Deleted {
				continue
			}
			out = append(out, toProviderCalendar(item))
		}
		return nil
	})
	if err != nil {
		return nil, classify(op, err)
	}
	appLog.Debug("google calendars listed", appLog.User(cred.UserID), "count", len(out))
	return out, nil
}

func toProviderCalendar(item *calendar.CalendarListEntry) model.ProviderCalendar {
	name := item.SummaryOverride
	if name == "" {
		name = item.Summary
	}
	return model.ProviderCalendar{
		ProviderSourceID: item.Id,
		Name:             name,
		Primary:          item.Primary,
		Color:            item.BackgroundColor,
		AccessRole:       item.AccessRole,
	}
}

// ListEvents returns the expanded event instances of one calendar inside r.
// Cancelled instances are skipped.
func (c *Client) ListEvents(ctx context.Context, cred model.Credential, calendarID string, r model.TimeRange, loc *time.Location) ([]model.RawEvent, error) {
	const op = "google.events_list"
	if loc == nil {
		loc = time.UTC
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	svc, err := c.service(ctx, cred)
	if err != nil {
		return nil, err
	}

	var out []model.RawEvent
	call := svc.Events.List(calendarID).
		TimeMin(r.Start.Format(time.RFC3339)).
		TimeMax(r.End.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(250)
	err = call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			if item.Status == "cancelled" {
				continue
			}
			ev, ok := toRawEvent(item, loc)
			if !ok {
				appLog.Debug("skipping google event without usable times", "event", item.Id)
				continue
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func toRawEvent(item *calendar.Event, loc *time.Location) (model.RawEvent, bool) {
	start, allDay, ok := eventTime(item.Start, loc)
	if !ok {
		return model.RawEvent{}, false
	}
	end, _, ok := eventTime(item.End, loc)
	if !ok || end.Before(start) {
		end = start
	}

	uid := item.ICalUID
	if uid == "" {
		uid = item.Id
	}
	return model.RawEvent{
		UID:         uid,
		InstanceKey: model.InstanceKey(allDay, start),
		Summary:     item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Status:      item.Status,
		AllDay:      allDay,
		Start:       start,
		End:         end,
	}, true
}

// eventTime reads either the date-time or the all-day date form.
func eventTime(t *calendar.EventDateTime, loc *time.Location) (time.Time, bool, bool) {
	if t == nil {
		return time.Time{}, false, false
	}
	if t.DateTime != "" {
		v, err := time.Parse(time.RFC3339, t.DateTime)
		if err != nil {
			return time.Time{}, false, false
		}
		return v, false, true
	}
	if t.Date != "" {
		v, err := time.ParseInLocation("2006-01-02", t.Date, loc)
		if err != nil {
			return time.Time{}, false, false
		}
		return v, true, true
	}
	return time.Time{}, false, false
}

// classify maps Calendar API failures onto syncerr kinds.
func classify(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		e := syncerr.HTTPStatus(op, gerr.Code)
		e.Err = err
		e.Provider = ProviderName
		return e
	}
	e := syncerr.Transport(op, err)
	e.Provider = ProviderName
	return e
}
