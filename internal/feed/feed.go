// Package feed retrieves raw event data for one calendar source, branching on
// the source type. Every error it returns carries a syncerr kind and the
// source id.
package feed

import (
	"context"
	"time"

	"calsync/internal/ics"
	appLog "calsync/internal/log"
	"calsync/internal/metrics"
	"calsync/internal/model"
	"calsync/internal/syncerr"
)

// CalendarProvider is an OAuth calendar API.
type CalendarProvider interface {
	ListCalendars(ctx context.Context, cred model.Credential) ([]model.ProviderCalendar, error)
	ListEvents(ctx context.Context, cred model.Credential, calendarID string, r model.TimeRange, loc *time.Location) ([]model.RawEvent, error)
}

// EndpointFetcher pulls events from a URL-addressed source.
type EndpointFetcher interface {
	FetchEvents(ctx context.Context, src ics.Source, r model.TimeRange, loc *time.Location) ([]model.RawEvent, error)
}

type Options struct {
	Provider  CalendarProvider
	Feeds     EndpointFetcher
	Workflows EndpointFetcher
	// Location resolves floating and all-day times. Nil means UTC.
	Location *time.Location
	Metrics  *metrics.Metrics
}

type Fetcher struct {
	provider  CalendarProvider
	feeds     EndpointFetcher
	workflows EndpointFetcher
	loc       *time.Location
	metrics   *metrics.Metrics
}

func New(opts Options) *Fetcher {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Fetcher{
		provider:  opts.Provider,
		feeds:     opts.Feeds,
		workflows: opts.Workflows,
		loc:       opts.Location,
		metrics:   opts.Metrics,
	}
}

// ListProviderCalendars lists the calendars visible to cred.
func (f *Fetcher) ListProviderCalendars(ctx context.Context, cred model.Credential) ([]model.ProviderCalendar, error) {
	if f.provider == nil {
		return nil, syncerr.Errorf(syncerr.KindInvalid, "feed.list_calendars", "no calendar provider configured")
	}
	cals, err := f.provider.ListCalendars(ctx, cred)
	f.record(model.TypeOAuthCalendar, err)
	return cals, err
}

// FetchEvents returns the events of src inside r. cred is required for
// oauth-calendar sources and ignored otherwise.
func (f *Fetcher) FetchEvents(ctx context.Context, src model.CalendarSource, r model.TimeRange, cred *model.Credential) ([]model.RawEvent, error) {
	events, err := f.fetch(ctx, src, r, cred)
	f.record(src.Type, err)
	if err != nil {
		return nil, syncerr.WithSource(err, src.ID)
	}
	for i := range events {
		events[i].SourceID = src.ID
	}
	appLog.Debug("source fetched", appLog.Source(src.ID), "type", src.Type, "events", len(events))
	return events, nil
}

func (f *Fetcher) fetch(ctx context.Context, src model.CalendarSource, r model.TimeRange, cred *model.Credential) ([]model.RawEvent, error) {
	const op = "feed.fetch_events"

	switch src.Type {
	case model.TypeOAuthCalendar:
		if f.provider == nil {
			return nil, syncerr.Errorf(syncerr.KindInvalid, op, "no calendar provider configured")
		}
		if cred == nil {
			return nil, syncerr.Errorf(syncerr.KindReauthRequired, op, "oauth source without credential")
		}
		return f.provider.ListEvents(ctx, *cred, src.ProviderSourceID, r, f.loc)

	case model.TypeFeedURL:
		if f.feeds == nil {
			return nil, syncerr.Errorf(syncerr.KindInvalid, op, "no feed fetcher configured")
		}
		return f.feeds.FetchEvents(ctx, ics.Source{ID: src.ID, URL: src.ProviderSourceID}, r, f.loc)

	case model.TypeWorkflow:
		if f.workflows == nil {
			return nil, syncerr.Errorf(syncerr.KindInvalid, op, "no workflow fetcher configured")
		}
		return f.workflows.FetchEvents(ctx, ics.Source{ID: src.ID, URL: src.ProviderSourceID}, r, f.loc)
	}
	return nil, syncerr.Errorf(syncerr.KindInvalid, op, "unknown source type %q", src.Type)
}

func (f *Fetcher) record(typ model.SourceType, err error) {
	result := "ok"
	if err != nil {
		result = string(syncerr.KindOf(err))
		if result == "" {
			result = "error"
		}
	}
	f.metrics.FeedFetch(string(typ), result)
}
