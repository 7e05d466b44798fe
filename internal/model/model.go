package model

import (
	"slices"
	"strings"
	"time"
)

// SourceType identifies which external protocol a CalendarSource speaks.
type SourceType string

const (
	TypeOAuthCalendar SourceType = "oauth-calendar"
	TypeFeedURL       SourceType = "feed-url"
	TypeWorkflow      SourceType = "workflow-automation"
)

// Valid reports whether t is one of the known source types.
func (t SourceType) Valid() bool {
	switch t {
	case TypeOAuthCalendar, TypeFeedURL, TypeWorkflow:
		return true
	}
	return false
}

// Default tags assigned to newly discovered provider calendars.
const (
	TagPersonal = "personal"
	TagShared   = "shared"
)

// CalendarSource is one user-configured connection to an external calendar.
//
// ID is assigned once and never regenerated. (Type, ProviderSourceID) is
// unique within a user's registry.
type CalendarSource struct {
	ID               string     `json:"id"`
	DisplayName      string     `json:"displayName"`
	Type             SourceType `json:"type"`
	ProviderSourceID string     `json:"providerSourceId"`
	Tags             []string   `json:"tags"`
	Color            string     `json:"color,omitempty"`
	Enabled          bool       `json:"enabled"`
}

// Key returns the (type, providerSourceId) identity of the source.
func (s CalendarSource) Key() SourceKey {
	return SourceKey{Type: s.Type, ProviderSourceID: s.ProviderSourceID}
}

// HasTag reports whether the source carries tag (case-insensitive).
func (s CalendarSource) HasTag(tag string) bool {
	return slices.ContainsFunc(s.Tags, func(t string) bool {
		return strings.EqualFold(t, tag)
	})
}

// Clone returns a deep copy so callers can mutate tags safely.
func (s CalendarSource) Clone() CalendarSource {
	s.Tags = slices.Clone(s.Tags)
	return s
}

// SourceKey is the natural identity of a source inside one registry.
type SourceKey struct {
	Type             SourceType
	ProviderSourceID string
}

// CloneSources deep-copies a registry slice.
func CloneSources(in []CalendarSource) []CalendarSource {
	if in == nil {
		return nil
	}
	out := make([]CalendarSource, len(in))
	for i, s := range in {
		out[i] = s.Clone()
	}
	return out
}

// NormalizeTags trims, lowercases and de-duplicates tags, keeping first-seen order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Credential holds OAuth tokens for one (user, provider) pair.
type Credential struct {
	UserID       string `json:"userId"`
	Provider     string `json:"provider"`
	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`
	// ExpiresAt is the access token expiry in epoch seconds. 0 means unknown
	// or invalidated, and is treated as expired.
	ExpiresAt int64 `json:"expiresAt"`
	// Dead is set once the provider rejected the refresh token.
	Dead        bool      `json:"dead"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Expiry returns ExpiresAt as a time.Time (zero when unknown).
func (c Credential) Expiry() time.Time {
	if c.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(c.ExpiresAt, 0).UTC()
}

// SameConnection reports whether other still describes the same provider
// connection, i.e. the user has not disconnected or reconnected in between.
func (c Credential) SameConnection(other Credential) bool {
	return c.UserID == other.UserID &&
		c.Provider == other.Provider &&
		c.ConnectedAt.Equal(other.ConnectedAt) &&
		c.Dead == other.Dead
}

// SyncState is the per-user scheduler bookkeeping.
type SyncState struct {
	UserID         string    `json:"userId"`
	LastSyncAt     time.Time `json:"lastSyncAt"`
	SyncCountToday int       `json:"syncCountToday"`
	// LastSyncDate is the local calendar date (YYYY-MM-DD) the counter belongs to.
	LastSyncDate  string    `json:"lastSyncDate"`
	LastAttemptAt time.Time `json:"lastAttemptAt"`
	LastReason    string    `json:"lastReason,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
}

// ProviderCalendar is a calendar discovered from an OAuth provider.
type ProviderCalendar struct {
	ProviderSourceID string
	Name             string
	Primary          bool
	Color            string
	AccessRole       string
}

// TimeRange is a half-open [Start, End) window.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether [start, end) intersects the range.
func (r TimeRange) Overlaps(start, end time.Time) bool {
	if !end.After(start) {
		return !start.Before(r.Start) && start.Before(r.End)
	}
	return start.Before(r.End) && end.After(r.Start)
}

// RawEvent is a single concrete event instance as fetched from a source.
type RawEvent struct {
	SourceID string `json:"sourceId"`
	UID      string `json:"uid"`

	// InstanceKey uniquely identifies one instance of a recurring event,
	// derived from its start time.
	InstanceKey string `json:"instanceKey"`

	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Status      string `json:"status,omitempty"`

	AllDay bool      `json:"allDay"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

// InstanceKey identifies one instance of an event by its original start:
// the local date for all-day events, the UTC instant otherwise.
func InstanceKey(allDay bool, start time.Time) string {
	if allDay {
		return start.Format("20060102")
	}
	return start.UTC().Format("20060102T150405Z")
}
