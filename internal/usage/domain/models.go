// Package domain defines the ephemeral charge-entry key schema and the
// materialized daily aggregate rows.
package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// DayFormat is the billing-day key format. Billing cycles are day-granular
// and timezone-naive by design.
const DayFormat = "02-01-2006"

const (
	entryPrefix    = "usage"
	indexPrefix    = "usageidx"
	callsPrefix    = "calls"
	successMarker  = "ok"
	failureMarker  = "err"
	entrySegments  = 7
)

var (
	ErrMalformedEntryKey = errors.New("malformed usage entry key")
)

// Entry is one charge event, keyed into the KeyValueStore at charge time and
// aggregated into an APICounter row by the nightly job.
type Entry struct {
	Day       string
	UserID    int64
	APIName   string
	Timestamp int64
	Nonce     string
	Success   bool
	Credits   int64
}

// Key renders the unique per-charge key. The timestamp plus nonce keeps two
// charges in the same second distinct.
func (e Entry) Key() string {
	marker := successMarker
	if !e.Success {
		marker = failureMarker
	}
	return fmt.Sprintf("%s:%s:%d:%s:%d:%s:%s",
		entryPrefix, e.Day, e.UserID, e.APIName, e.Timestamp, e.Nonce, marker)
}

// ParseEntryKey reverses Key.
func ParseEntryKey(key string) (Entry, error) {
	parts := strings.Split(key, ":")
	if len(parts) != entrySegments || parts[0] != entryPrefix {
		return Entry{}, ErrMalformedEntryKey
	}
	userID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Entry{}, ErrMalformedEntryKey
	}
	ts, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return Entry{}, ErrMalformedEntryKey
	}
	return Entry{
		Day:       parts[1],
		UserID:    userID,
		APIName:   parts[3],
		Timestamp: ts,
		Nonce:     parts[5],
		Success:   parts[6] == successMarker,
	}, nil
}

// DayIndexKey is the per-(day,user) time-scored index of entry keys, used by
// the window calculator for partial-day sums.
func DayIndexKey(day string, userID int64) string {
	return fmt.Sprintf("%s:%s:%d", indexPrefix, day, userID)
}

// DailyCallsKey is the per-(day,user) call counter checked by the cost gate.
func DailyCallsKey(day string, userID int64) string {
	return fmt.Sprintf("%s:%s:%d", callsPrefix, day, userID)
}

// EntryPattern matches every entry for a day, across users and endpoints.
func EntryPattern(day string) string {
	return fmt.Sprintf("%s:%s:*", entryPrefix, day)
}

// UserEntryPattern matches every entry for one user on one day.
func UserEntryPattern(day string, userID int64) string {
	return fmt.Sprintf("%s:%s:%d:*", entryPrefix, day, userID)
}

// Day renders t in the billing-day format.
func Day(t time.Time) string {
	return t.Format(DayFormat)
}

// APICounter is the durable daily aggregate for a (day, user, api) triple.
// Its totals must equal the sum of ephemeral entries for the triple; the
// discrepancy sweep checks exactly that.
type APICounter struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	UserID        int64        `gorm:"not null;index;uniqueIndex:ux_api_counters_day_user_api,priority:2"`
	APIName       string       `gorm:"type:text;not null;uniqueIndex:ux_api_counters_day_user_api,priority:3"`
	Day           string       `gorm:"type:text;not null;uniqueIndex:ux_api_counters_day_user_api,priority:1"`
	Date          time.Time    `gorm:"not null;index"`
	CreditsUsed   int64        `gorm:"not null"`
	NumberOfCalls int64        `gorm:"not null"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (APICounter) TableName() string { return "api_counters" }
