package logging

import (
	"fmt"
	"math"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap/zapcore"
)

const (
	// TokyoLocationName is the IANA zone used by localized timestamps unless overridden.
	TokyoLocationName      = "Asia/Tokyo"
	// DefaultLocalizedLayout renders "YYYY-MM-DD HH:MM:SS <zone><offset>", e.g. "1970-01-01 09:00:00 JST+0900".
	DefaultLocalizedLayout = "2006-01-02 15:04:05 MST-0700"
	// DefaultLocalLayout renders host-local timestamps with millisecond precision.
	DefaultLocalLayout     = "2006-01-02 15:04:05,000"

	locationLoadErrorTemplateConstant = "unable to load time zone %q: %w"
	nanosecondsPerSecondConstant      = 1e9
)

// LoadLocation resolves an IANA zone name using the embedded tz database.
func LoadLocation(name string) (*time.Location, error) {
	location, loadError := time.LoadLocation(name)
	if loadError != nil {
		return nil, fmt.Errorf(locationLoadErrorTemplateConstant, name, loadError)
	}
	return location, nil
}

// TokyoLocation resolves the Asia/Tokyo zone.
func TokyoLocation() (*time.Location, error) {
	return LoadLocation(TokyoLocationName)
}

// FormatTimestamp renders the moment in the location using the layout, or DefaultLocalizedLayout when layout is empty.
func FormatTimestamp(moment time.Time, location *time.Location, layout string) string {
	if location == nil {
		location = time.UTC
	}
	if len(layout) == 0 {
		layout = DefaultLocalizedLayout
	}
	return moment.In(location).Format(layout)
}

// FormatEpochSeconds renders a fractional seconds-since-epoch value like FormatTimestamp.
func FormatEpochSeconds(epochSeconds float64, location *time.Location, layout string) string {
	return FormatTimestamp(EpochSecondsToTime(epochSeconds), location, layout)
}

// EpochSecondsToTime converts fractional seconds since the Unix epoch to a time.Time.
func EpochSecondsToTime(epochSeconds float64) time.Time {
	wholeSeconds := math.Floor(epochSeconds)
	fractionalNanoseconds := math.Round((epochSeconds - wholeSeconds) * nanosecondsPerSecondConstant)
	return time.Unix(int64(wholeSeconds), int64(fractionalNanoseconds))
}

// NewLocalizedTimeEncoder returns a zap time encoder that renders entries with FormatTimestamp.
func NewLocalizedTimeEncoder(location *time.Location, layout string) zapcore.TimeEncoder {
	return func(moment time.Time, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(FormatTimestamp(moment, location, layout))
	}
}

// NewLocalTimeEncoder renders entries in host-local time using DefaultLocalLayout.
func NewLocalTimeEncoder() zapcore.TimeEncoder {
	return func(moment time.Time, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(moment.Local().Format(DefaultLocalLayout))
	}
}
