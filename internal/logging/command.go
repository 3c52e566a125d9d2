package logging

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

const (
	timestampCommandUseConstant              = "timestamp [epoch-seconds]"
	timestampCommandShortDescriptionConstant = "Render an epoch timestamp the way localized log lines do"
	timestampCommandLongDescriptionConstant  = "timestamp formats seconds since the Unix epoch (fractions allowed) in the requested time zone. Without an argument the current time is used."
	invalidEpochSecondsTemplateConstant      = "invalid epoch seconds %q: %w"
	timestampLineTemplateConstant            = "%s\n"
	flagLayoutNameConstant                   = "layout"
	flagLayoutDescriptionConstant            = "Go reference-time layout"
	flagTimeZoneNameConstant                 = "time-zone"
	flagTimeZoneDescriptionConstant          = "IANA time zone name"
)

// Clock supplies the current time.
type Clock func() time.Time

// TimeZoneProvider supplies the configured time zone name.
type TimeZoneProvider func() string

// TimestampCommandBuilder assembles the timestamp command.
type TimestampCommandBuilder struct {
	TimeZoneProvider TimeZoneProvider
	Clock            Clock
}

// Build constructs the timestamp command.
func (builder *TimestampCommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:   timestampCommandUseConstant,
		Short: timestampCommandShortDescriptionConstant,
		Long:  timestampCommandLongDescriptionConstant,
		Args:  cobra.MaximumNArgs(1),
		RunE:  builder.run,
	}

	command.Flags().String(flagLayoutNameConstant, DefaultLocalizedLayout, flagLayoutDescriptionConstant)
	command.Flags().String(flagTimeZoneNameConstant, TokyoLocationName, flagTimeZoneDescriptionConstant)

	return command, nil
}

func (builder *TimestampCommandBuilder) run(command *cobra.Command, arguments []string) error {
	timeZoneName := TokyoLocationName
	if builder.TimeZoneProvider != nil {
		if configuredName := builder.TimeZoneProvider(); len(configuredName) > 0 {
			timeZoneName = configuredName
		}
	}
	if command.Flags().Changed(flagTimeZoneNameConstant) {
		timeZoneName, _ = command.Flags().GetString(flagTimeZoneNameConstant)
	}

	location, locationError := LoadLocation(timeZoneName)
	if locationError != nil {
		return locationError
	}
	layout, _ := command.Flags().GetString(flagLayoutNameConstant)

	var moment time.Time
	if len(arguments) == 0 {
		clock := builder.Clock
		if clock == nil {
			clock = time.Now
		}
		moment = clock()
	} else {
		epochSeconds, parseError := strconv.ParseFloat(arguments[0], 64)
		if parseError != nil {
			return fmt.Errorf(invalidEpochSecondsTemplateConstant, arguments[0], parseError)
		}
		moment = EpochSecondsToTime(epochSeconds)
	}

	_, writeError := fmt.Fprintf(command.OutOrStdout(), timestampLineTemplateConstant, FormatTimestamp(moment, location, layout))
	return writeError
}
