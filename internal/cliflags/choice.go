// Package cliflags formats usage strings for enumerated command-line flags.
package cliflags

import (
	"fmt"
	"strings"
)

const (
	choicePlaceholderPrefix  = "<"
	choicePlaceholderSuffix  = ">"
	choiceSeparatorLiteral   = "|"
	choiceUsageEmptyTemplate = "`%s`"
	choiceUsageFullTemplate  = "`%s` %s"
)

// FormatChoiceUsage builds a pflag usage string whose back-quoted placeholder lists the choices
// with the default capitalized, for example "`<normal|UNIFORM>` Distribution to draw from".
func FormatChoiceUsage(defaultChoice string, choices []string, description string) string {
	placeholder := choicePlaceholderPrefix + strings.Join(highlightDefaultChoice(defaultChoice, choices), choiceSeparatorLiteral) + choicePlaceholderSuffix
	if len(strings.TrimSpace(description)) == 0 {
		return fmt.Sprintf(choiceUsageEmptyTemplate, placeholder)
	}
	return fmt.Sprintf(choiceUsageFullTemplate, placeholder, description)
}

func highlightDefaultChoice(defaultChoice string, choices []string) []string {
	normalizedDefault := strings.ToLower(strings.TrimSpace(defaultChoice))
	highlighted := make([]string, 0, len(choices))
	seen := make(map[string]struct{}, len(choices))

	for _, choice := range choices {
		normalizedChoice := strings.ToLower(strings.TrimSpace(choice))
		if len(normalizedChoice) == 0 {
			continue
		}
		if _, exists := seen[normalizedChoice]; exists {
			continue
		}
		seen[normalizedChoice] = struct{}{}

		if normalizedChoice == normalizedDefault {
			highlighted = append(highlighted, strings.ToUpper(normalizedChoice))
			continue
		}
		highlighted = append(highlighted, normalizedChoice)
	}

	return highlighted
}
