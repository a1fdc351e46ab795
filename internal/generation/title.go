package generation

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.English)

// displayTitle picks a presentable title for a library entry. Provider titles
// arrive lowercased more often than not; fall back to the requested title,
// then to a generic label.
func displayTitle(provided, requested string) string {
	title := strings.TrimSpace(provided)
	if title == "" {
		title = strings.TrimSpace(requested)
	}
	if title == "" {
		return "Untitled Track"
	}
	if title == strings.ToLower(title) {
		return titleCaser.String(title)
	}
	return title
}
