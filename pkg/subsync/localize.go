package subsync

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DefaultTimezone is used for users without a stored preference.
const DefaultTimezone = "UTC"

const localizedLayout = "January 2, 2006 at 3:04 PM"

var locations sync.Map // map[string]*time.Location

// FirstName returns the first word of a full name with its first letter upper
// cased and the rest lower cased, so "mary-jane" becomes "Mary-jane".
func FirstName(fullName string) string {
	fields := strings.Fields(fullName)
	if len(fields) == 0 {
		return ""
	}
	first := fields[0]
	_, size := utf8.DecodeRuneInString(first)
	return cases.Upper(language.Und).String(first[:size]) + cases.Lower(language.Und).String(first[size:])
}

// Localize renders t in the given IANA timezone in a long date, short time
// form such as "March 3, 2026 at 9:30 AM". Unknown zones fall back to UTC.
// A nil t renders as "".
func Localize(t *time.Time, timezone string) string {
	if t == nil {
		return ""
	}
	return t.In(loadLocation(timezone)).Format(localizedLayout)
}

func loadLocation(name string) *time.Location {
	if name == "" {
		name = DefaultTimezone
	}
	if loc, ok := locations.Load(name); ok {
		return loc.(*time.Location)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	locations.Store(name, loc)
	return loc
}
