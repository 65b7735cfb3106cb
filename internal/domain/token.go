package domain

import (
	"strconv"
	"strings"
)

// eventIDPrefix namespaces provider event ids minted by this system. The
// prefix uses only base32hex characters (a-v, 0-9), which is the id alphabet
// Google Calendar accepts for client-supplied ids, and never occurs in
// provider-generated ids.
const eventIDPrefix = "ghcalendarcid"

const eventIDSeparator = "aid"

// EncodeEventID builds the provider event id for a locally-owned appointment:
// ghcalendarcid{calendarID}aid{appointmentID}, both ids unsigned decimal.
func EncodeEventID(calendarID, appointmentID int64) string {
	return eventIDPrefix + strconv.FormatInt(calendarID, 10) + eventIDSeparator + strconv.FormatInt(appointmentID, 10)
}

// ParseEventID recovers the (calendarID, appointmentID) pair embedded in a
// provider event id, searching for the literal prefix anywhere in the id.
// ok is false for provider-generated ids and malformed tokens.
func ParseEventID(eventID string) (calendarID, appointmentID int64, ok bool) {
	idx := strings.Index(eventID, eventIDPrefix)
	if idx < 0 {
		return 0, 0, false
	}
	rest := eventID[idx+len(eventIDPrefix):]

	cid, rest, ok := parseDecimal(rest)
	if !ok {
		return 0, 0, false
	}
	rest, found := strings.CutPrefix(rest, eventIDSeparator)
	if !found {
		return 0, 0, false
	}
	aid, rest, ok := parseDecimal(rest)
	if !ok || rest != "" {
		return 0, 0, false
	}
	return cid, aid, true
}

// parseDecimal consumes a run of digits with no leading zero. The encoder
// never emits leading zeros, so a padded id is not one of ours.
func parseDecimal(s string) (int64, string, bool) {
	n := 0
	for n < len(s) && s[n] >= '0' && s[n] <= '9' {
		n++
	}
	if n == 0 || (n > 1 && s[0] == '0') {
		return 0, s, false
	}
	v, err := strconv.ParseInt(s[:n], 10, 64)
	if err != nil || v <= 0 {
		return 0, s, false
	}
	return v, s[n:], true
}
