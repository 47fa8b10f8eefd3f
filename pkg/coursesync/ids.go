// Copyright 2024-2026 Aiku AI

package coursesync

import (
	"strings"

	"maunium.net/go/mautrix/id"
)

// EmailLocalpart returns the part of an e-mail address before the first '@',
// or the whole trimmed string if there is no '@'.
func EmailLocalpart(email string) string {
	localpart, _, _ := strings.Cut(strings.TrimSpace(email), "@")
	return localpart
}

// MakeUserID builds a Matrix user ID on the given server domain.
func MakeUserID(localpart, domain string) id.UserID {
	return id.NewUserID(localpart, domain)
}

// ActingLocalpart normalises the login name of the acting user. Full MXIDs
// (@alice:example.org) are reduced to their localpart; plain names are
// returned unchanged.
func ActingLocalpart(user string) string {
	if !strings.HasPrefix(user, "@") {
		return user
	}
	localpart, _, err := id.UserID(user).Parse()
	if err != nil {
		return strings.TrimPrefix(user, "@")
	}
	return localpart
}

// MapEmails converts student e-mail addresses into Matrix user IDs on domain.
// Entries whose localpart equals actingUser (exact, case-sensitive) are
// dropped so the acting user never invites themselves, as are entries with an
// empty localpart. Input order and duplicates are preserved.
func MapEmails(emails []string, actingUser, domain string) []id.UserID {
	userIDs := make([]id.UserID, 0, len(emails))
	for _, email := range emails {
		localpart := EmailLocalpart(email)
		if localpart == "" || localpart == actingUser {
			continue
		}
		userIDs = append(userIDs, MakeUserID(localpart, domain))
	}
	return userIDs
}
