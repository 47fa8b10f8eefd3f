// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package coursesync provisions Matrix rooms for university courses and
// invites the enrolled students.
//
// Course rosters (a course name plus the students' e-mail addresses) come
// from an upstream scraper. For each course the package finds or creates a
// private room on the homeserver and invites every student, retrying
// rate-limited invitations with exponential backoff.
//
// # Core Types
//
// [Transport] performs homeserver calls through a mautrix client and tags
// every reply with an [Outcome] so callers never inspect raw HTTP errors.
//
// [Session] is the authenticated handle for one run. It is created by
// [Transport.Login] and closed by [Session.Logout].
//
// [Resolver] and [Provisioner] implement idempotent room lookup and creation.
//
// [InviteEngine] fans out one goroutine per invitee. Each invitee has its own
// [RetryPolicy] budget; a 403 is final and never retried.
//
// [Syncer] ties the pieces together: login, the per-course loop, logout on
// every exit path. [API] exposes it as POST /api/sync.
//
// # Sub-packages
//
//   - roster loads course rosters from YAML or JSON files.
package coursesync
