// SPDX-License-Identifier: Apache-2.0

package vaccel

// resourceRegistration links one Resource to one Session: a small owned
// record linked into both the resource's sessions list and the
// session's per-type resources list. The two-sided linkage is
// maintained by Resource.Register/Unregister and Session.Release, which
// always acquire the resource's lock before the session's lock.
type resourceRegistration struct {
	resource *Resource
	session  *Session
}
