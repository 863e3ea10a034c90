// Package notifyplan reconciles a desired notification Plan against the
// entries currently held by a notification Store.
//
// The Scheduler owns one id namespace (a prefix such as "momentkit.") and
// never lists, replaces or removes ids outside it. Apply computes a three-way
// diff between the plan, the store and the namespace, then issues removes
// followed by upserts in ascending fire time. Applying the same plan twice
// issues no store calls the second time.
//
// Apply is interruptible: when its context ends, the edits not yet issued are
// kept as a pending cursor (persisted through a StateStore) and the next Apply
// of the same plan resumes from there.
package notifyplan
