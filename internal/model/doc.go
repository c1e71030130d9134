// Package model defines the field observation types shared by every other
// fieldsync package.
//
// model imports nothing internal. The outbox, engine, guard and service
// layers all speak in terms of ObservationRecord and the error taxonomy
// declared here.
//
// Key constraints:
//   - LocalKey is assigned once, before the first persisted write, and never reused
//   - SyncState only moves forward (see CanTransition)
//   - A synced record never carries a local photo
//   - Status is a closed enumeration with no catch-all
//   - All JSON tags use snake_case
package model
