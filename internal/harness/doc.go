// Package harness replays field scenarios against real fieldsync devices.
//
// A scenario names one or more devices sharing an in-memory server, then
// drives them through a flow of steps: saves, connectivity changes, sync
// passes, injected server failures and clock jumps. Every device runs the
// real outbox, guard, photo pipeline and sync engine on its own SQLite file;
// only the server and the clock are fakes.
//
// # Scenario Format
//
//	name: reconnect_drains
//	description: "Offline saves are delivered on reconnect"
//	retry:
//	  max_retries: 3
//	  initial_delay: 30s
//	registry:
//	  - { id: as-123, patrimony_number: A-123 }
//	devices:
//	  - name: dev1
//	flow:
//	  - do: save
//	    campaign: c1
//	    code: A-123
//	    expect: { decision: allowed }
//	  - do: online
//	  - do: drain
//	    expect: { synced: 1 }
//	assertions:
//	  - { type: pending, device: dev1, count: 0 }
//	  - { type: server_observations, count: 1 }
//
// # Steps
//
//   - save: scan a code (campaign, code, status, photo)
//   - online, offline: flip the device's connectivity monitor
//   - drain: run one sync pass synchronously
//   - advance: move the shared clock forward by duration
//   - fail_commits, fail_uploads: make the next count server calls fail
//   - reject_uploads: make every photo upload fail permanently
//   - seed: record a server observation made by another device
//   - resend, discard: operator actions on key
//   - refresh_confirmed: pull the server ledger for campaign
//
// # Assertion Types
//
//   - pending: the device's pending count
//   - record: state, retry count, failure kind or photo of one record
//   - server_observations: number of observations the server holds
//   - event_count: how often a device published an event
//   - event_order: events appear in this relative order
//
// # Determinism
//
// Devices share one fake clock and draw local keys from per-device
// sequences ("dev1-1", "dev1-2", ...), so a scenario always produces the
// same event trace. RunWithGolden compares that trace with
// testdata/golden/<name>.golden.
package harness
