// Package preflight provides readiness checks for the filesystem paths that
// stemflow depends on.
//
// These checks run in two contexts:
//   - The daemon calls ForIngest before starting a session. If any check
//     fails, the session is refused rather than failing mid-acquisition.
//   - The daemon and CLI status output use RunAll to display path health.
package preflight
