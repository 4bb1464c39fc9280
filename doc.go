/*
Package reposync is a tool for mirroring Debian/Ubuntu and RPM package repositories.

reposync keeps local mirrors in sync with their upstream over rsync while
minimizing transferred and stored data:
  - Metadata-first, two-phase synchronization
  - Selective content transfer driven by parsed package indices
  - Retry with exponential backoff for connection-limited upstreams
  - Concurrent repository updates with bounded parallelism
  - Run-level file locking

The main packages are:

	github.com/reposync/reposync/internal/index   - Package index parsing and decompression
	github.com/reposync/reposync/internal/mirror  - Core synchronization engine
	github.com/reposync/reposync/cmd/reposync     - Command-line interface
*/
package reposync
