/*
Package runtime adapts the Docker Engine API to the narrow surface the
rest of the service needs.

Managers depend on the Runtime interface, never on the Docker client
directly; DockerRuntime is the production implementation and
runtimetest.Fake is the in-memory implementation used across the test
suites. The interface covers container lifecycle, exec with streamed
output, tar-based file copy in and out of containers, image presence and
pulls, volume removal, and engine health.

	┌────────────┐          ┌──────────────────┐
	│  managers  │ Runtime  │  DockerRuntime   │── /var/run/docker.sock
	│ (cm,em,fm) │ ────────>│                  │
	└────────────┘          ├──────────────────┤
	                        │ runtimetest.Fake │── in-memory engine
	                        └──────────────────┘

Exec output arrives multiplexed on one stream; StreamExec demultiplexes
it into separate stdout and stderr writers using the engine's stdcopy
framing. Not-found conditions from the engine are normalized so callers
can test them with IsNotFound regardless of which operation surfaced the
error.

All methods take a context and honor its cancellation; long pulls and
execs are bounded by their caller's deadlines.
*/
package runtime
