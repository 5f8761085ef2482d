/*
Package process spawns, supervises and tracks the daemon's child processes.

Processes are NOT scoped to a connection. The Registry owns every process record and its output backlog for the
lifetime of the daemon; sessions only attach to (subscribe) and detach from a process by identifier, so a process
keeps running and buffering output after every client has gone away.

The pieces:

  - Spawner starts a command and hands back its stdio streams. LocalSpawner uses os/exec; DockerSpawner execs into a
    running container.
  - Supervisor owns one child: it pumps stdout and stderr into the Backlog, forwards stdin and signals, and reports
    the exit status to the Registry.
  - Backlog is a bounded ring of sequenced output chunks plus the set of attached subscribers. Subscribers get a
    snapshot of the ring and then every later chunk, through a bounded queue. A subscriber whose queue overflows is
    dropped rather than allowed to stall the process.
  - Registry maps process identifiers to records and serializes start, signal and reap per identifier.

Exited processes stay in the Registry, output included, until they are reaped.
*/
package process
