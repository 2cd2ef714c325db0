// Package runtime abstracts container lifecycle operations behind the
// Runtime interface: pull, create, start, stop, remove, inspect, logs,
// and discovery of managed containers.
//
// Two backends are provided. Containerd talks to a containerd daemon in
// its own namespace, stopping tasks with SIGTERM and escalating to
// SIGKILL after the grace period, and capturing task output to per
// container log files. Memory is a pure in-process fake for tests.
//
// Every managed container carries the managed_by, agent_id, and
// agent_kind labels, which is what lets a restarted proxy rediscover its
// containers through ListManaged.
package runtime
