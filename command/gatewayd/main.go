// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Command gatewayd wires together the registry, workload manager, scheduler,
// dispatcher, preemption engine, and IP allocators into a single process.
// It follows Nomad's command/agent composition style: a typed Config, a
// top-level logger, and explicit construction of each collaborator rather
// than a DI framework. The actual node<->gateway transport (spec.md §1's
// "wire protocol, transport, TLS") is out of scope; this binary only builds
// the in-process core and exposes it as a value other code (an HTTP/gRPC
// front end, tests, etc.) could drive.
package main

import (
	"fmt"
	"os"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/gpuscheduler/gateway/dispatch"
	"github.com/gpuscheduler/gateway/persist"
	"github.com/gpuscheduler/gateway/preempt"
	"github.com/gpuscheduler/gateway/registry"
	"github.com/gpuscheduler/gateway/structs"
	"github.com/gpuscheduler/gateway/workload"
)

// Core bundles the constructed components a front end drives. Exported so
// tests and any out-of-tree transport layer can build one without relinking
// main's private wiring.
type Core struct {
	Log        hclog.Logger
	Registry   *registry.Registry
	Workload   *workload.Manager
	Dispatcher *dispatch.Dispatcher
	Preempt    *preempt.Engine
}

// logEvictionHandler logs eviction directives instead of delivering them
// over a transport, since the node<->gateway wire protocol is out of scope
// (spec.md §1). A real deployment supplies a preempt.EvictionHandler that
// sends structs.EvictWorkload over that transport.
type logEvictionHandler struct {
	log hclog.Logger
}

func (h logEvictionHandler) Evict(id structs.WorkloadId, reason string, graceSeconds uint32) error {
	h.log.Info("would deliver eviction directive", "workload_id", id, "reason", reason, "grace_seconds", graceSeconds)
	return nil
}

// newCore constructs every component per cfg.
func newCore(cfg *Config, log hclog.Logger) (*Core, error) {
	reg, err := registry.New(log)
	if err != nil {
		return nil, fmt.Errorf("constructing registry: %w", err)
	}
	wm, err := workload.New(log)
	if err != nil {
		return nil, fmt.Errorf("constructing workload manager: %w", err)
	}
	d := dispatch.New(reg, wm, dispatch.Config{
		Logger:              log,
		DefaultGraceSeconds: uint32(cfg.DefaultGraceSeconds),
		SubnetParent:        cfg.SubnetParent,
	})
	pe := preempt.New(d, logEvictionHandler{log: log.Named("evict")}, log, uint32(cfg.DefaultGraceSeconds))

	return &Core{Log: log, Registry: reg, Workload: wm, Dispatcher: d, Preempt: pe}, nil
}

// restoreSnapshot loads cfg.SnapshotPath into core, if the file exists. A
// missing file is not an error: the first run of a fresh gateway has
// nothing to restore.
func restoreSnapshot(cfg *Config, core *Core) error {
	if cfg.SnapshotPath == "" {
		return nil
	}
	f, err := os.Open(cfg.SnapshotPath)
	if os.IsNotExist(err) {
		core.Log.Info("no snapshot found, starting empty", "path", cfg.SnapshotPath)
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	snap, err := persist.Read(f)
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}
	if err := persist.Restore(snap, restorer{core}); err != nil {
		return fmt.Errorf("restoring snapshot: %w", err)
	}
	core.Log.Info("restored snapshot", "nodes", len(snap.Nodes), "workloads", len(snap.Workloads))
	return nil
}

// writeSnapshot persists core's current state to cfg.SnapshotPath.
func writeSnapshot(cfg *Config, core *Core) error {
	if cfg.SnapshotPath == "" {
		return nil
	}
	f, err := os.Create(cfg.SnapshotPath)
	if err != nil {
		return fmt.Errorf("creating snapshot file: %w", err)
	}
	defer f.Close()
	if err := persist.Write(f, core.Registry, core.Workload); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return nil
}

// restorer adapts Core to persist.Restorer.
type restorer struct{ core *Core }

func (r restorer) GetNode(id structs.NodeId) (structs.RegisteredNode, bool) {
	return r.core.Registry.Get(id)
}

func (r restorer) RestoreNode(n structs.RegisteredNode) error {
	return r.core.Registry.RestoreNode(n)
}

func (r restorer) GetWorkload(id structs.WorkloadId) (structs.TrackedWorkload, bool) {
	return r.core.Workload.Get(id)
}

func (r restorer) RestoreWorkload(tw structs.TrackedWorkload) error {
	return r.core.Workload.RestoreWorkload(tw)
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "gatewayd",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	core, err := newCore(cfg, log)
	if err != nil {
		log.Error("failed to construct core", "error", err)
		os.Exit(1)
	}

	if err := restoreSnapshot(cfg, core); err != nil {
		log.Error("failed to restore snapshot", "error", err)
		os.Exit(1)
	}

	log.Info("gatewayd core constructed", "subnet_parent", cfg.SubnetParent)

	// The transport that would keep this process alive (accepting node
	// registrations, heartbeats, and serving client requests) is out of
	// scope per spec.md §1; this entrypoint builds the core and, for now,
	// exits after an optional snapshot write so it's exercisable as a batch
	// restore/resnapshot tool as well as a library entrypoint.
	if err := writeSnapshot(cfg, core); err != nil {
		log.Error("failed to write snapshot", "error", err)
		os.Exit(1)
	}
}
