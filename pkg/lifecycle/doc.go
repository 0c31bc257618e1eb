/*
Package lifecycle materializes declared models as engine containers.

The manager is the sole writer of model state and runtime fields. Admin
actions (start, stop, cancel, reconfigure, archive) run synchronous
pre-flight and teardown work; everything observational happens in the
reconcile loop.

# State Machine

	stopped ──start──▶ starting ──process up──▶ loading ──first OK probe──▶ running
	   ▲                  │                        │                           │
	   │                  └────exit/failure────────┴──────────▶ failed ◀───────┘
	   │                                                           │
	   └──────────────stop / cancel────────────────────────────────┘

	stopped ◀──unarchive── archived ──delete──▶ (record removed)

A model in starting, loading or running owns exactly one container named
cortex-model-<id>. failed, stopped and archived models own none and carry
no runtime fields.

# Reconciliation

The reconcile loop runs every 2 seconds and observes two signals per live
model: the container's task state (via the runtime driver) and the health
poller's first-success flag for the model's upstream url. Container exit
in any live state parks the model failed with the exit code recorded.

# Orphan Sweep

At startup, before the loop begins, containers carrying the name prefix
that no live model record claims are stopped and removed. This covers a
crash between container creation and record persistence.
*/
package lifecycle
