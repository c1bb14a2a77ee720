// Package app composes the offering engine into a running application.
//
// The package wires storage, the domain services and the event bus together
// and manages their lifecycle. Business logic lives in the service packages:
//
//	internal/app/
//	├── application.go      # Service wiring and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── offering/       # Campaign configuration and raise state
//	│   ├── escrow/         # Custody records and deposits
//	│   ├── position/       # Interest-bearing holdings and periods
//	│   ├── ledger/         # Fungible balances and audit entries
//	│   └── pricefeed/      # Feed definitions and price snapshots
//	├── services/           # Business logic (offering, escrow, position, ...)
//	├── storage/            # Store interfaces plus memory and postgres backends
//	├── httpapi/            # REST handlers and the websocket event feed
//	├── events/             # In-process event bus
//	├── system/             # Lifecycle manager for background services
//	└── metrics/            # Prometheus collectors
//
// Value flows through three ledger custodians: "offering:<id>" holds the
// sale-asset inventory, "escrow:<id>" holds raised payment value until
// finalization or refund, and "positions:<id>" holds registered claims and
// distributed payout funds. Every transfer between them is recorded by the
// balance ledger, so asset conservation is checkable at any point.
package app
