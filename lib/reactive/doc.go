// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

// Package reactive provides the dependency-tracked value cells that
// back every live query in the client engine.
//
// The primitives layer bottom-up:
//
//   - [Store] is a value cell: Set notifies subscribers synchronously,
//     cleanup callbacks run after the last subscriber leaves and a
//     grace delay elapses (surviving rapid resubscription).
//   - [Derive] builds a store recomputed from N source stores. The
//     first combination waits until every source has been set once;
//     recomputations are generation-tagged so a stale in-flight result
//     never overwrites a newer one.
//   - [Front] is a lazy, ref-counted handle that materializes its
//     store on first use and forgets it on teardown, with async
//     getters (Next, Value with timeout fallback, Asserted).
//   - [Provider] memoizes fronts per lookup key so concurrent readers
//     of the same query share one live store.
//
// The local resource store exposes its table queries as fronts from a
// provider; UI code subscribes to them and never touches SQLite
// directly.
package reactive
