// Package engine wires the subscription synchronization components into
// one Engine.
//
// ARCHITECTURE:
//
// Single Logical Execution Context:
// Every component is confined to one loop. Backend and store I/O runs
// out-of-line and posts its continuation back onto the loop, so component
// state is only ever touched by the loop goroutine. This ensures:
//   - No locks inside components
//   - A retry timer can never race its own request
//   - Gate waiters drain in FIFO order
//
// Startup Flow:
//  1. Load the cached user and paywalls into the book
//  2. Resolve identity and begin registration (opens user_registered)
//  3. Sync the product-group map (opens product_groups_fetched)
//  4. Fetch store metadata (opens store_products_fetched)
//  5. Resume any receipt submission left pending by a previous run
//
// The public API is safe from any goroutine. Each call posts a task onto
// the loop; the blocking variants wait for the result or ctx.
package engine
