// Package actions implements the reusable actions a workflow step can
// reference with `uses:`.
//
// Built-in actions:
//   - actions/checkout: fetch the trigger's repository at its SHA or ref
//   - */rust-toolchain: install a toolchain with rustup
//   - */rust-cache, actions/cache: restore and save dependency directories
//     through the shared dependency cache
//   - embarkstudios/cargo-deny-action: run `cargo deny check`
//
// Any other reference fails the step with domain.ErrActionNotFound unless a
// handler is registered for it.
package actions
