// Package core contains the multichain connection contracts and the shared
// per-dapp runtime: the request correlation transport, session state with
// scope merging, namespaced storage and the reference-counted core registry.
// Channel and storage implementations live in adapter packages that depend on
// core; core must not depend on them.
package core
