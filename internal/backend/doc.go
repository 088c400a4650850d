// Package backend defines the contract every vector-storage adapter satisfies
// and the registry that maps a backend kind to its adapter.
//
// The router never talks to a vendor SDK directly. It resolves a Kind through a
// Registry, builds a Backend from the kind's Factory, and drives it through the
// methods of the Backend interface.
//
// # Registry
//
// Adapters are registered explicitly at startup:
//
//	reg := backend.NewRegistry(logger,
//	    backend.Registration{Kind: backend.KindMock, Factory: mock.New},
//	    backend.Registration{Kind: backend.KindQdrant, Factory: qdrant.New},
//	)
//
// Every enumerated kind resolves to a Handle. A kind with no registration, or
// whose Probe fails, resolves to Unavailable and carries the reason so status
// pages can show why the backend is not usable:
//
//	switch h := reg.Resolve(backend.KindChroma).(type) {
//	case backend.Available:
//	    b, err := h.Factory(params, logger)
//	case backend.Unavailable:
//	    fmt.Println(h.Reason) // "chroma backend unavailable: missing dependency"
//	}
//
// # Collections
//
// Collection names must match ^[a-z0-9_]{1,64}$. Use ValidateCollectionName in
// adapters before touching storage.
package backend
