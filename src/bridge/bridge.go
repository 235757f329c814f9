package bridge

import "github.com/orchestra-mcp/boxoffice/src/types"

// Bridge relays availability samples between storefront instances so that
// every instance's feed sees counts observed by the others.
type Bridge interface {
	// Publish sends a locally observed sample to all other instances.
	Publish(s types.Sample) error

	// Start begins listening for samples from other instances.
	Start() error

	// Stop shuts down the bridge connection.
	Stop() error

	// Available reports whether the bridge is connected and operational.
	Available() bool
}

// SampleTarget is implemented by the availability feed to receive relayed
// samples. Relayed samples must not be published again.
type SampleTarget interface {
	RecordRemote(s types.Sample)
}
