package admission

// Capability names a server-gated feature, e.g. "m.change_password"
// (spec §4.10).
type Capability string

// CapabilityTable is a table lookup, not per-request logic: an endpoint
// either requires a capability the deployment has enabled, or it doesn't.
type CapabilityTable struct {
	enabled map[Capability]bool
}

// NewCapabilityTable builds a table from the set of capabilities this
// deployment enables.
func NewCapabilityTable(enabled ...Capability) *CapabilityTable {
	t := &CapabilityTable{enabled: make(map[Capability]bool, len(enabled))}
	for _, c := range enabled {
		t.enabled[c] = true
	}
	return t
}

// Allowed reports whether cap is enabled for this deployment.
func (t *CapabilityTable) Allowed(cap Capability) bool {
	return t.enabled[cap]
}
