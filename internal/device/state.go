package device

// State is the per-context device record: the capability the context targets
// plus the queried resource properties. It is constructed explicitly by the
// owner of the execution context and passed by handle; there is no ambient
// process-global device selection.
type State struct {
	Cap   Capability
	Props Properties
}

// NewState builds a State from a capability using the generation table.
func NewState(cap Capability) *State {
	return &State{Cap: cap, Props: PropertiesFor(cap)}
}

// NewStateWithProps builds a State from queried device properties.
func NewStateWithProps(cap Capability, props Properties) *State {
	return &State{Cap: cap, Props: props}
}
