package types

// ToolPolicy restricts which tools the agent may use. Deny wins over allow;
// an empty allow list admits everything not denied.
type ToolPolicy struct {
	Allow []string `json:"allow,omitempty" yaml:"allow" mapstructure:"allow"`
	Deny  []string `json:"deny,omitempty" yaml:"deny" mapstructure:"deny"`
}

// IsEmpty reports whether the policy constrains anything at all.
func (p ToolPolicy) IsEmpty() bool {
	return len(p.Allow) == 0 && len(p.Deny) == 0
}

// Allows reports whether a tool is admitted under the policy.
func (p ToolPolicy) Allows(tool string) bool {
	for _, d := range p.Deny {
		if d == tool {
			return false
		}
	}
	if len(p.Allow) == 0 {
		return true
	}
	for _, a := range p.Allow {
		if a == tool {
			return true
		}
	}
	return false
}
