package console

import (
	"fmt"
	"sort"
	"strings"
)

// VarFlags modify how a console variable is exposed.
type VarFlags uint8

const (
	// VarProtected values can be set but never read back remotely.
	VarProtected VarFlags = 1 << iota
	// VarHidden variables are left out of cvarlist, find and dumps.
	VarHidden
	// VarReadOnly variables reject every write.
	VarReadOnly
)

// Var is a named console variable.
type Var struct {
	Name    string
	Value   string
	Default string
	Help    string
	Flags   VarFlags
	// OnChange runs after a successful write with the new value. Returning
	// an error rolls the write back.
	OnChange func(value string) error
}

func (v *Var) has(f VarFlags) bool {
	return v.Flags&f != 0
}

// VarInfo is the externally visible view of a variable.
type VarInfo struct {
	Name      string `json:"name"`
	Value     string `json:"value,omitempty"`
	Default   string `json:"default"`
	Help      string `json:"help,omitempty"`
	Protected bool   `json:"protected"`
	ReadOnly  bool   `json:"read_only"`
}

// RegisterVar adds or replaces a variable. Names are case-insensitive. An
// empty Value starts the variable at its Default.
func (c *Console) RegisterVar(v Var) {
	v.Name = strings.ToLower(v.Name)
	if v.Value == "" {
		v.Value = v.Default
	}
	c.mu.Lock()
	c.vars[v.Name] = &v
	c.mu.Unlock()
}

// Var returns the current value of a variable, protected ones included.
// It is meant for local callers only.
func (c *Console) Var(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vars[strings.ToLower(name)]
	if !ok {
		return "", false
	}
	return v.Value, true
}

// SetValue implements remoteaccess.ValueStore.
func (c *Console) SetValue(name, value string) error {
	name = strings.ToLower(name)

	c.mu.Lock()
	v, ok := c.vars[name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("unknown variable %s", name)
	}
	if v.has(VarReadOnly) {
		c.mu.Unlock()
		return fmt.Errorf("%s is read-only", name)
	}
	old := v.Value
	v.Value = value
	onChange := v.OnChange
	protected := v.has(VarProtected)
	c.mu.Unlock()

	if onChange != nil {
		if err := onChange(value); err != nil {
			c.mu.Lock()
			v.Value = old
			c.mu.Unlock()
			return fmt.Errorf("set %s: %w", name, err)
		}
	}

	if protected {
		c.logger.Info().Str("var", name).Msg("protected variable changed")
	} else {
		c.logger.Info().Str("var", name).Str("old", old).Str("value", value).Msg("variable changed")
	}
	return nil
}

// IsSecret implements remoteaccess.SecretStore.
func (c *Console) IsSecret(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vars[strings.ToLower(name)]
	return ok && v.has(VarProtected)
}

// Vars returns the visible variables sorted by name. Protected values are
// blanked.
func (c *Console) Vars() []VarInfo {
	c.mu.RLock()
	out := make([]VarInfo, 0, len(c.vars))
	for _, v := range c.vars {
		if v.has(VarHidden) {
			continue
		}
		info := VarInfo{
			Name:      v.Name,
			Value:     v.Value,
			Default:   v.Default,
			Help:      v.Help,
			Protected: v.has(VarProtected),
			ReadOnly:  v.has(VarReadOnly),
		}
		if info.Protected {
			info.Value = ""
			info.Default = ""
		}
		out = append(out, info)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DumpVars renders every visible, unprotected variable as name "value" lines.
func (c *Console) DumpVars() string {
	var b strings.Builder
	for _, v := range c.Vars() {
		if v.Protected {
			continue
		}
		fmt.Fprintf(&b, "%s \"%s\"\n", v.Name, v.Value)
	}
	return b.String()
}
