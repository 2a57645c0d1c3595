// Package action describes the quota-gated operations a caller can trigger.
package action

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
)

// ErrUnknown is returned when an action name is not in the catalog.
var ErrUnknown = errors.New("unknown action")

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

// Action is a named operation with a quota cost (value type).
type Action struct {
	Name    string `json:"name" yaml:"name"`
	Label   string `json:"label,omitempty" yaml:"label"`
	Weight  int64  `json:"weight" yaml:"weight"`
	CallAPI bool   `json:"callApi" yaml:"call_api"`
}

// Defaults returns the dashboard's built-in actions.
func Defaults() []Action {
	return []Action{
		{Name: "light_action", Label: "Action légère", Weight: 1},
		{Name: "heavy_action", Label: "Action lourde", Weight: 5},
		{Name: "api_call", Label: "Appeler l'API", Weight: 1, CallAPI: true},
	}
}

// Catalog is an immutable set of actions indexed by name.
type Catalog struct {
	byName map[string]Action
	order  []string
}

// NewCatalog validates the actions and builds a catalog.
func NewCatalog(actions []Action) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]Action, len(actions))}
	for i, a := range actions {
		if !namePattern.MatchString(a.Name) {
			return nil, fmt.Errorf("actions[%d]: invalid name %q", i, a.Name)
		}
		if a.Weight < 0 {
			return nil, fmt.Errorf("actions[%d]: weight must not be negative", i)
		}
		if _, dup := c.byName[a.Name]; dup {
			return nil, fmt.Errorf("actions[%d]: duplicate name %q", i, a.Name)
		}
		if a.Label == "" {
			a.Label = a.Name
		}
		c.byName[a.Name] = a
		c.order = append(c.order, a.Name)
	}
	return c, nil
}

// Lookup returns the named action.
func (c *Catalog) Lookup(name string) (Action, error) {
	a, ok := c.byName[name]
	if !ok {
		return Action{}, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return a, nil
}

// List returns actions in configuration order.
func (c *Catalog) List() []Action {
	out := make([]Action, 0, len(c.order))
	for _, n := range c.order {
		out = append(out, c.byName[n])
	}
	return out
}

// Names returns action names sorted alphabetically.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.order))
	copy(names, c.order)
	sort.Strings(names)
	return names
}
