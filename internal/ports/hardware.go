package ports

import "context"

// Camera describes one camera reported by a hardware probe.
type Camera struct {
	ID          string   `json:"id"`
	Facing      string   `json:"facing,omitempty"`
	Resolutions []string `json:"resolutions,omitempty"`
}

// Inventory is the hardware available on a node.
type Inventory struct {
	Platform     string   `json:"platform,omitempty"`
	Capabilities []string `json:"capabilities"`
	Cameras      []Camera `json:"cameras"`
}

// HardwareProbe detects optional hardware. It is called once at node startup;
// a nil result means no optional hardware driver is present.
type HardwareProbe interface {
	Probe(ctx context.Context) (*Inventory, error)
}

// StaticProbe returns a fixed inventory.
type StaticProbe struct {
	Inventory *Inventory
}

// Probe returns the configured inventory.
func (p StaticProbe) Probe(context.Context) (*Inventory, error) {
	return p.Inventory, nil
}
