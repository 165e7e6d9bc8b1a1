package shonin

import "time"

// LimitBreach describes a safety limit that was exceeded under a notify
// action. Public mirror of the internal limit-usage view so external
// notifiers do not import internal packages.
type LimitBreach struct {
	AgentClass  string    `json:"agent_class"`
	Kind        string    `json:"kind"`
	Limit       int64     `json:"limit"`
	Used        int64     `json:"used"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}
