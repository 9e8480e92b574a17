package dataplane

// Tables bundles the policy tables shared by the packet programs and the
// control plane.
type Tables struct {
	TunnelInfo Table[TunnelKey, TunnelInfo]
	Redirect   Table[RedirectKey, uint32] // destination -> group index
	// RedirectGroup maps a group index to an egress ifindex.
	RedirectGroup Table[uint32, uint32]
	// IfaceRedirect maps an ingress ifindex to an egress ifindex.
	IfaceRedirect Table[uint32, uint32]
}

// NewMemTables returns empty in-memory tables with the standard capacities.
func NewMemTables() *Tables {
	return &Tables{
		TunnelInfo:    NewMemTable[TunnelKey, TunnelInfo](TunnelInfoMapName, MaxTunnelEntries),
		Redirect:      NewMemTable[RedirectKey, uint32](RedirectMapName, MaxRedirectEntries),
		RedirectGroup: NewMemTable[uint32, uint32](RedirectGroupMapName, MaxGroupEntries),
		IfaceRedirect: NewMemTable[uint32, uint32](IfaceRedirectMapName, MaxIfaceRedirects),
	}
}

// TableStats describes the occupancy of one table.
type TableStats struct {
	Name       string `json:"name"`
	Entries    int    `json:"entries"`
	MaxEntries int    `json:"max_entries"`
}

// Stats reports the occupancy of every table. Tables that fail to
// iterate report -1 entries.
func (t *Tables) Stats() []TableStats {
	out := make([]TableStats, 0, 4)
	add := func(name string, capacity int, lenFn func() (int, error)) {
		n, err := lenFn()
		if err != nil {
			n = -1
		}
		out = append(out, TableStats{Name: name, Entries: n, MaxEntries: capacity})
	}
	add(t.TunnelInfo.Name(), t.TunnelInfo.MaxEntries(), t.TunnelInfo.Len)
	add(t.Redirect.Name(), t.Redirect.MaxEntries(), t.Redirect.Len)
	add(t.RedirectGroup.Name(), t.RedirectGroup.MaxEntries(), t.RedirectGroup.Len)
	add(t.IfaceRedirect.Name(), t.IfaceRedirect.MaxEntries(), t.IfaceRedirect.Len)
	return out
}
