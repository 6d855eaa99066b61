// Package reconcile merges fresh observations into existing host state.
// Everything here is pure: inputs are never mutated and no I/O happens.
package reconcile

import "github.com/devports/rpt/pkg/models"

// MergeHosts returns the hosts named in names, in names order. Existing
// hosts are kept wholesale; new names start out never connected; hosts no
// longer named are dropped. Duplicate names collapse to the first.
func MergeHosts(current []*models.Host, names []string) []*models.Host {
	byName := make(map[string]*models.Host, len(current))
	for _, h := range current {
		if h == nil {
			continue
		}
		if _, ok := byName[h.Name]; !ok {
			byName[h.Name] = h
		}
	}

	out := make([]*models.Host, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		if h, ok := byName[name]; ok {
			out = append(out, h.Clone())
			continue
		}
		out = append(out, models.NewHost(name))
	}
	return out
}

// MergeProcesses folds a fresh scan into the prior process list.
//
// Fresh entries come first, in fresh order. A fresh entry whose port has a
// live tunnel keeps the tunnel fields, title and favicon from the prior
// entry but takes command, user and pid from the scan. Prior entries
// missing from the scan that are not already Dead follow, in prior order,
// forced to Dead with their ssh pid and local port kept. Prior Dead entries
// missing from the scan are dropped.
func MergeProcesses(prior, fresh []*models.RemoteProcess) []*models.RemoteProcess {
	priorByPort := make(map[int]*models.RemoteProcess, len(prior))
	for _, p := range prior {
		if p == nil {
			continue
		}
		if _, ok := priorByPort[p.RemotePort]; !ok {
			priorByPort[p.RemotePort] = p
		}
	}

	out := make([]*models.RemoteProcess, 0, len(fresh)+len(prior))
	inFresh := make(map[int]bool, len(fresh))
	for _, f := range fresh {
		if f == nil || inFresh[f.RemotePort] {
			continue
		}
		inFresh[f.RemotePort] = true

		merged := f.Clone()
		if p, ok := priorByPort[f.RemotePort]; ok {
			carryForward(merged, p)
		}
		out = append(out, merged)
	}

	emitted := make(map[int]bool)
	for _, p := range prior {
		if p == nil || inFresh[p.RemotePort] || emitted[p.RemotePort] {
			continue
		}
		emitted[p.RemotePort] = true
		if p.State == models.StateDead {
			continue
		}
		dead := p.Clone()
		dead.State = models.StateDead
		out = append(out, dead)
	}
	return out
}

// carryForward copies the tunnel fields a scan cannot know from a prior
// entry that still has a tunnel attached.
func carryForward(dst, prior *models.RemoteProcess) {
	if !prior.IsLive() {
		return
	}
	dst.Title = prior.Title
	dst.FaviconURL = prior.FaviconURL
	dst.State = prior.State
	dst.SSHAgentPid = cloneInt(prior.SSHAgentPid)
	dst.LocalPort = cloneInt(prior.LocalPort)
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
