package extract

import "harvester/internal/domain"

// Result holds the indicators pulled out of a batch of incidents.
type Result struct {
	IPs     domain.IPReputations
	Domains domain.DomainSet
}

func newResult() Result {
	return Result{
		IPs:     make(domain.IPReputations),
		Domains: make(domain.DomainSet),
	}
}

// Incidents extracts the dominant attacking IP and attacked host from each
// incident. When several incidents name the same IP the last one's reputation
// list replaces the earlier ones instead of being merged with them.
func Incidents(incidents []domain.Incident) Result {
	res := newResult()
	for _, incident := range incidents {
		res.add(incident)
	}
	return res
}

func (r Result) add(incident domain.Incident) {
	if attack := incident.DominantAttackIP; attack != nil {
		if ip, ok := domain.CleanIndicator(attack.IP); ok {
			reputation := attack.Reputation
			if reputation == nil {
				reputation = []string{}
			}
			r.IPs[ip] = reputation
		}
	}

	if host := incident.DominantAttackedHost; host != nil {
		r.Domains.Add(host.Value)
	}
}

// Absorb folds a later extraction into r using the same latest-wins rule as
// a single pass, so extracting two slices and absorbing equals extracting
// their concatenation.
func (r Result) Absorb(later Result) {
	for ip, reputation := range later.IPs {
		r.IPs[ip] = reputation
	}
	for d := range later.Domains {
		r.Domains[d] = struct{}{}
	}
}

func (r Result) Empty() bool {
	return len(r.IPs) == 0 && len(r.Domains) == 0
}
