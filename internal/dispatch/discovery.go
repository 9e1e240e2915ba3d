package dispatch

import (
	"context"
)

func registerDiscoveryHandlers(handlers map[string]Handler) {
	handlers["discovery/domains"] = discoveryDomains
	handlers["discovery/actions"] = discoveryActions
	handlers["discovery/schema"] = discoverySchema
}

// DomainSummary is the discovery projection of one domain.
type DomainSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Actions     int    `json:"actions"`
}

// ActionSummary is the discovery projection of one action.
type ActionSummary struct {
	Domain      string `json:"domain"`
	Name        string `json:"name"`
	Description string `json:"description"`
	ReadOnly    bool   `json:"read_only"`
}

func discoveryDomains(_ context.Context, _ *Dispatcher, _ Args) (any, error) {
	out := make([]DomainSummary, 0, len(catalog))
	for _, d := range catalog {
		out = append(out, DomainSummary{
			Name:        d.Name,
			Description: d.Description,
			Actions:     len(d.Actions),
		})
	}
	return out, nil
}

func discoveryActions(_ context.Context, _ *Dispatcher, args Args) (any, error) {
	domains := catalog
	if name := args.String("domain"); name != "" {
		d, err := LookupDomain(name)
		if err != nil {
			return nil, err
		}
		domains = []Domain{*d}
	}

	var out []ActionSummary
	for _, d := range domains {
		for _, a := range d.Actions {
			out = append(out, ActionSummary{
				Domain:      d.Name,
				Name:        a.Name,
				Description: a.Description,
				ReadOnly:    a.ReadOnly,
			})
		}
	}
	return out, nil
}

func discoverySchema(_ context.Context, _ *Dispatcher, args Args) (any, error) {
	action, err := LookupAction(args.String("domain"), args.String("action_name"))
	if err != nil {
		return nil, err
	}
	return action, nil
}
