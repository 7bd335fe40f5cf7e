package catalog

import (
	"sort"

	"smarthub/internal/model"
)

// MaxDescriptorServices bounds the service list carried by a descriptor;
// short descriptors retrieve better.
const MaxDescriptorServices = 12

var servicePriority = []string{
	"turn_on", "turn_off", "toggle", "set_percentage", "oscillate",
	"set_temperature", "open", "close", "pause", "play",
	"volume_set", "volume_up", "volume_down",
}

// SummarizeServices lists a domain's service names: priority services first
// in priority order, then the rest alphabetically, truncated to
// MaxDescriptorServices.
func SummarizeServices(block model.DomainServiceBlock) []string {
	out := SummarizeServicesAll(block)
	if len(out) > MaxDescriptorServices {
		out = out[:MaxDescriptorServices]
	}
	return out
}

// SummarizeServicesAll is SummarizeServices without the truncation.
func SummarizeServicesAll(block model.DomainServiceBlock) []string {
	if len(block.Services) == 0 {
		return nil
	}

	prio := make(map[string]struct{}, len(servicePriority))
	out := make([]string, 0, len(block.Services))
	for _, name := range servicePriority {
		prio[name] = struct{}{}
		if _, ok := block.Services[name]; ok {
			out = append(out, name)
		}
	}

	rest := make([]string, 0, len(block.Services))
	for name := range block.Services {
		if _, ok := prio[name]; !ok {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// BuildDomainBlocks converts the live system's service listing into one
// block per domain. Field names per service are sorted.
func BuildDomainBlocks(services map[string]map[string]model.ServiceSpec) map[string]model.DomainServiceBlock {
	blocks := make(map[string]model.DomainServiceBlock, len(services))
	for domain, svcs := range services {
		if domain == "" {
			continue
		}
		block := model.DomainServiceBlock{
			Domain:   domain,
			Services: make(map[string][]string, len(svcs)),
			Specs:    make(map[string]model.ServiceSpec, len(svcs)),
		}
		for name, spec := range svcs {
			block.Services[name] = fieldNames(spec)
			block.Specs[name] = spec
		}
		blocks[domain] = block
	}
	return blocks
}

func fieldNames(spec model.ServiceSpec) []string {
	names := make([]string, 0, len(spec.Fields))
	for name := range spec.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
