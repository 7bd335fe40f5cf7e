package catalog

import (
	"fmt"
	"strings"

	"smarthub/internal/fingerprint"
	"smarthub/internal/model"
)

// BuildDescriptor derives the static descriptor of one entity from its
// state snapshot and its domain's service block. Volatile fields (state,
// timestamps, context) are never read.
func BuildDescriptor(state model.EntityState, block model.DomainServiceBlock) model.EntityDescriptor {
	id := strings.TrimSpace(state.EntityID)
	attrs := state.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}

	name := attrString(attrs, "friendly_name")
	if name == "" {
		name = id
	}
	domain := model.DomainOf(id)

	return model.EntityDescriptor{
		EntityID:     id,
		Domain:       domain,
		Name:         name,
		Area:         firstAttr(attrs, "area", "area_id", "room"),
		Capabilities: DecodeCapabilities(domain, attrs),
		Services:     SummarizeServices(block),
	}
}

// DescriptorContent is the stable content of a descriptor that gets hashed.
// Empty parts are omitted so that adding an empty field never changes the
// digest.
func DescriptorContent(d model.EntityDescriptor) map[string]any {
	content := map[string]any{
		"entity_id":     d.EntityID,
		"friendly_name": d.Name,
		"domain":        d.Domain,
	}
	if d.Area != "" {
		content["area"] = d.Area
	}
	if len(d.Capabilities) > 0 {
		content["capabilities"] = fingerprint.Set(d.Capabilities)
	}
	if len(d.Services) > 0 {
		content["services"] = d.Services
	}
	return content
}

// DescriptorText renders the short human-readable text that gets embedded,
// e.g. "Kitchen Strip (light domain) in kitchen. Capabilities: has_brightness.
// Services: turn_on, turn_off."
func DescriptorText(d model.EntityDescriptor) string {
	title := []string{d.Name}
	if d.Domain != "" {
		title = append(title, "("+d.Domain+" domain)")
	}
	if d.Area != "" {
		title = append(title, "in "+strings.ReplaceAll(d.Area, "_", " "))
	}

	parts := []string{strings.TrimSpace(strings.Join(title, " ")) + "."}
	if len(d.Capabilities) > 0 {
		parts = append(parts, "Capabilities: "+strings.Join(d.Capabilities, ", ")+".")
	}
	if len(d.Services) > 0 {
		parts = append(parts, "Services: "+strings.Join(d.Services, ", ")+".")
	}
	return strings.Join(parts, " ")
}

// DomainContent is the hashed content of a domain block: service names and
// their (unordered) argument names.
func DomainContent(block model.DomainServiceBlock) map[string]any {
	services := make(map[string]any, len(block.Services))
	for name, fields := range block.Services {
		services[name] = fingerprint.Set(fields)
	}
	return map[string]any{
		"domain":   block.Domain,
		"services": services,
	}
}

// DomainText renders a domain block as
//
//	domain: light
//	services:
//	- turn_on(brightness_pct, transition)
func DomainText(block model.DomainServiceBlock) string {
	var b strings.Builder
	fmt.Fprintf(&b, "domain: %s\nservices:", block.Domain)
	for _, name := range sortedKeys(block.Services) {
		fmt.Fprintf(&b, "\n- %s(%s)", name, strings.Join(block.Services[name], ", "))
	}
	return b.String()
}

// ServiceContent is the hashed content of one domain service.
func ServiceContent(domain, service string, spec model.ServiceSpec) map[string]any {
	content := map[string]any{
		"action":  domain + "." + service,
		"domain":  domain,
		"service": service,
		"fields":  fingerprint.Set(fieldNames(spec)),
	}
	if desc := strings.TrimSpace(spec.Description); desc != "" {
		content["description"] = desc
	}
	return content
}

// ServiceText renders one service as "<domain>.<service>: <description>.
// Fields: a, b." with empty parts omitted.
func ServiceText(domain, service string, spec model.ServiceSpec) string {
	head := domain + "." + service
	if desc := strings.TrimRight(strings.TrimSpace(spec.Description), "."); desc != "" {
		head += ": " + desc
	}
	parts := []string{head + "."}
	if fields := fieldNames(spec); len(fields) > 0 {
		parts = append(parts, "Fields: "+strings.Join(fields, ", ")+".")
	}
	return strings.Join(parts, " ")
}

func attrString(attrs map[string]any, key string) string {
	v, ok := attrs[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	default:
		return strings.TrimSpace(fmt.Sprint(s))
	}
}

func firstAttr(attrs map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := attrString(attrs, k); s != "" {
			return s
		}
	}
	return ""
}
