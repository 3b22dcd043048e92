package resource

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Well-known resource names
const (
	CPU               = "CPU"
	Memory            = "memory"
	GPU               = "GPU"
	Disk              = "disk"
	ObjectStoreMemory = "object_store_memory"
)

// Named resource quantities, any name which isn't well-known is a custom resource
type Set map[string]float64

func (s Set) Clone() Set {
	return maps.Clone(s)
}

// Sorted resource names, used to get a stable output
func (s Set) Names() []string {
	names := maps.Keys(s)
	slices.Sort(names)
	return names
}

func (s Set) String() string {
	parts := make([]string, 0, len(s))
	for _, name := range s.Names() {
		parts = append(parts, fmt.Sprintf("%s=%s", name, strconv.FormatFloat(s[name], 'g', -1, 64)))
	}
	return strings.Join(parts, ",")
}

// Parse a set from its "name=quantity,name=quantity" representation
func ParseSet(value string) (Set, error) {
	set := Set{}
	value = strings.TrimSpace(value)
	if value == "" {
		return set, nil
	}
	for _, part := range strings.Split(value, ",") {
		name, quantity, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found || name == "" {
			return nil, fmt.Errorf("invalid resource %q, expected name=quantity", part)
		}
		q, err := strconv.ParseFloat(quantity, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid quantity for resource %s: %w", name, err)
		}
		if q < 0 {
			return nil, fmt.Errorf("negative quantity for resource %s", name)
		}
		set[name] = q
	}
	return set, nil
}

// Parse node or request labels from their "key=value" representations
func ParseLabels(values []string) (map[string]string, error) {
	labels := make(map[string]string, len(values))
	for _, value := range values {
		key, label, found := strings.Cut(strings.TrimSpace(value), "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid label %q, expected key=value", value)
		}
		labels[key] = label
	}
	return labels, nil
}

// Resources needed by a task, along with its placement constraints.
//
// A request is never modified once submitted.
type Request struct {
	Resources Set
	// Every label must be present on the node with the same value
	Labels map[string]string
}

func NewRequest(resources Set) Request {
	return Request{Resources: resources}
}

func (r Request) String() string {
	if len(r.Labels) == 0 {
		return fmt.Sprintf("{%s}", r.Resources)
	}
	return fmt.Sprintf("{%s labels=%v}", r.Resources, r.Labels)
}

// Committed placement-group bundles expose their reserved resources under new names, one per
// bundle index and one shared by the whole group
func FormatBundleResource(name string, placementGroupId string, index int) string {
	return fmt.Sprintf("%s_group_%d_%s", name, index, placementGroupId)
}

func FormatBundleGroupResource(name string, placementGroupId string) string {
	return fmt.Sprintf("%s_group_%s", name, placementGroupId)
}

// Resources a committed bundle adds to its node
func BundleResources(reserved Set, placementGroupId string, index int) Set {
	set := Set{}
	for name, quantity := range reserved {
		set[FormatBundleResource(name, placementGroupId, index)] += quantity
		set[FormatBundleGroupResource(name, placementGroupId)] += quantity
	}
	return set
}
