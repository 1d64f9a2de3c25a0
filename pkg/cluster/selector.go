package cluster

import (
	"strconv"
	"strings"
)

// Selection is an ordered subset of the machines of a cluster.
type Selection struct {
	Cluster  *Cluster
	Machines []Machine
}

// Workdir returns the default working directory for the selection.
func (s *Selection) Workdir() string {
	return s.Cluster.Workdir
}

// MachineNames returns the names of the selected machines.
func (s *Selection) MachineNames() []string {
	names := make([]string, 0, len(s.Machines))
	for _, machine := range s.Machines {
		names = append(names, machine.Name)
	}
	return names
}

// All selects every machine of the cluster.
func (c *Cluster) All() *Selection {
	return &Selection{
		Cluster:  c,
		Machines: append([]Machine(nil), c.Machines...),
	}
}

// Slice selects count machines starting at offset.
func (c *Cluster) Slice(offset, count int) (*Selection, error) {
	if offset < 0 || count <= 0 || offset+count > len(c.Machines) {
		return nil, clusterErrorf("invalid slice: offset %d and count %d for %d machines",
			offset, count, len(c.Machines))
	}

	return &Selection{
		Cluster:  c,
		Machines: append([]Machine(nil), c.Machines[offset:offset+count]...),
	}, nil
}

// ByIndices selects the machines at the given indices, in that order.
func (c *Cluster) ByIndices(indices []int) (*Selection, error) {
	selection := &Selection{Cluster: c}

	for _, index := range indices {
		if index < 0 || index >= len(c.Machines) {
			return nil, clusterErrorf("no machine at index %d", index)
		}
		selection.Machines = append(selection.Machines, c.Machines[index])
	}

	return selection, nil
}

// Select resolves a selector to a set of machines. A selector is "all", a
// range like "[1:3]" where the end is exclusive, a list of indices like
// "[0,2]" or "[4]", or the name of a machine.
func (c *Cluster) Select(selector string) (*Selection, error) {
	if selector == "" {
		return nil, clusterErrorf("empty selector")
	}

	if selector == "all" {
		return c.All(), nil
	}

	if selector[0] == '[' {
		if selector[len(selector)-1] != ']' || len(selector) < 2 {
			return nil, clusterErrorf("selector starts with a bracket, but does not end with one")
		}

		inner := selector[1 : len(selector)-1]

		if start, end, ok := strings.Cut(inner, ":"); ok {
			offset, err := parseIndex(start)
			if err != nil {
				return nil, err
			}
			limit, err := parseIndex(end)
			if err != nil {
				return nil, err
			}
			if limit <= offset {
				return nil, clusterErrorf("invalid range: end(%d) <= start(%d)", limit, offset)
			}

			return c.Slice(offset, limit-offset)
		}

		var indices []int
		for _, field := range strings.Split(inner, ",") {
			index, err := parseIndex(field)
			if err != nil {
				return nil, err
			}
			indices = append(indices, index)
		}

		return c.ByIndices(indices)
	}

	machine, err := c.Machine(selector)
	if err != nil {
		return nil, err
	}

	return c.ByIndices([]int{machine.Index})
}

func parseIndex(value string) (int, error) {
	index, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, clusterErrorf("invalid machine index %q", value)
	}
	return index, nil
}
