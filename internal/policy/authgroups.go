package policy

import (
	"sort"
	"strings"

	"github.com/opensource-finance/txpolicy/internal/domain"
)

// approverSet is a sorted, duplicate-free list of user ids.
type approverSet []string

func newApproverSet(ids ...string) approverSet {
	seen := make(map[string]struct{}, len(ids))
	out := make(approverSet, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s approverSet) key() string {
	return strings.Join(s, "\x00")
}

// SatisfyingSets returns every approver set that fulfils spec for a
// transaction initiated by initiator.
//
// For each group the eligible members are its users, the members of its user
// groups and, when allowed, the initiator; every subset of size threshold
// satisfies that group. OR pools the subsets of all groups. AND takes the union
// of one subset per group for every combination. A spec without groups cannot
// be satisfied.
func SatisfyingSets(spec *domain.AuthorizationSpec, initiator string, groups domain.GroupMembership) ([][]string, error) {
	if spec.Logic != domain.LogicAnd && spec.Logic != domain.LogicOr {
		return nil, &domain.ConfigError{Field: "authorizationGroups.logic", Value: string(spec.Logic)}
	}
	if len(spec.Groups) == 0 {
		return nil, nil
	}

	perGroup := make([][]approverSet, 0, len(spec.Groups))
	for _, g := range spec.Groups {
		members := append([]string(nil), g.Users...)
		if spec.AllowOperatorAsAuthorizer && initiator != "" {
			members = append(members, initiator)
		}
		for _, groupID := range g.UserGroups {
			members = append(members, groups[groupID]...)
		}
		perGroup = append(perGroup, combinations(newApproverSet(members...), g.Threshold))
	}

	var sets []approverSet
	switch spec.Logic {
	case domain.LogicOr:
		for _, g := range perGroup {
			sets = append(sets, g...)
		}
	case domain.LogicAnd:
		sets = product(perGroup)
	}

	out := make([][]string, len(sets))
	for i, s := range sets {
		out[i] = s
	}
	return out, nil
}

// combinations returns every k-element subset of members, preserving order.
func combinations(members approverSet, k int) []approverSet {
	if k < 0 || k > len(members) {
		return nil
	}

	var out []approverSet
	idx := make([]int, k)
	for i := range idx {
		idx[i] = i
	}

	for {
		combo := make(approverSet, k)
		for i, j := range idx {
			combo[i] = members[j]
		}
		out = append(out, combo)

		// Advance the rightmost index that still has room.
		i := k - 1
		for i >= 0 && idx[i] == len(members)-k+i {
			i--
		}
		if i < 0 {
			return out
		}
		idx[i]++
		for j := i + 1; j < k; j++ {
			idx[j] = idx[j-1] + 1
		}
	}
}

// product unions one set from every group, for every combination of choices.
func product(groups [][]approverSet) []approverSet {
	acc := []approverSet{{}}
	for _, choices := range groups {
		next := make([]approverSet, 0, len(acc)*len(choices))
		for _, partial := range acc {
			for _, c := range choices {
				merged := make([]string, 0, len(partial)+len(c))
				merged = append(merged, partial...)
				merged = append(merged, c...)
				next = append(next, newApproverSet(merged...))
			}
		}
		acc = next
	}
	return acc
}

// containsExactSet reports whether candidate equals one of sets exactly.
// A superset or subset does not count.
func containsExactSet(sets [][]string, candidate approverSet) bool {
	want := candidate.key()
	for _, s := range sets {
		if approverSet(s).key() == want {
			return true
		}
	}
	return false
}
