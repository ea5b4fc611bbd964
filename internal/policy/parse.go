package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/opensource-finance/txpolicy/internal/domain"
	"github.com/shopspring/decimal"
)

// fieldParser maps one external rule field onto the canonical rule.
type fieldParser func(r *domain.PolicyRule, v any) error

// ruleFields is the allow-list of external rule keys. Anything not listed is dropped.
var ruleFields = map[string]fieldParser{
	"type": func(r *domain.PolicyRule, v any) error {
		s, err := asString("type", v)
		r.Type = s
		return err
	},
	"action": func(r *domain.PolicyRule, v any) error {
		s, err := asString("action", v)
		r.Action = domain.Action(s)
		return err
	},
	"asset": func(r *domain.PolicyRule, v any) error {
		s, err := asString("asset", v)
		r.Asset = s
		return err
	},
	"amount": func(r *domain.PolicyRule, v any) error {
		d, err := asDecimal("amount", v)
		r.Amount = d
		return err
	},
	"amountCurrency": func(r *domain.PolicyRule, v any) error {
		s, err := asString("amountCurrency", v)
		if err != nil {
			return err
		}
		switch c := domain.Currency(s); c {
		case domain.CurrencyUSD, domain.CurrencyEUR, domain.CurrencyNative:
			r.AmountCurrency = c
			return nil
		}
		return &domain.ConfigError{Field: "amountCurrency", Value: s}
	},
	"amountScope": func(r *domain.PolicyRule, v any) error {
		s, err := asString("amountScope", v)
		if err != nil {
			return err
		}
		switch sc := domain.AmountScope(s); sc {
		case domain.ScopeSingleTx, domain.ScopeTimeframe:
			r.AmountScope = sc
			return nil
		}
		return &domain.ConfigError{Field: "amountScope", Value: s}
	},
	"periodSec": func(r *domain.PolicyRule, v any) error {
		n, err := asInt64("periodSec", v)
		r.PeriodSec = n
		return err
	},
	"amountAggregation": parseAggregation,
	"transactionType": func(r *domain.PolicyRule, v any) error {
		s, err := asString("transactionType", v)
		r.TransactionType = domain.Operation(s)
		return err
	},
	"applyForApprove": func(r *domain.PolicyRule, v any) error {
		b, err := asBool("applyForApprove", v)
		r.ApplyForApprove = b
		return err
	},
	"applyForTypedMessage": func(r *domain.PolicyRule, v any) error {
		b, err := asBool("applyForTypedMessage", v)
		r.ApplyForTypedMessage = b
		return err
	},
	"operators": parseOperators,
	"src": func(r *domain.PolicyRule, v any) error {
		m, err := parsePeers("src", v)
		r.Src = m
		return err
	},
	"dst": func(r *domain.PolicyRule, v any) error {
		m, err := parsePeers("dst", v)
		r.Dst = m
		return err
	},
	"dstAddressType": func(r *domain.PolicyRule, v any) error {
		s, err := asString("dstAddressType", v)
		r.DstAddressType = domain.DstAddressType(s)
		return err
	},
	"authorizationGroups": parseAuthorization,
}

// newRule returns a rule with the defaults applied to absent fields.
func newRule() *domain.PolicyRule {
	return &domain.PolicyRule{
		Asset:           domain.Wildcard,
		Amount:          decimal.Zero,
		AmountCurrency:  domain.CurrencyUSD,
		AmountScope:     domain.ScopeSingleTx,
		TransactionType: domain.OperationTransfer,
		Operators:       domain.OperatorMatcher{Any: true},
		Src:             domain.PeerMatcher{Any: true},
		Dst:             domain.PeerMatcher{Any: true},
		DstAddressType:  domain.DstAddressAny,
	}
}

// ParseRule maps a loosely typed rule record onto the canonical rule.
// Unrecognized fields are ignored; a null value leaves the default in place.
func ParseRule(record map[string]any) (*domain.PolicyRule, error) {
	if record == nil {
		return nil, &domain.ParseError{Field: "rule", Reason: "record is empty"}
	}

	r := newRule()
	for key, value := range record {
		parse, ok := ruleFields[key]
		if !ok || value == nil {
			continue
		}
		if err := parse(r, value); err != nil {
			return nil, err
		}
	}

	if r.Action == "" {
		return nil, &domain.ParseError{Field: "action", Reason: "is required"}
	}
	return r, nil
}

// ParseRules parses an ordered list of rule records. Order is preserved.
func ParseRules(records []map[string]any) ([]*domain.PolicyRule, error) {
	rules := make([]*domain.PolicyRule, 0, len(records))
	for i, rec := range records {
		r, err := ParseRule(rec)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// ParseDocument parses a policy document of the form {"policy": {"rules": [...]}}.
// Numbers are decoded exactly so thresholds never pass through a float.
func ParseDocument(data []byte) ([]*domain.PolicyRule, error) {
	var doc struct {
		Policy *struct {
			Rules []map[string]any `json:"rules"`
		} `json:"policy"`
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode policy document: %v", domain.ErrMalformedRule, err)
	}
	if doc.Policy == nil {
		return nil, &domain.ParseError{Field: "policy", Reason: "is required"}
	}

	return ParseRules(doc.Policy.Rules)
}

// ParseGroups parses a user-group listing of the form
// [{"id": "...", "memberIds": [...], "status": "ACTIVE"}]. Inactive groups are dropped.
func ParseGroups(data []byte) (domain.GroupMembership, error) {
	var groups []struct {
		ID        string   `json:"id"`
		MemberIDs []string `json:"memberIds"`
		Status    string   `json:"status"`
	}
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("%w: decode groups: %v", domain.ErrInvalidInput, err)
	}

	membership := make(domain.GroupMembership, len(groups))
	for _, g := range groups {
		if g.Status != "ACTIVE" {
			continue
		}
		membership[g.ID] = g.MemberIDs
	}
	return membership, nil
}

func parseOperators(r *domain.PolicyRule, v any) error {
	if s, ok := v.(string); ok && s == domain.Wildcard {
		r.Operators = domain.OperatorMatcher{Any: true}
		return nil
	}

	m, ok := v.(map[string]any)
	if !ok {
		return &domain.ParseError{Field: "operators", Reason: fmt.Sprintf("expected object, got %T", v)}
	}
	if w, ok := m["wildcard"].(string); ok && w == domain.Wildcard {
		r.Operators = domain.OperatorMatcher{Any: true}
		return nil
	}

	users, err := asOptionalStrings("operators.users", m["users"])
	if err != nil {
		return err
	}
	groups, err := asOptionalStrings("operators.usersGroups", m["usersGroups"])
	if err != nil {
		return err
	}

	r.Operators = domain.OperatorMatcher{Users: users, UserGroups: groups}
	return nil
}

func parsePeers(field string, v any) (domain.PeerMatcher, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return domain.PeerMatcher{}, &domain.ParseError{Field: field, Reason: fmt.Sprintf("expected object, got %T", v)}
	}

	ids, ok := m["ids"].([]any)
	if !ok {
		return domain.PeerMatcher{}, &domain.ParseError{Field: field + ".ids", Reason: "expected list"}
	}

	refs := make([]domain.PeerRef, 0, len(ids))
	for i, entry := range ids {
		parts, err := asStrings(fmt.Sprintf("%s.ids[%d]", field, i), entry)
		if err != nil {
			return domain.PeerMatcher{}, err
		}

		switch len(parts) {
		case 1:
			if parts[0] == domain.Wildcard {
				return domain.PeerMatcher{Any: true}, nil
			}
		case 2:
			refs = append(refs, domain.PeerRef{ID: parts[0], Type: parts[1]})
			continue
		case 3:
			refs = append(refs, domain.PeerRef{ID: parts[0], Type: parts[1], Subtype: parts[2]})
			continue
		}

		return domain.PeerMatcher{}, &domain.ParseError{
			Field:  fmt.Sprintf("%s.ids[%d]", field, i),
			Reason: fmt.Sprintf("expected (id, type) or (id, type, subtype), got %d elements", len(parts)),
		}
	}

	return domain.PeerMatcher{Refs: refs}, nil
}

func parseAggregation(r *domain.PolicyRule, v any) error {
	m, ok := v.(map[string]any)
	if !ok {
		return &domain.ParseError{Field: "amountAggregation", Reason: fmt.Sprintf("expected object, got %T", v)}
	}

	mode := func(key string) (domain.AggregationMode, error) {
		if m[key] == nil {
			return domain.AggregatePerMatch, nil
		}
		s, err := asString("amountAggregation."+key, m[key])
		return domain.AggregationMode(s), err
	}

	var err error
	if r.AmountAggregation.Operators, err = mode("operators"); err != nil {
		return err
	}
	if r.AmountAggregation.SrcTransferPeers, err = mode("srcTransferPeers"); err != nil {
		return err
	}
	if r.AmountAggregation.DstTransferPeers, err = mode("dstTransferPeers"); err != nil {
		return err
	}
	return nil
}

func parseAuthorization(r *domain.PolicyRule, v any) error {
	m, ok := v.(map[string]any)
	if !ok {
		return &domain.ParseError{Field: "authorizationGroups", Reason: fmt.Sprintf("expected object, got %T", v)}
	}

	spec := &domain.AuthorizationSpec{}

	if m["logic"] != nil {
		s, err := asString("authorizationGroups.logic", m["logic"])
		if err != nil {
			return err
		}
		spec.Logic = domain.GroupLogic(s)
	}
	if m["allowOperatorAsAuthorizer"] != nil {
		b, err := asBool("authorizationGroups.allowOperatorAsAuthorizer", m["allowOperatorAsAuthorizer"])
		if err != nil {
			return err
		}
		spec.AllowOperatorAsAuthorizer = b
	}

	groups, _ := m["groups"].([]any)
	for i, raw := range groups {
		field := fmt.Sprintf("authorizationGroups.groups[%d]", i)
		g, ok := raw.(map[string]any)
		if !ok {
			return &domain.ParseError{Field: field, Reason: fmt.Sprintf("expected object, got %T", raw)}
		}

		users, err := asOptionalStrings(field+".users", g["users"])
		if err != nil {
			return err
		}
		userGroups, err := asOptionalStrings(field+".usersGroups", g["usersGroups"])
		if err != nil {
			return err
		}
		th, err := asInt64(field+".th", g["th"])
		if err != nil {
			return err
		}

		spec.Groups = append(spec.Groups, domain.AuthorizationGroup{
			Users:      users,
			UserGroups: userGroups,
			Threshold:  int(th),
		})
	}

	r.AuthorizationGroups = spec
	return nil
}

func asString(field string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", &domain.ParseError{Field: field, Reason: fmt.Sprintf("expected string, got %T", v)}
	}
	return s, nil
}

func asBool(field string, v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, &domain.ParseError{Field: field, Reason: fmt.Sprintf("expected bool, got %T", v)}
	}
	return b, nil
}

func asStrings(field string, v any) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, &domain.ParseError{Field: field, Reason: fmt.Sprintf("expected string element, got %T", item)}
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, &domain.ParseError{Field: field, Reason: fmt.Sprintf("expected list, got %T", v)}
}

// asOptionalStrings keeps nil as nil: an unset list means "don't care".
func asOptionalStrings(field string, v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	return asStrings(field, v)
}

func asDecimal(field string, v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		if err != nil {
			return decimal.Zero, &domain.ParseError{Field: field, Reason: err.Error()}
		}
		return d, nil
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return decimal.Zero, &domain.ParseError{Field: field, Reason: err.Error()}
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case decimal.Decimal:
		return n, nil
	}
	return decimal.Zero, &domain.ParseError{Field: field, Reason: fmt.Sprintf("expected number, got %T", v)}
}

func asInt64(field string, v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(n.String(), 64)
		if err != nil {
			return 0, &domain.ParseError{Field: field, Reason: err.Error()}
		}
		return int64(f), nil
	case float64:
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	}
	return 0, &domain.ParseError{Field: field, Reason: fmt.Sprintf("expected number, got %T", v)}
}
