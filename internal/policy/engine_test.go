package policy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/opensource-finance/txpolicy/internal/domain"
	"github.com/shopspring/decimal"
)

// ruleJSON renders a rule in the external naming convention.
func ruleJSON(action string, amount string, scope string, extra string) string {
	if extra != "" {
		extra = "," + extra
	}
	return fmt.Sprintf(`{
		"type": "TRANSFER",
		"transactionType": "TRANSFER",
		"asset": "*",
		"amount": %s,
		"operators": {"wildcard": "*"},
		"applyForApprove": true,
		"action": %q,
		"src": {"ids": [["*"]]},
		"dst": {"ids": [["*"]]},
		"dstAddressType": "*",
		"amountCurrency": "USD",
		"amountScope": %q%s
	}`, amount, action, scope, extra)
}

func policyDoc(rules ...string) []byte {
	doc := `{"policy": {"rules": [`
	for i, r := range rules {
		if i > 0 {
			doc += ","
		}
		doc += r
	}
	return []byte(doc + `]}}`)
}

func sampleTx(ts int64) *domain.Transaction {
	return &domain.Transaction{
		ID:          "9c794cee-7e27-46c9-9e9a-ed68295ff06b",
		Source:      domain.Peer{Type: "VAULT", ID: "0"},
		Destination: domain.Peer{Type: "VAULT", ID: "1", Address: "0x5dC69B1Fbb13Bafd09af88a782F0F285772Ad5f8"},
		Asset:       "ETH",
		Operation:   domain.OperationTransfer,
		Amount:      decimal.RequireFromString("0.01"),
		Volume:      18.74292937,
		Timestamp:   ts,
	}
}

func mustEngine(t *testing.T, doc []byte, opts ...Option) *Engine {
	t.Helper()
	engine, err := FromDocument(doc, nil, opts...)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	return engine
}

func TestNoRules(t *testing.T) {
	engine := mustEngine(t, policyDoc())

	result, err := engine.CheckTx(context.Background(), sampleTx(1000))
	if err != nil {
		t.Fatalf("CheckTx failed: %v", err)
	}
	if result.Allow {
		t.Error("expected default deny with no rules")
	}
	if result.MatchedRule != nil || result.RuleIndex != -1 {
		t.Errorf("expected no matched rule, got index %d", result.RuleIndex)
	}
	if len(engine.History()) != 0 {
		t.Error("expected empty history after deny")
	}
}

func TestSimpleAllowRule(t *testing.T) {
	engine := mustEngine(t, policyDoc(ruleJSON("ALLOW", "0", "SINGLE_TX", "")))

	result, err := engine.CheckTx(context.Background(), sampleTx(1000))
	if err != nil {
		t.Fatalf("CheckTx failed: %v", err)
	}
	if !result.Allow {
		t.Fatal("expected allow")
	}
	if result.RuleIndex != 0 || result.MatchedRule.Action != domain.ActionAllow {
		t.Errorf("unexpected match: %+v", result)
	}
	if len(engine.History()) != 1 {
		t.Errorf("expected allowed transaction recorded, history has %d", len(engine.History()))
	}
}

func TestZeroVolumeMatchesZeroThreshold(t *testing.T) {
	engine := mustEngine(t, policyDoc(ruleJSON("ALLOW", "0", "SINGLE_TX", "")))

	tx := sampleTx(1000)
	tx.Volume = 0

	result, err := engine.CheckTx(context.Background(), tx)
	if err != nil {
		t.Fatalf("CheckTx failed: %v", err)
	}
	if !result.Allow {
		t.Error("expected allow for zero volume against zero threshold")
	}
}

func TestTwoTierAllows(t *testing.T) {
	engine := mustEngine(t, policyDoc(ruleJSON("2-TIER", "0", "SINGLE_TX", "")))

	result, _ := engine.CheckTx(context.Background(), sampleTx(1000))
	if !result.Allow {
		t.Error("expected 2-TIER to allow")
	}
}

func TestBlockRuleFirstMatchWins(t *testing.T) {
	engine := mustEngine(t, policyDoc(
		ruleJSON("BLOCK", "5", "SINGLE_TX", ""),
		ruleJSON("ALLOW", "0", "SINGLE_TX", ""),
	))

	result, err := engine.CheckTx(context.Background(), sampleTx(1000))
	if err != nil {
		t.Fatalf("CheckTx failed: %v", err)
	}
	if result.Allow {
		t.Error("expected block rule to deny")
	}
	if result.RuleIndex != 0 {
		t.Errorf("expected rule 0 to match, got %d", result.RuleIndex)
	}
	if len(engine.History()) != 0 {
		t.Error("blocked transaction must not be recorded")
	}
}

func TestBlockRuleBelowThresholdFallsThrough(t *testing.T) {
	engine := mustEngine(t, policyDoc(
		ruleJSON("BLOCK", "100", "SINGLE_TX", ""),
		ruleJSON("ALLOW", "0", "SINGLE_TX", ""),
	))

	result, _ := engine.CheckTx(context.Background(), sampleTx(1000))
	if !result.Allow || result.RuleIndex != 1 {
		t.Errorf("expected catch-all allow at index 1, got %+v", result)
	}
}

func TestTimeframeRule(t *testing.T) {
	const period = 1
	engine := mustEngine(t, policyDoc(
		ruleJSON("BLOCK", "20", "TIMEFRAME", `"periodSec": 1,
			"amountAggregation": {
				"operators": "ACROSS_ALL_MATCHES",
				"dstTransferPeers": "ACROSS_ALL_MATCHES",
				"srcTransferPeers": "ACROSS_ALL_MATCHES"
			}`),
		ruleJSON("ALLOW", "0", "SINGLE_TX", ""),
	))
	ctx := context.Background()

	t.Run("FirstCallUnderLimit", func(t *testing.T) {
		result, err := engine.CheckTx(ctx, sampleTx(1000))
		if err != nil {
			t.Fatalf("CheckTx failed: %v", err)
		}
		if !result.Allow {
			t.Error("expected 18.74 < 20 to fall through to allow")
		}
	})

	t.Run("SecondCallWithinWindow", func(t *testing.T) {
		result, err := engine.CheckTx(ctx, sampleTx(1000+period))
		if err != nil {
			t.Fatalf("CheckTx failed: %v", err)
		}
		if result.Allow {
			t.Error("expected aggregated 37.49 >= 20 to block")
		}
		if result.RuleIndex != 0 {
			t.Errorf("expected block rule, got index %d", result.RuleIndex)
		}
	})

	t.Run("AfterWindowExpires", func(t *testing.T) {
		result, err := engine.CheckTx(ctx, sampleTx(1000+period+1))
		if err != nil {
			t.Fatalf("CheckTx failed: %v", err)
		}
		if !result.Allow {
			t.Error("expected window reset to allow again")
		}
	})

	if got := len(engine.History()); got != 2 {
		t.Errorf("expected 2 recorded transactions, got %d", got)
	}
}

func TestTimeframePerMatchDestination(t *testing.T) {
	engine := mustEngine(t, policyDoc(
		ruleJSON("BLOCK", "20", "TIMEFRAME", `"periodSec": 60,
			"amountAggregation": {
				"operators": "ACROSS_ALL_MATCHES",
				"dstTransferPeers": "PER_SINGLE_MATCH",
				"srcTransferPeers": "ACROSS_ALL_MATCHES"
			}`),
		ruleJSON("ALLOW", "0", "SINGLE_TX", ""),
	))
	ctx := context.Background()

	first := sampleTx(1000)
	if r, _ := engine.CheckTx(ctx, first); !r.Allow {
		t.Fatal("expected first transfer to be allowed")
	}

	other := sampleTx(1010)
	other.Destination.ID = "2"
	if r, _ := engine.CheckTx(ctx, other); !r.Allow {
		t.Error("expected a different destination to start its own window")
	}

	same := sampleTx(1020)
	if r, _ := engine.CheckTx(ctx, same); r.Allow {
		t.Error("expected the same destination to accumulate")
	}
}

func TestTimeframeFiltersByAssetAndOperation(t *testing.T) {
	engine := mustEngine(t, policyDoc(
		`{"action": "BLOCK", "asset": "ETH", "amount": 20, "amountScope": "TIMEFRAME",
		  "amountCurrency": "USD", "periodSec": 60, "transactionType": "CONTRACT_CALL",
		  "applyForApprove": true,
		  "amountAggregation": {"operators": "ACROSS_ALL_MATCHES", "srcTransferPeers": "ACROSS_ALL_MATCHES", "dstTransferPeers": "ACROSS_ALL_MATCHES"}}`,
		`{"action": "ALLOW", "asset": "*", "amount": 0, "transactionType": "CONTRACT_CALL",
		  "applyForApprove": true, "applyForTypedMessage": true}`,
	))
	ctx := context.Background()

	approve := sampleTx(1000)
	approve.Operation = domain.OperationApprove
	if r, err := engine.CheckTx(ctx, approve); err != nil || !r.Allow {
		t.Fatalf("expected approve to be allowed, got %+v, %v", r, err)
	}

	// Typed messages are not part of the block rule's operation set.
	typed := sampleTx(1001)
	typed.Operation = domain.OperationTypedMessage
	if r, _ := engine.CheckTx(ctx, typed); !r.Allow || r.RuleIndex != 1 {
		t.Fatalf("expected typed message allowed by rule 1, got %+v", r)
	}

	// Different asset: the ETH window does not apply.
	btc := sampleTx(1002)
	btc.Operation = domain.OperationContractCall
	btc.Asset = "BTC"
	if r, _ := engine.CheckTx(ctx, btc); !r.Allow {
		t.Fatal("expected BTC contract call to be allowed")
	}

	call := sampleTx(1003)
	call.Operation = domain.OperationContractCall
	if r, _ := engine.CheckTx(ctx, call); r.Allow {
		t.Error("expected ETH contract call to aggregate with the earlier approve and block")
	}
}

func TestTimeframeNativeCurrency(t *testing.T) {
	engine := mustEngine(t, policyDoc(
		ruleJSON("BLOCK", `"0.025"`, "TIMEFRAME", `"periodSec": 60,
			"amountAggregation": {"operators": "ACROSS_ALL_MATCHES", "srcTransferPeers": "ACROSS_ALL_MATCHES", "dstTransferPeers": "ACROSS_ALL_MATCHES"}`),
		ruleJSON("ALLOW", "0", "SINGLE_TX", ""),
	))
	// Switch the block rule to native units after parsing.
	engine.rules[0].AmountCurrency = domain.CurrencyNative
	ctx := context.Background()

	for i, want := range []bool{true, true, false} {
		r, err := engine.CheckTx(ctx, sampleTx(int64(1000+i)))
		if err != nil {
			t.Fatalf("CheckTx failed: %v", err)
		}
		if r.Allow != want {
			t.Errorf("call %d: expected allow=%v after %s ETH", i, want, decimal.NewFromFloat(0.01*float64(i+1)))
		}
	}
}

func TestTimeframeEURUsesRateProvider(t *testing.T) {
	doc := policyDoc(
		`{"action": "BLOCK", "asset": "*", "amount": 10, "amountScope": "TIMEFRAME",
		  "amountCurrency": "EUR", "periodSec": 60,
		  "amountAggregation": {"operators": "ACROSS_ALL_MATCHES", "srcTransferPeers": "ACROSS_ALL_MATCHES", "dstTransferPeers": "ACROSS_ALL_MATCHES"}}`,
		ruleJSON("ALLOW", "0", "SINGLE_TX", ""),
	)
	ctx := context.Background()

	low := mustEngine(t, doc, WithRateProvider(StaticRate(0.5)))
	if r, _ := low.CheckTx(ctx, sampleTx(1000)); !r.Allow {
		t.Error("expected 18.74 USD * 0.5 = 9.37 EUR to stay under 10")
	}

	high := mustEngine(t, doc, WithRateProvider(StaticRate(0.9)))
	if r, _ := high.CheckTx(ctx, sampleTx(1000)); r.Allow {
		t.Error("expected 18.74 USD * 0.9 = 16.87 EUR to block")
	}
}

func TestSingleTxIgnoresConfiguredCurrency(t *testing.T) {
	engine := mustEngine(t, policyDoc(
		`{"action": "BLOCK", "asset": "*", "amount": 18, "amountScope": "SINGLE_TX", "amountCurrency": "NATIVE"}`,
		ruleJSON("ALLOW", "0", "SINGLE_TX", ""),
	))

	r, _ := engine.CheckTx(context.Background(), sampleTx(1000))
	if r.Allow {
		t.Error("expected SINGLE_TX to compare USD volume 18.74 >= 18 despite NATIVE currency")
	}
}

func TestNonFiniteVolume(t *testing.T) {
	tests := []struct {
		name      string
		volume    float64
		scope     string
		wantAllow bool
	}{
		{"SingleTxInfinityBlocks", math.Inf(1), "SINGLE_TX", false},
		{"TimeframeInfinityBlocks", math.Inf(1), "TIMEFRAME", false},
		{"SingleTxNaNMatchesNothing", math.NaN(), "SINGLE_TX", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := mustEngine(t, policyDoc(
				ruleJSON("BLOCK", "10", tt.scope, `"periodSec": 60`),
				ruleJSON("ALLOW", "0", "SINGLE_TX", ""),
			))

			tx := sampleTx(1000)
			tx.Volume = tt.volume
			result, err := engine.CheckTx(context.Background(), tx)
			if err != nil {
				t.Fatalf("CheckTx failed: %v", err)
			}
			if result.Allow != tt.wantAllow {
				t.Errorf("expected allow=%v, got %+v", tt.wantAllow, result)
			}
		})
	}
}

func TestAssetMatch(t *testing.T) {
	engine := mustEngine(t, policyDoc(`{"action": "ALLOW", "asset": "BTC"}`))

	r, _ := engine.CheckTx(context.Background(), sampleTx(1000))
	if r.Allow {
		t.Error("expected BTC rule not to match ETH transaction")
	}
}

func TestSourceAndDestinationMatch(t *testing.T) {
	tests := []struct {
		name string
		src  string
		dst  string
		want bool
	}{
		{"ExactIDs", `[["0", "VAULT"]]`, `[["1", "VAULT"]]`, true},
		{"WrongSourceID", `[["5", "VAULT"]]`, `[["1", "VAULT"]]`, false},
		{"WildcardComponent", `[["*", "VAULT"]]`, `[["*", "VAULT"]]`, true},
		{"WrongType", `[["0", "EXCHANGE"]]`, `[["*"]]`, false},
		{"AnyListedObject", `[["9", "VAULT"], ["0", "VAULT"]]`, `[["*"]]`, true},
		{"SubtypeMismatch", `[["0", "VAULT", "INTERNAL"]]`, `[["*"]]`, false},
		{"EmptyList", `[]`, `[["*"]]`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := mustEngine(t, policyDoc(fmt.Sprintf(
				`{"action": "ALLOW", "src": {"ids": %s}, "dst": {"ids": %s}}`, tt.src, tt.dst)))

			r, err := engine.CheckTx(context.Background(), sampleTx(1000))
			if err != nil {
				t.Fatalf("CheckTx failed: %v", err)
			}
			if r.Allow != tt.want {
				t.Errorf("expected allow=%v, got %v", tt.want, r.Allow)
			}
		})
	}
}

func TestDestinationAddressType(t *testing.T) {
	oneTime := sampleTx(1000)
	oneTime.Destination = domain.Peer{Type: domain.PeerTypeOneTimeAddress, Address: "0xabc"}

	tests := []struct {
		name     string
		addrType string
		dst      string
		tx       *domain.Transaction
		want     bool
	}{
		{"AnyMatchesVault", "*", `[["*"]]`, sampleTx(1000), true},
		{"OneTimeRejectsVault", "ONE_TIME", `[["*"]]`, sampleTx(1000), false},
		{"OneTimeOverridesDstList", "ONE_TIME", `[["1", "VAULT"]]`, oneTime, true},
		{"WhitelistedRejectsOneTime", "WHITELISTED", `[["*"]]`, oneTime, false},
		{"WhitelistedAcceptsVault", "WHITELISTED", `[["*"]]`, sampleTx(1000), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := mustEngine(t, policyDoc(fmt.Sprintf(
				`{"action": "ALLOW", "dstAddressType": %q, "dst": {"ids": %s}}`, tt.addrType, tt.dst)))

			r, err := engine.CheckTx(context.Background(), tt.tx)
			if err != nil {
				t.Fatalf("CheckTx failed: %v", err)
			}
			if r.Allow != tt.want {
				t.Errorf("expected allow=%v, got %v", tt.want, r.Allow)
			}
		})
	}
}

func TestTransactionTypeMatch(t *testing.T) {
	tests := []struct {
		name string
		rule string
		op   domain.Operation
		want bool
	}{
		{"Exact", `"transactionType": "TRANSFER"`, domain.OperationTransfer, true},
		{"Different", `"transactionType": "TRANSFER"`, domain.OperationMint, false},
		{"ContractCallApprove", `"transactionType": "CONTRACT_CALL", "applyForApprove": true`, domain.OperationApprove, true},
		{"ContractCallApproveOff", `"transactionType": "CONTRACT_CALL"`, domain.OperationApprove, false},
		{"ContractCallTypedMessage", `"transactionType": "CONTRACT_CALL", "applyForTypedMessage": true`, domain.OperationTypedMessage, true},
		{"TransferIgnoresApproveFlag", `"transactionType": "TRANSFER", "applyForApprove": true`, domain.OperationApprove, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := mustEngine(t, policyDoc(fmt.Sprintf(`{"action": "ALLOW", %s}`, tt.rule)))

			tx := sampleTx(1000)
			tx.Operation = tt.op

			r, _ := engine.CheckTx(context.Background(), tx)
			if r.Allow != tt.want {
				t.Errorf("expected allow=%v, got %v", tt.want, r.Allow)
			}
		})
	}
}

func TestConfigurationErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("DstAddressType", func(t *testing.T) {
		engine := mustEngine(t, policyDoc(`{"action": "BLOCK", "asset": "BTC", "dstAddressType": "SOMETIMES"}`))

		_, err := engine.CheckTx(ctx, sampleTx(1000))
		if !errors.Is(err, domain.ErrConfiguration) {
			t.Errorf("expected ErrConfiguration even though the asset does not match, got %v", err)
		}
	})

	t.Run("AmountScope", func(t *testing.T) {
		rule := newRule()
		rule.Action = domain.ActionBlock
		rule.AmountScope = "FOREVER"

		_, err := NewEngine([]*domain.PolicyRule{rule}, nil).CheckTx(ctx, sampleTx(1000))
		var cfgErr *domain.ConfigError
		if !errors.As(err, &cfgErr) || cfgErr.Field != "amountScope" {
			t.Errorf("expected amountScope ConfigError, got %v", err)
		}
	})

	t.Run("TimeframeCurrency", func(t *testing.T) {
		rule := newRule()
		rule.Action = domain.ActionBlock
		rule.AmountScope = domain.ScopeTimeframe
		rule.AmountCurrency = "GBP"

		_, err := NewEngine([]*domain.PolicyRule{rule}, nil).CheckTx(ctx, sampleTx(1000))
		if !errors.Is(err, domain.ErrConfiguration) {
			t.Errorf("expected ErrConfiguration, got %v", err)
		}
	})

	t.Run("LogicOnlyWhenApproverCheckEnabled", func(t *testing.T) {
		rule := newRule()
		rule.Action = domain.ActionAllow
		rule.AuthorizationGroups = &domain.AuthorizationSpec{Logic: "XOR"}

		if _, err := NewEngine([]*domain.PolicyRule{rule}, nil).CheckTx(ctx, sampleTx(1000)); err != nil {
			t.Errorf("expected inert approver check to ignore logic, got %v", err)
		}

		_, err := NewEngine([]*domain.PolicyRule{rule}, nil, WithApproverCheck(true)).CheckTx(ctx, sampleTx(1000))
		if !errors.Is(err, domain.ErrConfiguration) {
			t.Errorf("expected ErrConfiguration, got %v", err)
		}
	})

	t.Run("NoHistoryMutation", func(t *testing.T) {
		engine := mustEngine(t, policyDoc(`{"action": "ALLOW", "dstAddressType": "NOPE"}`))
		_, _ = engine.CheckTx(ctx, sampleTx(1000))
		if len(engine.History()) != 0 {
			t.Error("expected no history after configuration error")
		}
	})
}

func TestInitiatorCheck(t *testing.T) {
	groups := domain.GroupMembership{"g1": {"alice", "bob"}}
	doc := policyDoc(`{"action": "ALLOW", "operators": {"users": ["carol"]}}`,
		`{"action": "BLOCK"}`)

	tx := sampleTx(1000)
	tx.Initiator = "alice"

	t.Run("DisabledByDefault", func(t *testing.T) {
		engine, _ := FromDocument(doc, groups)
		r, _ := engine.CheckTx(context.Background(), tx)
		if !r.Allow {
			t.Error("expected inert initiator check to match")
		}
	})

	t.Run("EnabledUsers", func(t *testing.T) {
		engine, _ := FromDocument(doc, groups, WithInitiatorCheck(true))
		r, _ := engine.CheckTx(context.Background(), tx)
		if r.Allow || r.RuleIndex != 1 {
			t.Errorf("expected alice to fall through to block, got %+v", r)
		}
	})

	t.Run("EnabledGroups", func(t *testing.T) {
		engine, _ := FromDocument(policyDoc(`{"action": "ALLOW", "operators": {"usersGroups": ["g1"]}}`), groups, WithInitiatorCheck(true))
		r, _ := engine.CheckTx(context.Background(), tx)
		if !r.Allow {
			t.Error("expected alice to match through g1")
		}
	})

	t.Run("UsersAndGroupsBothRequired", func(t *testing.T) {
		engine, _ := FromDocument(policyDoc(`{"action": "ALLOW", "operators": {"users": ["carol"], "usersGroups": ["g1"]}}`), groups, WithInitiatorCheck(true))
		r, _ := engine.CheckTx(context.Background(), tx)
		if r.Allow {
			t.Error("expected alice to fail the users dimension")
		}
	})
}

func TestApproverCheck(t *testing.T) {
	groups := domain.GroupMembership{"admins": {"dave", "erin"}}
	doc := policyDoc(`{"action": "ALLOW", "authorizationGroups": {
		"logic": "AND",
		"allowOperatorAsAuthorizer": false,
		"groups": [
			{"users": ["alice", "bob", "carol"], "th": 2},
			{"usersGroups": ["admins"], "th": 1}
		]}}`)

	tests := []struct {
		name      string
		approvers []string
		want      bool
	}{
		{"ExactUnion", []string{"alice", "bob", "dave"}, true},
		{"OtherExactUnion", []string{"carol", "erin", "bob"}, true},
		{"Subset", []string{"alice", "dave"}, false},
		{"Superset", []string{"alice", "bob", "carol", "dave"}, false},
		{"MissingAdmin", []string{"alice", "bob"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := FromDocument(doc, groups, WithApproverCheck(true))
			if err != nil {
				t.Fatalf("FromDocument failed: %v", err)
			}

			tx := sampleTx(1000)
			tx.Approvers = tt.approvers

			r, err := engine.CheckTx(context.Background(), tx)
			if err != nil {
				t.Fatalf("CheckTx failed: %v", err)
			}
			if r.Allow != tt.want {
				t.Errorf("expected allow=%v, got %v", tt.want, r.Allow)
			}
		})
	}
}

func TestApproverCheckCountsInitiator(t *testing.T) {
	doc := policyDoc(`{"action": "ALLOW", "authorizationGroups": {
		"logic": "OR",
		"allowOperatorAsAuthorizer": true,
		"groups": [{"users": ["alice", "bob"], "th": 2}]}}`)

	engine, _ := FromDocument(doc, nil, WithApproverCheck(true))

	tx := sampleTx(1000)
	tx.Initiator = "zed"
	tx.Approvers = []string{"alice"}

	r, err := engine.CheckTx(context.Background(), tx)
	if err != nil {
		t.Fatalf("CheckTx failed: %v", err)
	}
	if !r.Allow {
		t.Error("expected {alice, zed} to satisfy threshold 2 with the initiator counted")
	}
}

func TestConcurrentChecksDoNotLoseHistory(t *testing.T) {
	engine := mustEngine(t, policyDoc(ruleJSON("ALLOW", "0", "SINGLE_TX", "")))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = engine.CheckTx(context.Background(), sampleTx(int64(1000+i)))
		}(i)
	}
	wg.Wait()

	if got := len(engine.History()); got != 50 {
		t.Errorf("expected 50 history entries, got %d", got)
	}
}

func TestNilTransaction(t *testing.T) {
	engine := mustEngine(t, policyDoc())
	if _, err := engine.CheckTx(context.Background(), nil); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}
