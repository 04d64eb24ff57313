// internal/service/promotion/infrastructure/rule/cel_engine_test.go
package rule

import (
	"testing"

	"hanghae/internal/service/promotion/domain"
)

func newEngine(t *testing.T) *CELRuleEngineAdapter {
	t.Helper()
	engine, err := NewCELRuleEngineAdapter()
	if err != nil {
		t.Fatalf("NewCELRuleEngineAdapter: %v", err)
	}
	return engine
}

func TestEvaluateEligibilityRules(t *testing.T) {
	engine := newEngine(t)
	cases := []struct {
		name string
		rule string
		fact domain.Fact
		want bool
	}{
		{"empty rule admits everyone", "", domain.Fact{UserID: "u1"}, true},
		{"vip only passes", "is_vip", domain.Fact{UserID: "u1", IsVIP: true}, true},
		{"vip only rejects", "is_vip", domain.Fact{UserID: "u1"}, false},
		{"member age threshold", "member_days >= 30", domain.Fact{UserID: "u1", MemberDays: 45}, true},
		{"combined rule", "is_vip || member_days >= 30", domain.Fact{UserID: "u1", MemberDays: 10}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := engine.Evaluate(tc.rule, tc.fact)
			if err != nil {
				t.Fatalf("Evaluate(%q): %v", tc.rule, err)
			}
			if got != tc.want {
				t.Fatalf("Evaluate(%q) = %v, want %v", tc.rule, got, tc.want)
			}
		})
	}
}

func TestEvaluateRejectsBrokenRules(t *testing.T) {
	engine := newEngine(t)

	if _, err := engine.Evaluate("is_vip ||", domain.Fact{}); err == nil {
		t.Fatal("syntax error must surface")
	}
	// 非布尔结果同样是规则错误
	if _, err := engine.Evaluate("member_days + 1", domain.Fact{}); err == nil {
		t.Fatal("non-boolean rule must surface an error")
	}
}

func TestCompiledProgramsAreCached(t *testing.T) {
	engine := newEngine(t)

	if _, err := engine.Evaluate("is_vip", domain.Fact{IsVIP: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.Evaluate("is_vip", domain.Fact{}); err != nil {
		t.Fatal(err)
	}
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	if len(engine.programs) != 1 {
		t.Fatalf("want 1 cached program, got %d", len(engine.programs))
	}
}
