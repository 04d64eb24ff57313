// internal/service/promotion/infrastructure/rule/cel_engine.go
package rule

import (
	"sync"

	"hanghae/internal/service/promotion/domain"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"
)

// CELRuleEngineAdapter 是 domain.RuleEngine 接口的一个具体实现。
// 它使用 CEL (Common Expression Language) 执行资格规则评估。
// 这是一个典型的适配器模式应用，把第三方库的 API 适配到我们自己的领域接口。
//
// 规则示例: `is_vip || member_days >= 30`
type CELRuleEngineAdapter struct {
	env *cel.Env

	// 同一条规则会被海量请求重复评估，编译结果必须缓存。
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewCELRuleEngineAdapter 创建规则引擎适配器，声明 Fact 可用的变量。
func NewCELRuleEngineAdapter() (*CELRuleEngineAdapter, error) {
	env, err := cel.NewEnv(
		cel.Variable("user_id", cel.StringType),
		cel.Variable("is_vip", cel.BoolType),
		cel.Variable("member_days", cel.IntType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create CEL environment")
	}
	return &CELRuleEngineAdapter{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Evaluate 实现了 domain.RuleEngine 接口。空规则表示不限资格。
func (a *CELRuleEngineAdapter) Evaluate(ruleDefinition string, fact domain.Fact) (bool, error) {
	if ruleDefinition == "" {
		return true, nil
	}

	prg, err := a.programFor(ruleDefinition)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"user_id":     fact.UserID,
		"is_vip":      fact.IsVIP,
		"member_days": fact.MemberDays,
	})
	if err != nil {
		return false, errors.Wrap(err, "failed to evaluate eligibility rule")
	}

	passed, ok := out.Value().(bool)
	if !ok {
		return false, errors.Errorf("eligibility rule did not produce a boolean: %v", out.Value())
	}
	return passed, nil
}

func (a *CELRuleEngineAdapter) programFor(ruleDefinition string) (cel.Program, error) {
	a.mu.RLock()
	prg, ok := a.programs[ruleDefinition]
	a.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := a.env.Compile(ruleDefinition)
	if issues != nil && issues.Err() != nil {
		// 规则定义本身可能存在语法错误
		return nil, errors.Wrap(issues.Err(), "failed to compile eligibility rule")
	}
	prg, err := a.env.Program(ast)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build CEL program")
	}

	a.mu.Lock()
	a.programs[ruleDefinition] = prg
	a.mu.Unlock()
	return prg, nil
}
