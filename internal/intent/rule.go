package intent

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"A2A-Advisory/internal/capability"
	xerrors "A2A-Advisory/internal/errors"
)

// RuleClassifier 是基于关键词的解析实现，用于本地开发与测试。
// 生产部署通过 HTTPClassifier 对接真正的 NLU 服务。
type RuleClassifier struct{}

// NewRuleClassifier 创建规则解析器。
func NewRuleClassifier() *RuleClassifier {
	return &RuleClassifier{}
}

var (
	tickerPattern   = regexp.MustCompile(`\b[A-Z]{1,5}\b`)
	quantityPattern = regexp.MustCompile(`\b(\d+)\s*(?:shares?|股)?\b`)

	marketKeywords = []string{"market", "trend", "sentiment", "outlook", "analysis", "analyze", "行情", "走势"}
	riskKeywords   = []string{"risk", "exposure", "volatility", "safe", "风险"}

	// 常见大写词不是股票代码。
	tickerStopwords = map[string]struct{}{
		"I": {}, "A": {}, "THE": {}, "BUY": {}, "SELL": {}, "OF": {}, "AND": {},
		"FOR": {}, "TO": {}, "IN": {}, "ON": {}, "MY": {}, "IS": {}, "IT": {},
		"DO": {}, "ME": {}, "RISK": {}, "STOCK": {},
	}
)

// Classify 用关键词与正则从自由文本中提取意图与实体。
func (c *RuleClassifier) Classify(_ context.Context, correlationID, query string, profile Profile) (*ClassifiedRequest, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, xerrors.New(xerrors.CodeValidationFailed, "请求文本不能为空")
	}

	result := &ClassifiedRequest{
		CorrelationID: correlationID,
		Query:         trimmed,
		Profile:       profile,
	}
	lower := strings.ToLower(trimmed)

	if containsAny(lower, marketKeywords) {
		result.Analyses = append(result.Analyses, capability.KindMarketAnalysis)
	}
	if containsAny(lower, riskKeywords) {
		result.Analyses = append(result.Analyses, capability.KindRiskAssessment)
	}

	result.Symbols = extractSymbols(trimmed)
	result.Actions = extractActions(lower)

	// 交易意图：出现明确的买卖方向即视为交易请求；
	// 标的与数量缺失时仍产出意图，由规划器决定是否拒绝。
	if len(result.Actions) == 1 {
		order := &capability.Order{Action: result.Actions[0]}
		if len(result.Symbols) == 1 {
			order.Symbol = result.Symbols[0]
		}
		if match := quantityPattern.FindStringSubmatch(trimmed); match != nil {
			if qty, err := strconv.Atoi(match[1]); err == nil {
				order.Quantity = qty
			}
		}
		result.Trade = order
	} else if len(result.Actions) > 1 {
		// 多方向请求依旧产出占位意图，规划器据 Actions 拒绝。
		result.Trade = &capability.Order{}
	}

	return result, nil
}

func containsAny(text string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}

func extractSymbols(text string) []string {
	seen := make(map[string]struct{})
	var symbols []string
	for _, candidate := range tickerPattern.FindAllString(text, -1) {
		if _, stop := tickerStopwords[candidate]; stop {
			continue
		}
		if _, ok := seen[candidate]; ok {
			continue
		}
		seen[candidate] = struct{}{}
		symbols = append(symbols, candidate)
	}
	return symbols
}

func extractActions(lower string) []capability.TradeAction {
	var actions []capability.TradeAction
	if strings.Contains(lower, "buy") || strings.Contains(lower, "买入") {
		actions = append(actions, capability.ActionBuy)
	}
	if strings.Contains(lower, "sell") || strings.Contains(lower, "卖出") {
		actions = append(actions, capability.ActionSell)
	}
	return actions
}

var _ Client = (*RuleClassifier)(nil)
