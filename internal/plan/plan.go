package plan

import (
	"fmt"

	"A2A-Advisory/internal/capability"
	xerrors "A2A-Advisory/internal/errors"
	"A2A-Advisory/internal/intent"
)

// Task 是执行计划中的一个节点。DependsOn 为空表示可以立即并发起跑；
// 交易执行节点依赖计划内全部分析节点，并且必须经过确认门。
type Task struct {
	Capability           capability.Kind
	DependsOn            []capability.Kind
	RequiresConfirmation bool
}

// Plan 是从一次已分类请求推导出的任务集合。分析任务彼此独立；
// 每种能力在计划中至多出现一次。
type Plan struct {
	CorrelationID string
	Query         string
	Profile       intent.Profile
	Tasks         []Task
	Trade         *capability.Order
}

// AnalysisTasks 返回计划中的分析类任务。
func (p *Plan) AnalysisTasks() []Task {
	var tasks []Task
	for _, task := range p.Tasks {
		if task.Capability.IsAnalysis() {
			tasks = append(tasks, task)
		}
	}
	return tasks
}

// TradeTask 返回交易执行任务，不存在时返回 nil。
func (p *Plan) TradeTask() *Task {
	for i := range p.Tasks {
		if p.Tasks[i].Capability == capability.KindTradeExecution {
			return &p.Tasks[i]
		}
	}
	return nil
}

// Build 把已分类请求转换为执行计划。纯函数，无副作用。
//
// 校验规则：多标的或多方向的请求直接拒绝，绝不静默截断；交易意图必须
// 带齐标的、方向与正数数量。分析意图只作为交易任务的先后顺序约束，
// 不是提供确认的前置条件：分析失败会以降级标记呈现，确认照常发起。
func Build(req *intent.ClassifiedRequest) (*Plan, error) {
	if req == nil {
		return nil, xerrors.New(xerrors.CodeValidationFailed, "缺少已分类请求")
	}
	if len(req.Symbols) > 1 {
		return nil, xerrors.New(xerrors.CodeValidationFailed,
			fmt.Sprintf("请求包含多个标的 %v，请拆分后重试", req.Symbols))
	}
	if len(req.Actions) > 1 {
		return nil, xerrors.New(xerrors.CodeValidationFailed, "请求同时包含买入与卖出意图")
	}

	p := &Plan{
		CorrelationID: req.CorrelationID,
		Query:         req.Query,
		Profile:       req.Profile,
	}

	seen := make(map[capability.Kind]struct{})
	var analysisKinds []capability.Kind
	for _, kind := range req.Analyses {
		if !kind.IsAnalysis() {
			return nil, xerrors.New(xerrors.CodeValidationFailed,
				fmt.Sprintf("意图 %s 不是分析类能力", kind))
		}
		if _, ok := seen[kind]; ok {
			continue
		}
		seen[kind] = struct{}{}
		analysisKinds = append(analysisKinds, kind)
		p.Tasks = append(p.Tasks, Task{Capability: kind})
	}

	if req.Trade != nil {
		order := *req.Trade
		if order.Symbol == "" {
			return nil, xerrors.New(xerrors.CodeValidationFailed, "交易请求缺少标的代码")
		}
		if !capability.IsValidAction(order.Action) {
			return nil, xerrors.New(xerrors.CodeValidationFailed, "交易方向必须为 buy 或 sell")
		}
		if order.Quantity <= 0 {
			return nil, xerrors.New(xerrors.CodeValidationFailed, "交易数量必须为正数")
		}
		if order.LimitPrice != nil && *order.LimitPrice <= 0 {
			return nil, xerrors.New(xerrors.CodeValidationFailed, "限价必须为正数")
		}
		p.Trade = &order
		p.Tasks = append(p.Tasks, Task{
			Capability:           capability.KindTradeExecution,
			DependsOn:            analysisKinds,
			RequiresConfirmation: true,
		})
	}

	if len(p.Tasks) == 0 {
		return nil, xerrors.New(xerrors.CodeValidationFailed,
			"无法从请求中识别出任何分析或交易意图")
	}
	return p, nil
}
