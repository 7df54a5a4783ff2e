package types

import "context"

type decisionKey struct{}

// ContextWithDecision 將路由決策放入 context，供執行器在呼叫模型端點前讀取
func ContextWithDecision(ctx context.Context, d RoutingDecision) context.Context {
	return context.WithValue(ctx, decisionKey{}, d)
}

// DecisionFromContext 取出路由決策
func DecisionFromContext(ctx context.Context) (RoutingDecision, bool) {
	d, ok := ctx.Value(decisionKey{}).(RoutingDecision)
	return d, ok
}

// 跨行程分派（nexus / hive）時，路由決策以保留參數鍵隨任務傳遞
const (
	ParamRouteTarget   = "_route_target"
	ParamRouteModel    = "_route_model"
	ParamRouteProvider = "_route_provider"
)

// AttachDecision 將決策寫入參數表（原地修改）
func AttachDecision(params map[string]string, d RoutingDecision) {
	params[ParamRouteTarget] = string(d.Target)
	params[ParamRouteModel] = d.ModelName
	params[ParamRouteProvider] = d.Provider
}

// DecisionFromParams 還原 AttachDecision 寫入的決策
func DecisionFromParams(params map[string]string) (RoutingDecision, bool) {
	target, ok := params[ParamRouteTarget]
	if !ok || target == "" {
		return RoutingDecision{}, false
	}
	return RoutingDecision{
		Target:    Target(target),
		ModelName: params[ParamRouteModel],
		Provider:  params[ParamRouteProvider],
		IsPaid:    Target(target) == TargetCloud,
		Reason:    "forwarded",
	}, true
}

// IsRouteParam 是否為保留的路由參數鍵
func IsRouteParam(key string) bool {
	return key == ParamRouteTarget || key == ParamRouteModel || key == ParamRouteProvider
}
