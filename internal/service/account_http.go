package service

import (
	"context"

	"github.com/go-kratos/kratos/v2/transport/http"
)

const (
	OperationAccountServiceCreateOwner     = "/transcription.v1.AccountService/CreateOwner"
	OperationAccountServiceGetOwner        = "/transcription.v1.AccountService/GetOwner"
	OperationAccountServiceChangePlan      = "/transcription.v1.AccountService/ChangePlan"
	OperationAccountServiceDeleteOwner     = "/transcription.v1.AccountService/DeleteOwner"
	OperationAccountServiceCreateClient    = "/transcription.v1.AccountService/CreateClient"
	OperationAccountServiceDeleteClient    = "/transcription.v1.AccountService/DeleteClient"
	OperationAccountServiceGetUsageSummary = "/transcription.v1.AccountService/GetUsageSummary"
	OperationAccountServiceGetUsageHistory = "/transcription.v1.AccountService/GetUsageHistory"
	OperationAccountServiceListUsageLogs   = "/transcription.v1.AccountService/ListUsageLogs"
	OperationAccountServiceValidateAction  = "/transcription.v1.AccountService/ValidateAction"
)

// AccountServiceHTTPServer 账户与用量 HTTP 接口
type AccountServiceHTTPServer interface {
	CreateOwner(context.Context, *CreateOwnerRequest) (*OwnerReply, error)
	GetOwner(context.Context, *OwnerIDRequest) (*OwnerReply, error)
	ChangePlan(context.Context, *ChangePlanRequest) (*OwnerReply, error)
	DeleteOwner(context.Context, *OwnerIDRequest) (*EmptyReply, error)
	CreateClient(context.Context, *CreateClientRequest) (*ClientReply, error)
	DeleteClient(context.Context, *ClientIDRequest) (*EmptyReply, error)
	GetUsageSummary(context.Context, *OwnerIDRequest) (*UsageSummaryReply, error)
	GetUsageHistory(context.Context, *UsageHistoryRequest) (*UsageHistoryReply, error)
	ListUsageLogs(context.Context, *ListUsageLogsRequest) (*ListUsageLogsReply, error)
	ValidateAction(context.Context, *ValidateActionRequest) (*ValidateActionReply, error)
}

// RegisterAccountServiceHTTPServer 注册 HTTP 路由
func RegisterAccountServiceHTTPServer(s *http.Server, srv AccountServiceHTTPServer) {
	r := s.Route("/")
	r.POST("/v1/owners", _AccountService_CreateOwner_HTTP_Handler(srv))
	r.GET("/v1/owners/{id}", _AccountService_GetOwner_HTTP_Handler(srv))
	r.PUT("/v1/owners/{id}/plan", _AccountService_ChangePlan_HTTP_Handler(srv))
	r.DELETE("/v1/owners/{id}", _AccountService_DeleteOwner_HTTP_Handler(srv))
	r.POST("/v1/owners/{id}/clients", _AccountService_CreateClient_HTTP_Handler(srv))
	r.DELETE("/v1/clients/{id}", _AccountService_DeleteClient_HTTP_Handler(srv))
	r.GET("/v1/owners/{id}/usage", _AccountService_GetUsageSummary_HTTP_Handler(srv))
	r.GET("/v1/owners/{id}/usage/history", _AccountService_GetUsageHistory_HTTP_Handler(srv))
	r.GET("/v1/owners/{id}/usage/logs", _AccountService_ListUsageLogs_HTTP_Handler(srv))
	r.POST("/v1/owners/{id}/validate", _AccountService_ValidateAction_HTTP_Handler(srv))
}

func _AccountService_CreateOwner_HTTP_Handler(srv AccountServiceHTTPServer) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		var in CreateOwnerRequest
		if err := ctx.Bind(&in); err != nil {
			return err
		}
		http.SetOperation(ctx, OperationAccountServiceCreateOwner)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.CreateOwner(ctx, req.(*CreateOwnerRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		reply := out.(*OwnerReply)
		return ctx.Result(200, reply)
	}
}

func _AccountService_GetOwner_HTTP_Handler(srv AccountServiceHTTPServer) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		var in OwnerIDRequest
		if err := ctx.BindQuery(&in); err != nil {
			return err
		}
		if err := ctx.BindVars(&in); err != nil {
			return err
		}
		http.SetOperation(ctx, OperationAccountServiceGetOwner)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.GetOwner(ctx, req.(*OwnerIDRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		reply := out.(*OwnerReply)
		return ctx.Result(200, reply)
	}
}

func _AccountService_ChangePlan_HTTP_Handler(srv AccountServiceHTTPServer) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		var in ChangePlanRequest
		if err := ctx.Bind(&in); err != nil {
			return err
		}
		if err := ctx.BindVars(&in); err != nil {
			return err
		}
		http.SetOperation(ctx, OperationAccountServiceChangePlan)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.ChangePlan(ctx, req.(*ChangePlanRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		reply := out.(*OwnerReply)
		return ctx.Result(200, reply)
	}
}

func _AccountService_DeleteOwner_HTTP_Handler(srv AccountServiceHTTPServer) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		var in OwnerIDRequest
		if err := ctx.BindQuery(&in); err != nil {
			return err
		}
		if err := ctx.BindVars(&in); err != nil {
			return err
		}
		http.SetOperation(ctx, OperationAccountServiceDeleteOwner)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.DeleteOwner(ctx, req.(*OwnerIDRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		reply := out.(*EmptyReply)
		return ctx.Result(200, reply)
	}
}

func _AccountService_CreateClient_HTTP_Handler(srv AccountServiceHTTPServer) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		var in CreateClientRequest
		if err := ctx.Bind(&in); err != nil {
			return err
		}
		if err := ctx.BindVars(&in); err != nil {
			return err
		}
		http.SetOperation(ctx, OperationAccountServiceCreateClient)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.CreateClient(ctx, req.(*CreateClientRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		reply := out.(*ClientReply)
		return ctx.Result(200, reply)
	}
}

func _AccountService_DeleteClient_HTTP_Handler(srv AccountServiceHTTPServer) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		var in ClientIDRequest
		if err := ctx.BindQuery(&in); err != nil {
			return err
		}
		if err := ctx.BindVars(&in); err != nil {
			return err
		}
		http.SetOperation(ctx, OperationAccountServiceDeleteClient)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.DeleteClient(ctx, req.(*ClientIDRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		reply := out.(*EmptyReply)
		return ctx.Result(200, reply)
	}
}

func _AccountService_GetUsageSummary_HTTP_Handler(srv AccountServiceHTTPServer) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		var in OwnerIDRequest
		if err := ctx.BindQuery(&in); err != nil {
			return err
		}
		if err := ctx.BindVars(&in); err != nil {
			return err
		}
		http.SetOperation(ctx, OperationAccountServiceGetUsageSummary)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.GetUsageSummary(ctx, req.(*OwnerIDRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		reply := out.(*UsageSummaryReply)
		return ctx.Result(200, reply)
	}
}

func _AccountService_GetUsageHistory_HTTP_Handler(srv AccountServiceHTTPServer) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		var in UsageHistoryRequest
		if err := ctx.BindQuery(&in); err != nil {
			return err
		}
		if err := ctx.BindVars(&in); err != nil {
			return err
		}
		http.SetOperation(ctx, OperationAccountServiceGetUsageHistory)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.GetUsageHistory(ctx, req.(*UsageHistoryRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		reply := out.(*UsageHistoryReply)
		return ctx.Result(200, reply)
	}
}

func _AccountService_ListUsageLogs_HTTP_Handler(srv AccountServiceHTTPServer) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		var in ListUsageLogsRequest
		if err := ctx.BindQuery(&in); err != nil {
			return err
		}
		if err := ctx.BindVars(&in); err != nil {
			return err
		}
		http.SetOperation(ctx, OperationAccountServiceListUsageLogs)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.ListUsageLogs(ctx, req.(*ListUsageLogsRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		reply := out.(*ListUsageLogsReply)
		return ctx.Result(200, reply)
	}
}

func _AccountService_ValidateAction_HTTP_Handler(srv AccountServiceHTTPServer) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		var in ValidateActionRequest
		if err := ctx.Bind(&in); err != nil {
			return err
		}
		if err := ctx.BindVars(&in); err != nil {
			return err
		}
		http.SetOperation(ctx, OperationAccountServiceValidateAction)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.ValidateAction(ctx, req.(*ValidateActionRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		reply := out.(*ValidateActionReply)
		return ctx.Result(200, reply)
	}
}
