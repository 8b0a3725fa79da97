package service

import (
	"context"

	"github.com/go-kratos/kratos/v2/transport/http"
)

const (
	OperationTranscriptionServiceCreateSession          = "/transcription.v1.TranscriptionService/CreateSession"
	OperationTranscriptionServiceGetSession             = "/transcription.v1.TranscriptionService/GetSession"
	OperationTranscriptionServiceGetTranscript          = "/transcription.v1.TranscriptionService/GetTranscript"
	OperationTranscriptionServiceDeleteSession          = "/transcription.v1.TranscriptionService/DeleteSession"
	OperationTranscriptionServiceStartTranscription     = "/transcription.v1.TranscriptionService/StartTranscription"
	OperationTranscriptionServiceRetry                  = "/transcription.v1.TranscriptionService/Retry"
	OperationTranscriptionServiceRequestReupload        = "/transcription.v1.TranscriptionService/RequestReupload"
	OperationTranscriptionServiceRequestRetranscription = "/transcription.v1.TranscriptionService/RequestRetranscription"
)

// TranscriptionServiceHTTPServer 会话生命周期 HTTP 接口
type TranscriptionServiceHTTPServer interface {
	CreateSession(context.Context, *CreateSessionRequest) (*SessionReply, error)
	GetSession(context.Context, *SessionIDRequest) (*SessionReply, error)
	GetTranscript(context.Context, *SessionIDRequest) (*TranscriptReply, error)
	DeleteSession(context.Context, *DeleteSessionRequest) (*EmptyReply, error)
	StartTranscription(context.Context, *StartTranscriptionRequest) (*SessionReply, error)
	Retry(context.Context, *SessionIDRequest) (*RetryReply, error)
	RequestReupload(context.Context, *SessionIDRequest) (*SessionReply, error)
	RequestRetranscription(context.Context, *RetranscribeRequest) (*RetranscribeReply, error)
}

// RegisterTranscriptionServiceHTTPServer 注册 HTTP 路由
func RegisterTranscriptionServiceHTTPServer(s *http.Server, srv TranscriptionServiceHTTPServer) {
	r := s.Route("/")
	r.POST("/v1/sessions", _TranscriptionService_CreateSession_HTTP_Handler(srv))
	r.GET("/v1/sessions/{id}", _TranscriptionService_GetSession_HTTP_Handler(srv))
	r.GET("/v1/sessions/{id}/transcript", _TranscriptionService_GetTranscript_HTTP_Handler(srv))
	r.DELETE("/v1/sessions/{id}", _TranscriptionService_DeleteSession_HTTP_Handler(srv))
	r.POST("/v1/sessions/{id}/transcribe", _TranscriptionService_StartTranscription_HTTP_Handler(srv))
	r.POST("/v1/sessions/{id}/retry", _TranscriptionService_Retry_HTTP_Handler(srv))
	r.POST("/v1/sessions/{id}/reupload", _TranscriptionService_RequestReupload_HTTP_Handler(srv))
	r.POST("/v1/sessions/{id}/retranscribe", _TranscriptionService_RequestRetranscription_HTTP_Handler(srv))
}

func _TranscriptionService_CreateSession_HTTP_Handler(srv TranscriptionServiceHTTPServer) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		var in CreateSessionRequest
		if err := ctx.Bind(&in); err != nil {
			return err
		}
		http.SetOperation(ctx, OperationTranscriptionServiceCreateSession)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.CreateSession(ctx, req.(*CreateSessionRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		reply := out.(*SessionReply)
		return ctx.Result(200, reply)
	}
}

func _TranscriptionService_GetSession_HTTP_Handler(srv TranscriptionServiceHTTPServer) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		var in SessionIDRequest
		if err := ctx.BindQuery(&in); err != nil {
			return err
		}
		if err := ctx.BindVars(&in); err != nil {
			return err
		}
		http.SetOperation(ctx, OperationTranscriptionServiceGetSession)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.GetSession(ctx, req.(*SessionIDRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		reply := out.(*SessionReply)
		return ctx.Result(200, reply)
	}
}

func _TranscriptionService_GetTranscript_HTTP_Handler(srv TranscriptionServiceHTTPServer) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		var in SessionIDRequest
		if err := ctx.BindQuery(&in); err != nil {
			return err
		}
		if err := ctx.BindVars(&in); err != nil {
			return err
		}
		http.SetOperation(ctx, OperationTranscriptionServiceGetTranscript)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.GetTranscript(ctx, req.(*SessionIDRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		reply := out.(*TranscriptReply)
		return ctx.Result(200, reply)
	}
}

func _TranscriptionService_DeleteSession_HTTP_Handler(srv TranscriptionServiceHTTPServer) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		var in DeleteSessionRequest
		if err := ctx.BindQuery(&in); err != nil {
			return err
		}
		if err := ctx.BindVars(&in); err != nil {
			return err
		}
		http.SetOperation(ctx, OperationTranscriptionServiceDeleteSession)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.DeleteSession(ctx, req.(*DeleteSessionRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		reply := out.(*EmptyReply)
		return ctx.Result(200, reply)
	}
}

func _TranscriptionService_StartTranscription_HTTP_Handler(srv TranscriptionServiceHTTPServer) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		var in StartTranscriptionRequest
		if err := ctx.Bind(&in); err != nil {
			return err
		}
		if err := ctx.BindVars(&in); err != nil {
			return err
		}
		http.SetOperation(ctx, OperationTranscriptionServiceStartTranscription)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.StartTranscription(ctx, req.(*StartTranscriptionRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		reply := out.(*SessionReply)
		return ctx.Result(200, reply)
	}
}

func _TranscriptionService_Retry_HTTP_Handler(srv TranscriptionServiceHTTPServer) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		var in SessionIDRequest
		if err := ctx.Bind(&in); err != nil {
			return err
		}
		if err := ctx.BindVars(&in); err != nil {
			return err
		}
		http.SetOperation(ctx, OperationTranscriptionServiceRetry)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.Retry(ctx, req.(*SessionIDRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		reply := out.(*RetryReply)
		return ctx.Result(200, reply)
	}
}

func _TranscriptionService_RequestReupload_HTTP_Handler(srv TranscriptionServiceHTTPServer) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		var in SessionIDRequest
		if err := ctx.Bind(&in); err != nil {
			return err
		}
		if err := ctx.BindVars(&in); err != nil {
			return err
		}
		http.SetOperation(ctx, OperationTranscriptionServiceRequestReupload)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.RequestReupload(ctx, req.(*SessionIDRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		reply := out.(*SessionReply)
		return ctx.Result(200, reply)
	}
}

func _TranscriptionService_RequestRetranscription_HTTP_Handler(srv TranscriptionServiceHTTPServer) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		var in RetranscribeRequest
		if err := ctx.Bind(&in); err != nil {
			return err
		}
		if err := ctx.BindVars(&in); err != nil {
			return err
		}
		http.SetOperation(ctx, OperationTranscriptionServiceRequestRetranscription)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.RequestRetranscription(ctx, req.(*RetranscribeRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		reply := out.(*RetranscribeReply)
		return ctx.Result(200, reply)
	}
}
