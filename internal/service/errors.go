package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"

	"transcription-service/internal/biz"
	transcriptionErrors "transcription-service/internal/errors"

	pkgErrors "github.com/gaoyong06/go-pkg/errors"
	"github.com/go-kratos/kratos/v2/errors"
)

const (
	reasonSessionNotFound   = "SESSION_NOT_FOUND"
	reasonOwnerNotFound     = "OWNER_NOT_FOUND"
	reasonClientNotFound    = "CLIENT_NOT_FOUND"
	reasonSessionState      = "SESSION_STATE_CONFLICT"
	reasonPlanLimitExceeded = "PLAN_LIMIT_EXCEEDED"
	reasonIntegrity         = "INTEGRITY_VIOLATION"
	reasonInvalidArgument   = "INVALID_ARGUMENT"
	reasonNoProvider        = "NO_PROVIDER"
)

// toServiceError 领域错误转换为 kratos 错误，未识别的错误按 fallback 错误码包装
func toServiceError(ctx context.Context, err error, fallback int32) error {
	if err == nil {
		return nil
	}

	var stateErr *biz.SessionStateError
	var planErr *biz.PlanLimitExceeded
	var integrityErr *biz.IntegrityError
	var invalidErr *biz.InvalidArgumentError

	switch {
	case stderrors.Is(err, biz.ErrSessionNotFound):
		return errors.NotFound(reasonSessionNotFound, err.Error()).
			WithMetadata(codeMetadata(transcriptionErrors.ErrCodeSessionNotFound))
	case stderrors.Is(err, biz.ErrOwnerNotFound):
		return errors.NotFound(reasonOwnerNotFound, err.Error()).
			WithMetadata(codeMetadata(transcriptionErrors.ErrCodeOwnerNotFound))
	case stderrors.Is(err, biz.ErrClientNotFound):
		return errors.NotFound(reasonClientNotFound, err.Error()).
			WithMetadata(codeMetadata(transcriptionErrors.ErrCodeClientNotFound))
	case stderrors.As(err, &stateErr):
		md := codeMetadata(transcriptionErrors.ErrCodeSessionStateConflict)
		md["session_id"] = stateErr.SessionID
		md["status"] = string(stateErr.Status)
		md["action"] = stateErr.Action
		return errors.Conflict(reasonSessionState, err.Error()).WithMetadata(md)
	case stderrors.As(err, &planErr):
		md := codeMetadata(transcriptionErrors.ErrCodePlanLimitExceeded)
		if d := planErr.Decision; d != nil {
			md["reason"] = d.Reason
			md["plan_tier"] = d.PlanTier
			md["current"] = strconv.FormatFloat(d.Current, 'f', -1, 64)
			md["limit"] = strconv.FormatFloat(d.Limit, 'f', -1, 64)
			md["suggested_plan"] = d.SuggestedPlan
		}
		return errors.New(402, reasonPlanLimitExceeded, err.Error()).WithMetadata(md)
	case stderrors.As(err, &integrityErr):
		md := codeMetadata(transcriptionErrors.ErrCodeOwnerHasUsage)
		md["entity"] = integrityErr.Entity
		md["id"] = integrityErr.ID
		return errors.Conflict(reasonIntegrity, err.Error()).WithMetadata(md)
	case stderrors.As(err, &invalidErr):
		md := codeMetadata(transcriptionErrors.ErrCodeInvalidArgument)
		md["field"] = invalidErr.Field
		return errors.BadRequest(reasonInvalidArgument, err.Error()).WithMetadata(md)
	case stderrors.Is(err, biz.ErrNoProvider):
		return errors.ServiceUnavailable(reasonNoProvider, err.Error()).
			WithMetadata(codeMetadata(transcriptionErrors.ErrCodeNoProvider))
	}

	// 数据层已按错误码包装的业务错误原样返回
	var bizErr *errors.Error
	if stderrors.As(err, &bizErr) {
		return bizErr
	}
	return pkgErrors.WrapErrorWithLang(ctx, err, fallback)
}

func codeMetadata(code int) map[string]string {
	return map[string]string{"code": fmt.Sprintf("%d", code)}
}
