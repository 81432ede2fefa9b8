package api

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/swoon/internal/call"
	"github.com/matheus3301/swoon/internal/identity"
	"github.com/matheus3301/swoon/internal/permission"
	"github.com/matheus3301/swoon/internal/status"
	"github.com/matheus3301/swoon/internal/store"
)

const (
	errorDomain     = "swoon"
	reasonPlanLimit = "PLAN_LIMIT"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateRequest rejects a malformed request with InvalidArgument naming
// the first offending field.
func validateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if errors.As(err, &fields) && len(fields) > 0 {
		f := fields[0]
		if f.Param() != "" {
			return grpcstatus.Errorf(codes.InvalidArgument, "%s: failed %s=%s", f.Field(), f.Tag(), f.Param())
		}
		return grpcstatus.Errorf(codes.InvalidArgument, "%s: failed %s", f.Field(), f.Tag())
	}
	return grpcstatus.Errorf(codes.InvalidArgument, "invalid request: %v", err)
}

// toStatus maps a domain error onto a gRPC status.
func toStatus(op string, err error) error {
	var limit *permission.PlanLimitError
	if errors.As(err, &limit) {
		st := grpcstatus.Newf(codes.FailedPrecondition, "%s: %v", op, err)
		withInfo, derr := st.WithDetails(&errdetails.ErrorInfo{
			Reason: reasonPlanLimit,
			Domain: errorDomain,
			Metadata: map[string]string{
				"category":      limit.Category,
				"required_plan": limit.RequiredPlan,
			},
		})
		if derr != nil {
			return st.Err()
		}
		return withInfo.Err()
	}

	var media *call.MediaError
	code := codes.Internal
	switch {
	case errors.Is(err, call.ErrNoActiveCall),
		errors.Is(err, call.ErrCallMismatch),
		errors.Is(err, call.ErrCallInProgress),
		errors.Is(err, call.ErrNotSignedIn),
		errors.Is(err, call.ErrNoParticipant),
		errors.Is(err, status.ErrInvalidTransition):
		code = codes.FailedPrecondition
	case errors.Is(err, identity.ErrMissingUser),
		errors.Is(err, identity.ErrUserMismatch),
		errors.Is(err, identity.ErrTokenExpired):
		code = codes.Unauthenticated
	case errors.Is(err, jwt.ErrTokenMalformed):
		code = codes.InvalidArgument
	case errors.Is(err, store.ErrNotFound):
		code = codes.NotFound
	case errors.As(err, &media):
		code = codes.Unavailable
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}

// PlanLimitFromError recovers the plan limit carried by a FailedPrecondition
// status returned from the daemon.
func PlanLimitFromError(err error) (*permission.PlanLimitError, bool) {
	st, ok := grpcstatus.FromError(err)
	if !ok || st.Code() != codes.FailedPrecondition {
		return nil, false
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetReason() != reasonPlanLimit {
			continue
		}
		md := info.GetMetadata()
		return &permission.PlanLimitError{Category: md["category"], RequiredPlan: md["required_plan"]}, true
	}
	return nil, false
}
