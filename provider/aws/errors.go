package aws

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/aws/smithy-go"

	rerrors "slugger-infra/pkg/errors"
)

// Error codes retried by the executor. Everything else fails the operation.
var transientCodes = []string{
	"Throttling",
	"ThrottlingException",
	"ThrottledException",
	"TooManyRequestsException",
	"RequestLimitExceeded",
	"ServiceUnavailable",
	"ServiceUnavailableException",
	"InternalFailure",
	"InternalServerError",
	"ServiceException",
	"ResourceConflictException",
	"ResourceInUseException",
	"OperationAbortedException",
	"ConcurrentModification",
	"ConcurrentModificationException",
}

// Error codes meaning the resource does not exist.
var notFoundCodes = []string{
	"RepositoryNotFoundException",
	"NoSuchEntity",
	"ResourceNotFoundException",
	"TargetGroupNotFound",
	"RuleNotFound",
	"ListenerNotFound",
	"InvalidTarget",
}

// classify maps an SDK error onto the provider error taxonomy.
func classify(err error, resourceID, operation string) error {
	if err == nil {
		return nil
	}
	var typed interface{ Class() rerrors.Class }
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &rerrors.TransientProviderError{ResourceID: resourceID, Operation: operation, Reason: "Timeout", Err: err}
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return &rerrors.PermanentProviderError{ResourceID: resourceID, Operation: operation, ReasonCode: "Unknown", Err: err}
	}
	code := apiErr.ErrorCode()
	if isTransient(code, apiErr.ErrorMessage()) {
		return &rerrors.TransientProviderError{ResourceID: resourceID, Operation: operation, Reason: code, Err: err}
	}
	return &rerrors.PermanentProviderError{ResourceID: resourceID, Operation: operation, ReasonCode: code, Err: err}
}

func isTransient(code, message string) bool {
	if slices.Contains(transientCodes, code) {
		return true
	}
	// A role that was just created is not assumable by Lambda for a few
	// seconds.
	return code == "InvalidParameterValueException" && strings.Contains(message, "cannot be assumed")
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && slices.Contains(notFoundCodes, apiErr.ErrorCode())
}

// ignoreNotFound treats a missing resource as already destroyed.
func ignoreNotFound(err error) error {
	if isNotFound(err) {
		return nil
	}
	return err
}
