package dynamo

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/sony/gobreaker"

	"github.com/jacentio/activities/store"
)

const codeConditionalCheckFailed = "ConditionalCheckFailed"

// transientCodes are DynamoDB error codes worth one retry.
var transientCodes = map[string]bool{
	"ThrottlingException":                    true,
	"ProvisionedThroughputExceededException": true,
	"RequestLimitExceeded":                   true,
	"InternalServerError":                    true,
	"ServiceUnavailable":                     true,
	"TransactionConflictException":           true,
	"TransactionInProgressException":         true,
	"LimitExceededException":                 true,
}

// mapError translates DynamoDB and breaker errors onto the store sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", store.ErrStoreUnavailable, err)
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if reason.Code != nil && *reason.Code == codeConditionalCheckFailed {
				return &store.ConditionFailedError{Index: i}
			}
		}
		for _, reason := range txErr.CancellationReasons {
			if reason.Code != nil && (*reason.Code == "ThrottlingError" || *reason.Code == "TransactionConflict") {
				return fmt.Errorf("%w: %w", store.ErrStoreUnavailable, err)
			}
		}
		return err
	}

	if isTransient(err) {
		return fmt.Errorf("%w: %w", store.ErrStoreUnavailable, err)
	}
	return err
}

func isTransient(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return transientCodes[apiErr.ErrorCode()] || apiErr.ErrorFault() == smithy.FaultServer
}

// isSuccessful decides which results count against the breaker.
// Condition failures and caller cancellation say nothing about table health.
func isSuccessful(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for _, reason := range txErr.CancellationReasons {
			if reason.Code != nil && *reason.Code == codeConditionalCheckFailed {
				return true
			}
		}
	}
	var condErr *types.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}
