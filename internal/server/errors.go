package server

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"StakeLedger/internal/accounting"
	"StakeLedger/internal/address"
	"StakeLedger/internal/epoch"
	"StakeLedger/internal/ingestion"
	"StakeLedger/internal/ledger"
	"StakeLedger/internal/persistence"
	"StakeLedger/internal/query"
)

// statusCode maps domain errors to gRPC codes.
func statusCode(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, persistence.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, address.ErrInvalidPublicKey),
		errors.Is(err, epoch.ErrInvalidTimestamp),
		errors.Is(err, ingestion.ErrUnknownEventType):
		return codes.InvalidArgument
	case errors.Is(err, query.ErrCustodyUnavailable),
		errors.Is(err, accounting.ErrInternalInconsistency),
		errors.Is(err, ledger.ErrUnlockTooEarly),
		errors.Is(err, ledger.ErrAlreadyUnlocking),
		errors.Is(err, ledger.ErrNotWithdrawable),
		errors.Is(err, ledger.ErrInvalidTransition):
		return codes.FailedPrecondition
	case errors.Is(err, ledger.ErrLedgerFull):
		return codes.ResourceExhausted
	case errors.Is(err, ledger.ErrBadDiscriminant),
		errors.Is(err, ledger.ErrTruncatedInput),
		errors.Is(err, ledger.ErrCorruptPosition):
		return codes.DataLoss
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// toStatus converts err into a gRPC status error. Errors that already carry
// a status pass through.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(statusCode(err), err.Error())
}
