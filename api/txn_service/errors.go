package txnservice

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/gojotxn/core/cluster"
	"github.com/sushant-115/gojotxn/core/transaction"
)

// finalStatusSep appends the final status of a finished transaction to the
// status message; status details would need protobuf messages.
const finalStatusSep = "|final="

var codeMap = map[transaction.Code]codes.Code{
	transaction.CodeNotFound:                       codes.NotFound,
	transaction.CodeLocked:                         codes.Aborted,
	transaction.CodeDisallowedOperation:            codes.FailedPrecondition,
	transaction.CodeFollowerCommitAlreadyPerformed: codes.DataLoss,
	transaction.CodeShuttingDown:                   codes.Unavailable,
	transaction.CodePermissionDenied:               codes.PermissionDenied,
	transaction.CodeAlreadyExists:                  codes.AlreadyExists,
	transaction.CodeInternal:                       codes.Internal,
}

// toStatus converts a manager error into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	if errors.Is(err, cluster.ErrNotLeader) {
		return status.Error(codes.Unavailable, err.Error())
	}
	var te *transaction.Error
	if !errors.As(err, &te) {
		return status.Error(codes.Unknown, err.Error())
	}
	c, ok := codeMap[te.Code]
	if !ok {
		c = codes.Unknown
	}
	msg := te.Msg
	if te.FinalStatus != transaction.StatusUndefined {
		msg += finalStatusSep + strconv.Itoa(int(te.FinalStatus))
	}
	return status.Error(c, msg)
}

// fromStatus turns a gRPC status error back into a manager error so callers
// can keep using transaction.CodeOf and errors.Is.
func fromStatus(err error, id transaction.ID) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var code transaction.Code
	for tc, gc := range codeMap {
		if gc == st.Code() {
			code = tc
			break
		}
	}
	if code == 0 {
		return err
	}
	msg, final := splitFinal(st.Message())
	return &transaction.Error{Code: code, ID: id, FinalStatus: final, Msg: msg}
}

func splitFinal(msg string) (string, transaction.Status) {
	i := strings.LastIndex(msg, finalStatusSep)
	if i < 0 {
		return msg, transaction.StatusUndefined
	}
	n, err := strconv.Atoi(msg[i+len(finalStatusSep):])
	if err != nil {
		return msg, transaction.StatusUndefined
	}
	return msg[:i], transaction.Status(n)
}
