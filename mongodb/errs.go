package mongodb

import (
	"errors"
	"fmt"

	"github.com/likearthian/docstore"
	"go.mongodb.org/mongo-driver/mongo"
)

// codeWriteConflict is the server error code for WriteConflict.
const codeWriteConflict = 112

const labelTransientTransaction = "TransientTransactionError"

func wrapMongoError(err error) error {
	if err == nil {
		return nil
	}

	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w. %s", docstore.ErrKeyAlreadyExists, err.Error())
	}

	if isWriteConflict(err) {
		return fmt.Errorf("%w. %s", docstore.ErrWriteConflict, err.Error())
	}

	errMap := map[error]error{
		mongo.ErrNoDocuments: docstore.ErrKeynotFound,
	}

	for g, e := range errMap {
		if errors.Is(err, g) {
			err = fmt.Errorf("%w. %s", e, err.Error())
		}
	}

	return err
}

// isWriteConflict reports whether err is a write conflict or another error
// the server labels as safe to retry with a new transaction.
func isWriteConflict(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code == codeWriteConflict || cmdErr.HasErrorLabel(labelTransientTransaction)
	}

	var writeErr mongo.WriteException
	if errors.As(err, &writeErr) {
		if writeErr.HasErrorLabel(labelTransientTransaction) {
			return true
		}
		for _, we := range writeErr.WriteErrors {
			if we.Code == codeWriteConflict {
				return true
			}
		}
		return false
	}

	var bulkErr mongo.BulkWriteException
	if errors.As(err, &bulkErr) {
		if bulkErr.HasErrorLabel(labelTransientTransaction) {
			return true
		}
		for _, we := range bulkErr.WriteErrors {
			if we.Code == codeWriteConflict {
				return true
			}
		}
	}

	return false
}
