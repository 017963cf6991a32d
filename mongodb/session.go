package mongodb

import (
	"context"
	"strconv"

	"github.com/likearthian/docstore"
	"go.mongodb.org/mongo-driver/mongo"
	mongoOptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// Session wraps a driver session. The driver does not expose whether a
// transaction is running, so the wrapper tracks it.
type Session struct {
	sess  mongo.Session
	inTxn bool
}

var _ docstore.Session = (*Session)(nil)

func (s *Session) StartTransaction(ctx context.Context, opts docstore.TransactionOptions) error {
	if err := s.sess.StartTransaction(transactionOptions(opts)); err != nil {
		return wrapMongoError(err)
	}

	s.inTxn = true
	return nil
}

func (s *Session) CommitTransaction(ctx context.Context) error {
	s.inTxn = false
	return wrapMongoError(s.sess.CommitTransaction(ctx))
}

func (s *Session) AbortTransaction(ctx context.Context) error {
	s.inTxn = false
	return wrapMongoError(s.sess.AbortTransaction(ctx))
}

func (s *Session) InTransaction() bool {
	return s.inTxn
}

func (s *Session) EndSession(ctx context.Context) {
	s.inTxn = false
	s.sess.EndSession(ctx)
}

// sessionContext turns the docstore session carried by ctx into the
// driver's session context, so collection calls run inside it.
func sessionContext(ctx context.Context) context.Context {
	s, ok := docstore.SessionFromContext(ctx).(*Session)
	if !ok {
		return ctx
	}

	return mongo.NewSessionContext(ctx, s.sess)
}

func transactionOptions(opts docstore.TransactionOptions) *mongoOptions.TransactionOptions {
	txnOpts := mongoOptions.Transaction()
	if opts.ReadConcern != "" {
		txnOpts.SetReadConcern(readconcern.New(readconcern.Level(opts.ReadConcern)))
	}
	if wc := writeConcern(opts.WriteConcern); wc != nil {
		txnOpts.SetWriteConcern(wc)
	}
	if opts.MaxCommitTime > 0 {
		mct := opts.MaxCommitTime
		txnOpts.SetMaxCommitTime(&mct)
	}

	return txnOpts
}

// writeConcern maps "majority", a node count or a tag set name onto a
// driver write concern.
func writeConcern(w string) *writeconcern.WriteConcern {
	switch w {
	case "":
		return nil
	case docstore.WriteConcernMajority:
		return writeconcern.New(writeconcern.WMajority())
	}

	if n, err := strconv.Atoi(w); err == nil {
		return writeconcern.New(writeconcern.W(n))
	}

	return writeconcern.New(writeconcern.WTagSet(w))
}
