package sefaz

import (
	"context"

	"github.com/google/uuid"
)

// Document is one invoice-distribution document returned by DistDFe.
type Document struct {
	NSU    int64
	Schema string
	XML    []byte
}

// Batch is one page of the distribution feed. NextCursor is the NSU to
// resume from; Done means the feed reported no documents past it.
type Batch struct {
	Documents  []Document
	NextCursor int64
	Done       bool
}

// Client is the SEFAZ DistDFe fetch contract. The SOAP/XML details live
// with the implementation owned by the surrounding application; this core
// only consumes the batch/cursor semantics and the error text, which may
// carry the cStat 656 block signature.
type Client interface {
	FetchBatch(ctx context.Context, companyID uuid.UUID, cursor int64) (*Batch, error)
}
