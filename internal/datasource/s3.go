// The s3 source: an identity-credentialed object-storage mirror of
// contiguous data, keyed by id. Uses aws-sdk-go-v2/service/s3 (a direct
// dependency in dolthub-dolt's go.mod) — s3.GetObject with a Range
// header is the SDK's documented ranged-read form.
package datasource

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ar-io/gateway-node/internal/gwerr"
)

// S3API is the subset of the S3 client this source calls; the interface
// exists so tests can stub object storage without a network.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads contiguous data from an object-storage mirror. Objects
// are stored under their id; bytes from the mirror are trusted (the
// operator populated the bucket) but never verified here.
type S3Source struct {
	Client S3API
	Bucket string
	// Prefix is prepended to the id to form the object key.
	Prefix string
}

func (s *S3Source) Name() string { return "s3" }

func (s *S3Source) GetData(ctx context.Context, req Request) (*Result, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + req.ID.String()),
	}
	if req.Region != nil {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-%d",
			req.Region.Offset, req.Region.Offset+req.Region.Size-1))
	}

	out, err := s.Client.GetObject(ctx, input)
	if err != nil {
		return nil, gwerr.NotFound("datasource.s3", err)
	}

	res := &Result{
		Reader:  out.Body,
		Trusted: true,
	}
	if out.ContentLength != nil {
		res.Size = *out.ContentLength
	}
	if out.ContentType != nil {
		res.ContentType = *out.ContentType
	}
	return res, nil
}
