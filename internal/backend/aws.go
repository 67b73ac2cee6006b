package backend

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/skystore/skyproxy/internal/model"
	"github.com/skystore/skyproxy/pkg/errors"
)

// AWSAdapter is a thin pass-through adapter: AWS S3 natively supports every
// operation the orchestrator needs, so there is no emulation layer here,
// unlike GCS and Azure. Path-style addressing is forced so scratch buckets
// with dots in their names behave predictably.
type AWSAdapter struct {
	client    *s3.Client
	regionTag string
}

// NewAWSAdapter builds an adapter against the given endpoint (the local
// emulator when LOCAL=true, otherwise the real AWS endpoint for region).
// When accessKeyID/secretAccessKey are non-empty they are pinned as a
// static credentials provider instead of falling through to the ambient
// credential chain.
func NewAWSAdapter(ctx context.Context, regionTag, region, endpoint, accessKeyID, secretAccessKey string) (*AWSAdapter, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKeyID != "" && secretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternalError, err, "load aws config").
			WithComponent("backend.aws").WithOperation("NewAWSAdapter")
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return &AWSAdapter{client: client, regionTag: regionTag}, nil
}

func (a *AWSAdapter) RegionTag() string { return a.regionTag }

func (a *AWSAdapter) HeadBucket(ctx context.Context, bucket string) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	return wrapAWSErr(err, "HeadBucket")
}

func (a *AWSAdapter) CreateBucket(ctx context.Context, bucket string) error {
	_, err := a.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	return wrapAWSErr(err, "CreateBucket")
}

func (a *AWSAdapter) DeleteBucket(ctx context.Context, bucket string) error {
	_, err := a.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)})
	return wrapAWSErr(err, "DeleteBucket")
}

func (a *AWSAdapter) PutBucketVersioning(ctx context.Context, bucket string, mode model.VersioningMode) error {
	status := s3types.BucketVersioningStatusSuspended
	if mode == model.VersioningEnabled {
		status = s3types.BucketVersioningStatusEnabled
	}
	_, err := a.client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket:                  aws.String(bucket),
		VersioningConfiguration: &s3types.VersioningConfiguration{Status: status},
	})
	return wrapAWSErr(err, "PutBucketVersioning")
}

func (a *AWSAdapter) HeadObject(ctx context.Context, bucket, key string) (model.ObjectResult, error) {
	out, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return model.ObjectResult{}, wrapAWSErr(err, "HeadObject")
	}
	return toResult(out.ETag, out.ContentLength, out.LastModified, out.VersionId), nil
}

func (a *AWSAdapter) GetObject(ctx context.Context, bucket, key string, rng *Range) (io.ReadCloser, model.ObjectResult, error) {
	in := &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}
	if rng != nil {
		in.Range = aws.String(formatRange(rng))
	}
	out, err := a.client.GetObject(ctx, in)
	if err != nil {
		return nil, model.ObjectResult{}, wrapAWSErr(err, "GetObject")
	}
	return out.Body, toResult(out.ETag, out.ContentLength, out.LastModified, out.VersionId), nil
}

func (a *AWSAdapter) PutObject(ctx context.Context, bucket, key string, body Stream) (model.ObjectResult, error) {
	out, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          body.Body,
		ContentLength: aws.Int64(body.RemainingLength),
	})
	if err != nil {
		return model.ObjectResult{}, wrapAWSErr(err, "PutObject")
	}
	return toResult(out.ETag, aws.Int64(body.RemainingLength), nil, out.VersionId), nil
}

// toResult assembles a model.ObjectResult from the loosely-optional fields
// the AWS SDK returns across Head/Get/Put responses.
func toResult(etag *string, size *int64, lastModified *time.Time, versionID *string) model.ObjectResult {
	res := model.ObjectResult{ETag: aws.ToString(etag), PhysicalVersionID: aws.ToString(versionID)}
	if size != nil {
		res.Size = *size
	}
	if lastModified != nil {
		res.LastModified = *lastModified
	}
	return res
}

func (a *AWSAdapter) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	return wrapAWSErr(err, "DeleteObject")
}

func (a *AWSAdapter) CopyObject(ctx context.Context, bucket, key string, src CopySource) (model.ObjectResult, error) {
	out, err := a.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(bucket),
		Key:        aws.String(key),
		CopySource: aws.String(src.Bucket + "/" + src.Key),
	})
	if err != nil {
		return model.ObjectResult{}, wrapAWSErr(err, "CopyObject")
	}
	var etag *string
	if out.CopyObjectResult != nil {
		etag = out.CopyObjectResult.ETag
	}
	return model.ObjectResult{ETag: aws.ToString(etag), PhysicalVersionID: aws.ToString(out.VersionId)}, nil
}

func (a *AWSAdapter) CreateMultipartUpload(ctx context.Context, bucket, key string) (string, error) {
	out, err := a.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return "", wrapAWSErr(err, "CreateMultipartUpload")
	}
	return aws.ToString(out.UploadId), nil
}

func (a *AWSAdapter) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, body Stream) (model.ObjectResult, error) {
	out, err := a.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          body.Body,
		ContentLength: aws.Int64(body.RemainingLength),
	})
	if err != nil {
		return model.ObjectResult{}, wrapAWSErr(err, "UploadPart")
	}
	return model.ObjectResult{ETag: aws.ToString(out.ETag), Size: body.RemainingLength}, nil
}

func (a *AWSAdapter) UploadPartCopy(ctx context.Context, bucket, key, uploadID string, partNumber int, src CopySource) (model.ObjectResult, error) {
	in := &s3.UploadPartCopyInput{
		Bucket:     aws.String(bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(int32(partNumber)),
		CopySource: aws.String(src.Bucket + "/" + src.Key),
	}
	if src.Range != nil {
		in.CopySourceRange = aws.String(formatRange(src.Range))
	}
	out, err := a.client.UploadPartCopy(ctx, in)
	if err != nil {
		return model.ObjectResult{}, wrapAWSErr(err, "UploadPartCopy")
	}
	var etag string
	if out.CopyPartResult != nil {
		etag = aws.ToString(out.CopyPartResult.ETag)
	}
	return model.ObjectResult{ETag: etag}, nil
}

func (a *AWSAdapter) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []model.Part) (model.ObjectResult, error) {
	completedParts := make([]s3types.CompletedPart, len(parts))
	for i, p := range parts {
		completedParts[i] = s3types.CompletedPart{
			PartNumber: aws.Int32(int32(p.PartNumber)),
			ETag:       aws.String(p.ETag),
		}
	}
	out, err := a.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completedParts},
	})
	if err != nil {
		return model.ObjectResult{}, wrapAWSErr(err, "CompleteMultipartUpload")
	}
	return model.ObjectResult{ETag: aws.ToString(out.ETag), PhysicalVersionID: aws.ToString(out.VersionId)}, nil
}

func (a *AWSAdapter) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	_, err := a.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket: aws.String(bucket), Key: aws.String(key), UploadId: aws.String(uploadID),
	})
	return wrapAWSErr(err, "AbortMultipartUpload")
}

func (a *AWSAdapter) Close() error { return nil }

func wrapAWSErr(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(errors.ErrCodeInternalError, err, fmt.Sprintf("aws %s failed", op)).
		WithComponent("backend.aws").WithOperation(op)
}

func formatRange(r *Range) string {
	if !r.LastValid {
		return fmt.Sprintf("bytes=%d-", r.First)
	}
	return fmt.Sprintf("bytes=%d-%d", r.First, r.Last)
}

