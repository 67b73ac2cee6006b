package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/google/uuid"

	"github.com/skystore/skyproxy/internal/model"
	"github.com/skystore/skyproxy/pkg/errors"
)

// AzureAdapter emulates S3 multipart upload via Azure's block-blob model.
// Block ids are fixed at four digits because Azure demands equal-length
// block ids within one blob's uncommitted set.
type AzureAdapter struct {
	client    *azblob.Client
	regionTag string
}

// NewAzureAdapter builds an Azure adapter from a storage account name and
// access key (STORAGE_ACCOUNT / STORAGE_ACCESS_KEY).
func NewAzureAdapter(ctx context.Context, regionTag, account, accessKey string) (*AzureAdapter, error) {
	cred, err := azblob.NewSharedKeyCredential(account, accessKey)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternalError, err, "build azure credential").
			WithComponent("backend.azure").WithOperation("NewAzureAdapter")
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternalError, err, "build azure client").
			WithComponent("backend.azure").WithOperation("NewAzureAdapter")
	}
	return &AzureAdapter{client: client, regionTag: regionTag}, nil
}

func (a *AzureAdapter) RegionTag() string { return a.regionTag }

func (a *AzureAdapter) blockBlob(containerName, blobName string) *blockblob.Client {
	return a.client.ServiceClient().NewContainerClient(containerName).NewBlockBlobClient(blobName)
}

func (a *AzureAdapter) HeadBucket(ctx context.Context, bucket string) error {
	_, err := a.client.ServiceClient().NewContainerClient(bucket).GetProperties(ctx, nil)
	return wrapAzureErr(err, "HeadBucket")
}

func (a *AzureAdapter) CreateBucket(ctx context.Context, bucket string) error {
	_, err := a.client.CreateContainer(ctx, bucket, nil)
	return wrapAzureErr(err, "CreateBucket")
}

func (a *AzureAdapter) DeleteBucket(ctx context.Context, bucket string) error {
	_, err := a.client.DeleteContainer(ctx, bucket, nil)
	return wrapAzureErr(err, "DeleteBucket")
}

// PutBucketVersioning is unsupported: Azure has no container-level
// versioning toggle equivalent to S3's.
func (a *AzureAdapter) PutBucketVersioning(ctx context.Context, bucket string, mode model.VersioningMode) error {
	return errors.New(errors.ErrCodeNotImplemented, "azure does not support bucket-level versioning").
		WithComponent("backend.azure").WithOperation("PutBucketVersioning")
}

func (a *AzureAdapter) HeadObject(ctx context.Context, bucket, key string) (model.ObjectResult, error) {
	resp, err := a.blockBlob(bucket, key).GetProperties(ctx, nil)
	if err != nil {
		return model.ObjectResult{}, wrapAzureErr(err, "HeadObject")
	}
	return model.ObjectResult{
		ETag:         string(*resp.ETag),
		Size:         *resp.ContentLength,
		LastModified: *resp.LastModified,
	}, nil
}

func (a *AzureAdapter) GetObject(ctx context.Context, bucket, key string, rng *Range) (io.ReadCloser, model.ObjectResult, error) {
	opts := &blob.DownloadStreamOptions{}
	if rng != nil {
		count := int64(0)
		if rng.LastValid {
			count = rng.Last - rng.First + 1
		}
		opts.Range = blob.HTTPRange{Offset: rng.First, Count: count}
	}
	resp, err := a.blockBlob(bucket, key).DownloadStream(ctx, opts)
	if err != nil {
		return nil, model.ObjectResult{}, wrapAzureErr(err, "GetObject")
	}
	return resp.Body, model.ObjectResult{
		ETag:         string(*resp.ETag),
		Size:         *resp.ContentLength,
		LastModified: *resp.LastModified,
	}, nil
}

func (a *AzureAdapter) PutObject(ctx context.Context, bucket, key string, body Stream) (model.ObjectResult, error) {
	resp, err := a.blockBlob(bucket, key).UploadStream(ctx, body.Body, nil)
	if err != nil {
		return model.ObjectResult{}, wrapAzureErr(err, "PutObject")
	}
	return model.ObjectResult{ETag: string(*resp.ETag), Size: body.RemainingLength}, nil
}

func (a *AzureAdapter) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := a.blockBlob(bucket, key).Delete(ctx, nil)
	return wrapAzureErr(err, "DeleteObject")
}

func (a *AzureAdapter) CopyObject(ctx context.Context, bucket, key string, src CopySource) (model.ObjectResult, error) {
	srcURL := a.blockBlob(src.Bucket, src.Key).URL()
	resp, err := a.blockBlob(bucket, key).StartCopyFromURL(ctx, srcURL, nil)
	if err != nil {
		return model.ObjectResult{}, wrapAzureErr(err, "CopyObject")
	}
	res := model.ObjectResult{}
	if resp.ETag != nil {
		res.ETag = string(*resp.ETag)
	}
	if resp.LastModified != nil {
		res.LastModified = *resp.LastModified
	}
	return res, nil
}

// CreateMultipartUpload needs no provider-side call: Azure has no create-
// multipart-upload concept, blocks are simply staged against the final
// blob name.
func (a *AzureAdapter) CreateMultipartUpload(ctx context.Context, bucket, key string) (string, error) {
	return uuid.NewString(), nil
}

// blockID formats the fixed four-digit block id Azure requires for
// equal-length uncommitted block ids within one blob.
func blockID(uploadID string, partNumber int) string {
	return fmt.Sprintf("%s-%04d", uploadID, partNumber)
}

func (a *AzureAdapter) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, body Stream) (model.ObjectResult, error) {
	id := blockID(uploadID, partNumber)
	data, err := io.ReadAll(body.Body)
	if err != nil {
		return model.ObjectResult{}, wrapAzureErr(err, "UploadPart")
	}
	_, err = a.blockBlob(bucket, key).StageBlock(ctx, id, streamFromBytes(data), nil)
	if err != nil {
		return model.ObjectResult{}, wrapAzureErr(err, "UploadPart")
	}
	return model.ObjectResult{Size: int64(len(data))}, nil
}

// UploadPartCopy acquires a 2-day read SAS on the source blob and stages a
// block from the resulting URL.
func (a *AzureAdapter) UploadPartCopy(ctx context.Context, bucket, key, uploadID string, partNumber int, src CopySource) (model.ObjectResult, error) {
	id := blockID(uploadID, partNumber)
	srcClient := a.blockBlob(src.Bucket, src.Key)

	perms := sas.BlobPermissions{Read: true}
	sasURL, err := srcClient.GetSASURL(perms, time.Now().Add(48*time.Hour), nil)
	if err != nil {
		return model.ObjectResult{}, wrapAzureErr(err, "UploadPartCopy")
	}

	opts := &blockblob.StageBlockFromURLOptions{}
	if src.Range != nil {
		count := int64(0)
		if src.Range.LastValid {
			count = src.Range.Last - src.Range.First + 1
		}
		opts.Range = blob.HTTPRange{Offset: src.Range.First, Count: count}
	}

	_, err = a.blockBlob(bucket, key).StageBlockFromURL(ctx, id, sasURL, opts)
	if err != nil {
		return model.ObjectResult{}, wrapAzureErr(err, "UploadPartCopy")
	}
	return model.ObjectResult{}, nil
}

func (a *AzureAdapter) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []model.Part) (model.ObjectResult, error) {
	ids := make([]string, len(parts))
	for i, p := range parts {
		ids[i] = blockID(uploadID, p.PartNumber)
	}
	resp, err := a.blockBlob(bucket, key).CommitBlockList(ctx, ids, nil)
	if err != nil {
		return model.ObjectResult{}, wrapAzureErr(err, "CompleteMultipartUpload")
	}
	res := model.ObjectResult{}
	if resp.ETag != nil {
		res.ETag = string(*resp.ETag)
	}
	return res, nil
}

// AbortMultipartUpload cannot delete individual uncommitted blocks (Azure
// has no such primitive), so it reads the uncommitted block list and
// commits only the blocks that do NOT belong to this upload. This leaves
// unrelated in-flight uploads' blocks intact.
func (a *AzureAdapter) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	client := a.blockBlob(bucket, key)
	list, err := client.GetBlockList(ctx, blockblob.BlockListTypeUncommitted, nil)
	if err != nil {
		return wrapAzureErr(err, "AbortMultipartUpload")
	}

	prefix := uploadID + "-"
	var retain []string
	if list.UncommittedBlocks != nil {
		for _, b := range list.UncommittedBlocks {
			if b.Name == nil {
				continue
			}
			if !strings.HasPrefix(*b.Name, prefix) {
				retain = append(retain, *b.Name)
			}
		}
	}

	_, err = client.CommitBlockList(ctx, retain, nil)
	return wrapAzureErr(err, "AbortMultipartUpload")
}

func (a *AzureAdapter) Close() error { return nil }

func wrapAzureErr(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(errors.ErrCodeInternalError, err, fmt.Sprintf("azure %s failed", op)).
		WithComponent("backend.azure").WithOperation(op)
}

// streamFromBytes adapts a byte slice to the io.ReadSeekCloser StageBlock
// requires, since Azure's SDK may retry a single PUT and needs a
// resettable stream with a known length. UploadPart reads the whole part
// into memory before staging it, so memory use grows with the part size.
func streamFromBytes(data []byte) io.ReadSeekCloser {
	return nopCloser{bytes.NewReader(data)}
}

type nopCloser struct {
	*bytes.Reader
}

func (nopCloser) Close() error { return nil }
