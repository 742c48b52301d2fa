package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

// S3API is the subset of the S3 client the backend uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// LockAPI is the subset of the DynamoDB client used for the write lock.
type LockAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

var (
	_ S3API   = (*s3.Client)(nil)
	_ LockAPI = (*dynamodb.Client)(nil)
)

// S3Backend stores the snapshot as one S3 object and locks through a
// conditional write to a DynamoDB table keyed by LockID.
type S3Backend struct {
	s3        S3API
	locks     LockAPI
	bucket    string
	key       string
	lockTable string
}

// NewS3Backend creates an S3 backend. A nil lock client or empty lock table
// leaves the backend without a write lock.
func NewS3Backend(s3Client S3API, locks LockAPI, bucket, key, lockTable string) *S3Backend {
	return &S3Backend{s3: s3Client, locks: locks, bucket: bucket, key: key, lockTable: lockTable}
}

func (b *S3Backend) Location() string {
	return fmt.Sprintf("s3://%s/%s", b.bucket, b.key)
}

func (b *S3Backend) Read(ctx context.Context) ([]byte, error) {
	out, err := b.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
	})
	if err != nil {
		var missing *s3types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, nil
		}
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (b *S3Backend) Write(ctx context.Context, data []byte) error {
	_, err := b.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	return err
}

func (b *S3Backend) Lock(ctx context.Context) (func() error, error) {
	if b.locks == nil || b.lockTable == "" {
		return func() error { return nil }, nil
	}
	lockID := b.bucket + "/" + b.key
	owner := lockOwner()
	_, err := b.locks.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.lockTable),
		Item: map[string]ddbtypes.AttributeValue{
			"LockID":    &ddbtypes.AttributeValueMemberS{Value: lockID},
			"Owner":     &ddbtypes.AttributeValueMemberS{Value: owner},
			"CreatedAt": &ddbtypes.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID)"),
	})
	if err != nil {
		var held *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &held) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, lockID)
		}
		return nil, err
	}
	return func() error {
		_, err := b.locks.DeleteItem(context.Background(), &dynamodb.DeleteItemInput{
			TableName: aws.String(b.lockTable),
			Key: map[string]ddbtypes.AttributeValue{
				"LockID": &ddbtypes.AttributeValueMemberS{Value: lockID},
			},
			ConditionExpression: aws.String("#owner = :owner"),
			ExpressionAttributeNames: map[string]string{
				"#owner": "Owner",
			},
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":owner": &ddbtypes.AttributeValueMemberS{Value: owner},
			},
		})
		return err
	}, nil
}

func lockOwner() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString())
}
