package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Backblaze/blazer/b2"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"google.golang.org/api/option"
)

// S3Config configures S3-compatible access. Empty credentials fall back to
// the default AWS credential chain.
type S3Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// S3Fetcher handles s3://bucket/key. The client is built on first use.
type S3Fetcher struct {
	cfg    S3Config
	once   sync.Once
	client *s3.Client
	err    error
}

// NewS3Fetcher creates a fetcher for S3-compatible storage.
func NewS3Fetcher(cfg S3Config) *S3Fetcher {
	return &S3Fetcher{cfg: cfg}
}

func (f *S3Fetcher) init(ctx context.Context) (*s3.Client, error) {
	f.once.Do(func() {
		var opts []func(*awsconfig.LoadOptions) error
		if f.cfg.Region != "" {
			opts = append(opts, awsconfig.WithRegion(f.cfg.Region))
		}
		if f.cfg.AccessKeyID != "" && f.cfg.SecretAccessKey != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(f.cfg.AccessKeyID, f.cfg.SecretAccessKey, f.cfg.SessionToken),
			))
		}

		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			f.err = fmt.Errorf("load AWS config: %w", err)
			return
		}

		f.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if f.cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(f.cfg.Endpoint)
				o.UsePathStyle = true
			}
		})
	})
	return f.client, f.err
}

func (f *S3Fetcher) Fetch(ctx context.Context, src *url.URL, dst *os.File, progress ProgressFunc) (int64, error) {
	bucket, key, err := bucketKey(src)
	if err != nil {
		return 0, err
	}
	client, err := f.init(ctx)
	if err != nil {
		return 0, err
	}

	downloader := manager.NewDownloader(client, func(d *manager.Downloader) {
		d.Concurrency = 1
	})
	n, err := downloader.Download(ctx, dst, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return n, fmt.Errorf("s3 download %s/%s: %w", bucket, key, err)
	}
	if progress != nil {
		progress(n, n)
	}
	return n, nil
}

// GCSFetcher handles gs://bucket/object.
type GCSFetcher struct {
	credentialsFile string
	once            sync.Once
	client          *storage.Client
	err             error
}

// NewGCSFetcher creates a Google Cloud Storage fetcher. An empty
// credentialsFile uses application default credentials.
func NewGCSFetcher(credentialsFile string) *GCSFetcher {
	return &GCSFetcher{credentialsFile: credentialsFile}
}

func (f *GCSFetcher) init(ctx context.Context) (*storage.Client, error) {
	f.once.Do(func() {
		var opts []option.ClientOption
		if f.credentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(f.credentialsFile))
		}
		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			f.err = fmt.Errorf("create GCS client: %w", err)
			return
		}
		f.client = client
	})
	return f.client, f.err
}

func (f *GCSFetcher) Fetch(ctx context.Context, src *url.URL, dst *os.File, progress ProgressFunc) (int64, error) {
	bucket, key, err := bucketKey(src)
	if err != nil {
		return 0, err
	}
	client, err := f.init(ctx)
	if err != nil {
		return 0, err
	}

	r, err := client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return 0, fmt.Errorf("gcs open %s/%s: %w", bucket, key, err)
	}
	defer r.Close()

	return copyWithProgress(ctx, dst, r, r.Attrs.Size, progress)
}

// AzureFetcher handles azblob://container/blob.
type AzureFetcher struct {
	connectionString string
	once             sync.Once
	client           *azblob.Client
	err              error
}

// NewAzureFetcher creates an Azure Blob Storage fetcher.
func NewAzureFetcher(connectionString string) *AzureFetcher {
	return &AzureFetcher{connectionString: connectionString}
}

func (f *AzureFetcher) init() (*azblob.Client, error) {
	f.once.Do(func() {
		if f.connectionString == "" {
			f.err = errors.New("azure_connection_string is not configured")
			return
		}
		client, err := azblob.NewClientFromConnectionString(f.connectionString, nil)
		if err != nil {
			f.err = fmt.Errorf("create azure client: %w", err)
			return
		}
		f.client = client
	})
	return f.client, f.err
}

func (f *AzureFetcher) Fetch(ctx context.Context, src *url.URL, dst *os.File, progress ProgressFunc) (int64, error) {
	container, blob, err := bucketKey(src)
	if err != nil {
		return 0, err
	}
	client, err := f.init()
	if err != nil {
		return 0, err
	}

	resp, err := client.DownloadStream(ctx, container, blob, nil)
	if err != nil {
		return 0, fmt.Errorf("azure download %s/%s: %w", container, blob, err)
	}
	defer resp.Body.Close()

	total := int64(-1)
	if resp.ContentLength != nil {
		total = *resp.ContentLength
	}
	return copyWithProgress(ctx, dst, resp.Body, total, progress)
}

// B2Fetcher handles b2://bucket/file.
type B2Fetcher struct {
	accountID string
	appKey    string
	mu        sync.Mutex
	client    *b2.Client
}

// NewB2Fetcher creates a Backblaze B2 fetcher.
func NewB2Fetcher(accountID, applicationKey string) *B2Fetcher {
	return &B2Fetcher{accountID: accountID, appKey: applicationKey}
}

// b2 authorization is ctx-bound, so a failed attempt is retried on the
// next fetch rather than cached.
func (f *B2Fetcher) init(ctx context.Context) (*b2.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil {
		return f.client, nil
	}
	if f.accountID == "" || f.appKey == "" {
		return nil, errors.New("b2_account_id and b2_application_key are not configured")
	}
	client, err := b2.NewClient(ctx, f.accountID, f.appKey)
	if err != nil {
		return nil, fmt.Errorf("authorize b2: %w", err)
	}
	f.client = client
	return client, nil
}

func (f *B2Fetcher) Fetch(ctx context.Context, src *url.URL, dst *os.File, progress ProgressFunc) (int64, error) {
	bucketName, key, err := bucketKey(src)
	if err != nil {
		return 0, err
	}
	client, err := f.init(ctx)
	if err != nil {
		return 0, err
	}

	bucket, err := client.Bucket(ctx, bucketName)
	if err != nil {
		return 0, fmt.Errorf("b2 bucket %s: %w", bucketName, err)
	}

	obj := bucket.Object(key)
	total := int64(-1)
	if attrs, err := obj.Attrs(ctx); err == nil {
		total = attrs.Size
	}

	r := obj.NewReader(ctx)
	defer r.Close()
	return copyWithProgress(ctx, dst, r, total, progress)
}
