// Package storage stores documents in Azure Blob Storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"go.uber.org/zap"
)

// BlobStore uploads and downloads JSON documents.
type BlobStore interface {
	Upload(ctx context.Context, path string, data []byte, metadata map[string]string) (string, error)
	Download(ctx context.Context, reference string) ([]byte, error)
}

// Azurite well-known development account.
const (
	devAccountName = "devstoreaccount1"
	devAccountKey  = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="
	devEndpoint    = "http://127.0.0.1:10000/devstoreaccount1"
)

// AzureBlobClient is a BlobStore backed by one container, authenticated with
// a shared key. Plain HTTP endpoints such as a local Azurite are allowed.
type AzureBlobClient struct {
	client     *azblob.Client
	serviceURL string
	container  string
	logger     *zap.Logger

	mu    sync.Mutex
	ready bool
}

var _ BlobStore = (*AzureBlobClient)(nil)

// NewAzureBlobClient creates a client from a storage connection string.
func NewAzureBlobClient(connectionString, container string, logger *zap.Logger) (*AzureBlobClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if connectionString == "" {
		return nil, errors.New("connection string is required")
	}
	if container == "" {
		return nil, errors.New("container name is required")
	}

	account, err := parseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}

	credential, err := azblob.NewSharedKeyCredential(account.name, account.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared key credential: %w", err)
	}

	var opts *azblob.ClientOptions
	if strings.HasPrefix(strings.ToLower(account.endpoint), "http://") {
		opts = &azblob.ClientOptions{
			ClientOptions: azcore.ClientOptions{InsecureAllowCredentialWithHTTP: true},
		}
	}

	client, err := azblob.NewClientWithSharedKeyCredential(account.endpoint, credential, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	return &AzureBlobClient{
		client:     client,
		serviceURL: strings.TrimRight(account.endpoint, "/"),
		container:  container,
		logger:     logger,
	}, nil
}

// Upload writes data to path, creating the container on first use, and
// returns the blob URL.
func (a *AzureBlobClient) Upload(ctx context.Context, path string, data []byte, metadata map[string]string) (string, error) {
	if err := a.ensureContainer(ctx); err != nil {
		return "", err
	}

	meta := make(map[string]*string, len(metadata))
	for k, v := range metadata {
		meta[k] = to.Ptr(v)
	}

	blobClient := a.client.ServiceClient().NewContainerClient(a.container).NewBlockBlobClient(path)
	_, err := blobClient.UploadBuffer(ctx, data, &azblob.UploadBufferOptions{
		Metadata:    meta,
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr("application/json")},
	})
	if err != nil {
		a.logger.Error("Failed to upload blob",
			zap.String("blobPath", path),
			zap.Int("sizeBytes", len(data)),
			zap.Error(err))
		return "", fmt.Errorf("blob upload failed: %w", err)
	}

	a.logger.Debug("Uploaded blob",
		zap.String("blobPath", path),
		zap.Int("sizeBytes", len(data)))
	return blobClient.URL(), nil
}

// Download reads the blob named by reference, a blob URL or a path inside
// the container.
func (a *AzureBlobClient) Download(ctx context.Context, reference string) ([]byte, error) {
	path, err := a.blobPath(reference)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.DownloadStream(ctx, a.container, path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download blob: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob data: %w", err)
	}
	return data, nil
}

func (a *AzureBlobClient) ensureContainer(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ready {
		return nil
	}

	_, err := a.client.CreateContainer(ctx, a.container, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("failed to ensure container: %w", err)
	}
	a.ready = true
	return nil
}

// blobPath strips the service URL, container, query and escaping from reference.
func (a *AzureBlobClient) blobPath(reference string) (string, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return "", errors.New("blob reference is required")
	}

	if strings.HasPrefix(strings.ToLower(ref), strings.ToLower(a.serviceURL)) {
		ref = ref[len(a.serviceURL):]
	} else if u, err := url.Parse(ref); err == nil && u.Host != "" {
		ref = u.Path
	}
	if idx := strings.Index(ref, "?"); idx != -1 {
		ref = ref[:idx]
	}
	if decoded, err := url.PathUnescape(ref); err == nil {
		ref = decoded
	}

	ref = strings.TrimPrefix(ref, "/")
	ref = strings.TrimPrefix(ref, a.container+"/")
	if ref == "" {
		return "", errors.New("blob path is empty")
	}
	return ref, nil
}

type account struct {
	name     string
	key      string
	endpoint string
}

func parseConnectionString(connectionString string) (account, error) {
	params := make(map[string]string)
	for _, part := range strings.Split(connectionString, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || key == "" {
			continue
		}
		params[key] = value
	}

	if strings.EqualFold(params["UseDevelopmentStorage"], "true") {
		return account{name: devAccountName, key: devAccountKey, endpoint: devEndpoint}, nil
	}

	acc := account{
		name:     params["AccountName"],
		key:      params["AccountKey"],
		endpoint: params["BlobEndpoint"],
	}
	if acc.name == "" || acc.key == "" {
		return account{}, errors.New("account name and key are required in the connection string")
	}
	if acc.endpoint == "" {
		protocol := params["DefaultEndpointsProtocol"]
		if protocol == "" {
			protocol = "https"
		}
		suffix := params["EndpointSuffix"]
		if suffix == "" {
			suffix = "core.windows.net"
		}
		acc.endpoint = fmt.Sprintf("%s://%s.blob.%s", protocol, acc.name, suffix)
	}
	return acc, nil
}
