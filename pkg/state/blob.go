package state

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	sdkerrors "github.com/wehubfusion/brickrunner/pkg/errors"
	"go.uber.org/zap"
)

// BlobStore keeps each state value as a JSON blob in an Azure container.
// HTTP endpoints (Azurite) are accepted with shared-key credentials.
type BlobStore struct {
	client        *azblob.Client
	containerName string
	logger        *zap.Logger

	initMu        sync.Mutex
	containerInit bool
}

// NewBlobStore creates a store from a standard storage connection string.
func NewBlobStore(connectionString, containerName string, logger *zap.Logger) (*BlobStore, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if connectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if containerName == "" {
		return nil, fmt.Errorf("container name is required")
	}

	params := parseConnectionString(connectionString)
	accountName := params["AccountName"]
	accountKey := params["AccountKey"]
	serviceURL := params["BlobEndpoint"]
	if accountName == "" || accountKey == "" {
		return nil, fmt.Errorf("account name and key are required in the connection string")
	}
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", accountName)
	}

	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared key credential: %w", err)
	}

	var clientOpts *azblob.ClientOptions
	if strings.HasPrefix(strings.ToLower(serviceURL), "http://") {
		clientOpts = &azblob.ClientOptions{
			ClientOptions: azcore.ClientOptions{
				InsecureAllowCredentialWithHTTP: true,
			},
		}
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	return &BlobStore{
		client:        client,
		containerName: containerName,
		logger:        logger.Named("state"),
	}, nil
}

func blobName(key string) string {
	return key + ".json"
}

func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.DownloadStream(ctx, s.containerName, blobName(key), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, sdkerrors.ErrStateNotFound
		}
		return nil, fmt.Errorf("failed to download state %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read state %s: %w", key, err)
	}
	return data, nil
}

func (s *BlobStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.ensureContainer(ctx); err != nil {
		return err
	}

	_, err := s.client.UploadBuffer(ctx, s.containerName, blobName(key), value, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr("application/json"),
		},
	})
	if err != nil {
		s.logger.Error("Failed to upload state",
			zap.String("key", key),
			zap.Int("size", len(value)),
			zap.Error(err))
		return fmt.Errorf("blob upload failed: %w", err)
	}
	return nil
}

func (s *BlobStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteBlob(ctx, s.containerName, blobName(key), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete state %s: %w", key, err)
	}
	return nil
}

func (s *BlobStore) ensureContainer(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.containerInit {
		return nil
	}

	_, err := s.client.CreateContainer(ctx, s.containerName, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("failed to ensure container: %w", err)
	}
	s.containerInit = true
	return nil
}

func parseConnectionString(connectionString string) map[string]string {
	parts := strings.Split(connectionString, ";")
	params := make(map[string]string, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.Index(part, "=")
		if idx <= 0 {
			continue
		}
		params[part[:idx]] = part[idx+1:]
	}
	return params
}
