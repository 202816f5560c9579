// Package objectstore provides a NATS-based implementation of the ObjectStore and
// ResultsStore interfaces.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/book-expert/voice-swap-service/internal/core"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NatsObjectStore implements core.ObjectStore and core.ResultsStore using NATS JetStream.
type NatsObjectStore struct {
	jetstreamContext nats.JetStreamContext
	bucket           string
	store            nats.ObjectStore
}

// New creates and initializes a new NatsObjectStore.
func New(jetstreamContext nats.JetStreamContext, bucketName string) (*NatsObjectStore, error) {
	// Use a "create-first" approach.
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Voice-swap storage for the %s bucket.", bucketName),
		TTL:         0,
		MaxBytes:    0,
		Storage:     nats.FileStorage,
		Replicas:    1,
		Placement:   nil,
		Metadata:    nil,
		Compression: false,
	})

	// If the bucket already exists, bind to it.
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}

		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsObjectStore{
		jetstreamContext: jetstreamContext,
		bucket:           bucketName,
		store:            store,
	}, nil
}

// Bucket returns the bucket name.
func (n *NatsObjectStore) Bucket() string {
	return n.bucket
}

// Download retrieves an object from the NATS object store.
func (n *NatsObjectStore) Download(_ context.Context, key string) ([]byte, error) {
	obj, err := n.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return data, nil
}

// Upload saves an object to the NATS object store, replacing any previous version.
func (n *NatsObjectStore) Upload(_ context.Context, key string, data []byte) error {
	return n.put(key, bytes.NewReader(data))
}

// Store uploads the artifact at artifactPath under core.ResultKey(jobID). It refuses
// to replace an object that already exists under that key.
func (n *NatsObjectStore) Store(ctx context.Context, jobID, artifactPath string) (string, error) {
	ctxErr := ctx.Err()
	if ctxErr != nil {
		return "", fmt.Errorf("%w: %w", core.ErrCanceled, ctxErr)
	}

	key := core.ResultKey(jobID)

	_, infoErr := n.store.GetInfo(key)
	if infoErr == nil {
		return "", fmt.Errorf("%w: %s in bucket '%s'", core.ErrArtifactExists, key, n.bucket)
	}

	if !errors.Is(infoErr, nats.ErrObjectNotFound) {
		return "", fmt.Errorf("%w: failed to inspect object '%s': %w", core.ErrIO, key, infoErr)
	}

	file, err := os.Open(artifactPath)
	if err != nil {
		return "", fmt.Errorf("%w: %w", core.ErrIO, err)
	}
	defer file.Close()

	putErr := n.put(key, file)
	if putErr != nil {
		return "", fmt.Errorf("%w: %w", core.ErrIO, putErr)
	}

	return key, nil
}

// Fetch retrieves a stored result.
func (n *NatsObjectStore) Fetch(ctx context.Context, key string) ([]byte, error) {
	return n.Download(ctx, key)
}

func (n *NatsObjectStore) put(key string, reader io.Reader) error {
	_, err := n.store.Put(&nats.ObjectMeta{
		Name:        key,
		Description: "",
		Headers:     nil,
		Metadata:    nil,
		Opts:        nil,
	}, reader)
	if err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}
