// Package resultstore_test tests the local results store.
package resultstore_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-swap-service/internal/core"
	"github.com/book-expert/voice-swap-service/internal/resultstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *resultstore.Local {
	t.Helper()

	log, err := logger.New(t.TempDir(), "resultstore-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	store, err := resultstore.NewLocal(filepath.Join(t.TempDir(), "results"), log)
	require.NoError(t, err)

	return store
}

func writeArtifact(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "mixed.wav")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLocal_StoreAndFetch(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	key, err := store.Store(ctx, "job-1", writeArtifact(t, "first"))
	require.NoError(t, err)
	assert.Equal(t, "result_job-1.wav", key)

	data, err := store.Fetch(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no staging files may be left behind")
}

func TestLocal_NeverOverwrites(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	_, err := store.Store(ctx, "job-1", writeArtifact(t, "first"))
	require.NoError(t, err)

	_, err = store.Store(ctx, "job-1", writeArtifact(t, "second"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrArtifactExists))
	assert.True(t, errors.Is(err, core.ErrIO))

	data, err := store.Fetch(ctx, core.ResultKey("job-1"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestLocal_ConcurrentJobsKeepTheirOwnResults(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()
	jobs := []string{"a", "b", "c", "d"}

	var wg sync.WaitGroup

	for _, jobID := range jobs {
		artifact := writeArtifact(t, "payload-"+jobID)

		wg.Add(1)

		go func() {
			defer wg.Done()

			_, storeErr := store.Store(ctx, jobID, artifact)
			assert.NoError(t, storeErr)
		}()
	}

	wg.Wait()

	for _, jobID := range jobs {
		data, err := store.Fetch(ctx, core.ResultKey(jobID))
		require.NoError(t, err)
		assert.Equal(t, "payload-"+jobID, string(data))
	}
}

func TestLocal_FetchRejectsTraversal(t *testing.T) {
	t.Parallel()

	_, err := newStore(t).Fetch(context.Background(), "../etc/passwd")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrConfiguration))
}
