package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendeck/parley/internal/domain"
	"github.com/opendeck/parley/internal/testutil"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parley.json")
	st, err := NewFileStore(path, testutil.Logger())
	require.NoError(t, err)
	return st
}

func TestFileStoreMissingFileYieldsEmptyDocument(t *testing.T) {
	st := newTestFileStore(t)

	doc, err := st.Read(context.Background())
	require.NoError(t, err)
	assert.Empty(t, doc.Users)
	assert.Empty(t, doc.Servers)
}

func TestFileStoreRoundTrip(t *testing.T) {
	st := newTestFileStore(t)
	ctx := context.Background()

	doc := domain.NewDocument()
	doc.Users = append(doc.Users, domain.User{ID: domain.NewID(), Username: "ada"})
	doc.Servers = append(doc.Servers, domain.Server{
		ID:   domain.NewID(),
		Name: "lounge",
		Channels: []domain.Channel{
			{ID: domain.NewID(), Name: "general", Type: domain.ChannelTypeText, Messages: []domain.Message{}},
			{ID: domain.NewID(), Name: "voice", Type: domain.ChannelTypeVoice},
		},
	})

	require.NoError(t, st.Write(ctx, doc))

	got, err := st.Read(ctx)
	require.NoError(t, err)
	require.Len(t, got.Users, 1)
	assert.Equal(t, "ada", got.Users[0].Username)
	require.Len(t, got.Servers, 1)
	assert.Len(t, got.Servers[0].Channels, 2)
}

func TestFileStoreCorruptFileYieldsEmptyDocument(t *testing.T) {
	st := newTestFileStore(t)

	require.NoError(t, os.WriteFile(st.path, []byte("{not json"), 0o644))

	doc, err := st.Read(context.Background())
	require.NoError(t, err)
	assert.Empty(t, doc.Users)
	assert.Empty(t, doc.Servers)
}

func TestFileStoreWriteLeavesNoTempFile(t *testing.T) {
	st := newTestFileStore(t)
	ctx := context.Background()

	require.NoError(t, st.Write(ctx, domain.NewDocument()))

	_, err := os.Stat(st.path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestFileStoreOverwrite(t *testing.T) {
	st := newTestFileStore(t)
	ctx := context.Background()

	doc := domain.NewDocument()
	doc.Users = append(doc.Users, domain.User{ID: "u1", Username: "first"})
	require.NoError(t, st.Write(ctx, doc))

	doc.Users[0].Username = "second"
	require.NoError(t, st.Write(ctx, doc))

	got, err := st.Read(ctx)
	require.NoError(t, err)
	require.Len(t, got.Users, 1)
	assert.Equal(t, "second", got.Users[0].Username)
}
