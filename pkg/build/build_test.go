package build

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moored/moor/pkg/transport/transporttest"
	"github.com/moored/moor/pkg/types"
)

func TestEnsureDefinition_SynthesizesWhenMissing(t *testing.T) {
	dir := t.TempDir()
	b := New(transporttest.New())

	synthesized, err := b.EnsureDefinition(&types.WorkingTree{Path: dir})
	require.NoError(t, err)
	assert.True(t, synthesized)

	data, err := os.ReadFile(filepath.Join(dir, "Dockerfile"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "FROM nginx:alpine")
	assert.Contains(t, string(data), "EXPOSE 80")
}

func TestEnsureDefinition_KeepsExisting(t *testing.T) {
	dir := t.TempDir()
	custom := "FROM golang:1.25\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(custom), 0o644))

	b := New(transporttest.New())
	synthesized, err := b.EnsureDefinition(&types.WorkingTree{Path: dir})
	require.NoError(t, err)
	assert.False(t, synthesized)

	data, err := os.ReadFile(filepath.Join(dir, "Dockerfile"))
	require.NoError(t, err)
	assert.Equal(t, custom, string(data))
}

func TestEnsureDefinition_IsIdempotent(t *testing.T) {
	dir := t.TempDir()
	b := New(transporttest.New())
	tree := &types.WorkingTree{Path: dir}

	_, err := b.EnsureDefinition(tree)
	require.NoError(t, err)

	synthesized, err := b.EnsureDefinition(tree)
	require.NoError(t, err)
	assert.False(t, synthesized, "second run must see the persisted definition")
}

func TestImageRef_Deterministic(t *testing.T) {
	ref := ImageRef("app", "0123456789abcdef0123")
	assert.Equal(t, "app:0123456789ab", ref.String())

	again := ImageRef("app", "0123456789abcdef0123")
	assert.Equal(t, ref, again)
}

func TestImageRef_EmptyRevision(t *testing.T) {
	ref := ImageRef("app", "")
	assert.Equal(t, "app:latest", ref.String())
}

func TestBuild_RunsDockerBuildInRemoteDir(t *testing.T) {
	fake := transporttest.New()
	b := New(fake)

	ref, err := b.Build(context.Background(), "app", types.ImageRef{Name: "app", Tag: "abc123"})
	require.NoError(t, err)
	assert.Equal(t, "app:abc123", ref.String())

	require.Len(t, fake.Calls, 1)
	assert.Contains(t, fake.Calls[0].Command, "cd app &&")
	assert.Contains(t, fake.Calls[0].Command, "docker build -t app:abc123 .")
}

func TestBuild_FailureIsFatal(t *testing.T) {
	fake := transporttest.New().
		Fail("docker build", 1, "no space left on device")

	b := New(fake)
	_, err := b.Build(context.Background(), "app", types.ImageRef{Name: "app", Tag: "abc123"})
	require.Error(t, err)

	var cmdErr *types.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Contains(t, cmdErr.Stderr, "no space left")
}
