package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/moored/moor/pkg/log"
	"github.com/moored/moor/pkg/transport"
	"github.com/moored/moor/pkg/types"
)

// DefaultDefinition is the build definition synthesized for trees that
// ship no Dockerfile: a thin static web server image serving the tree's
// files on port 80.
const DefaultDefinition = `FROM nginx:alpine
COPY . /usr/share/nginx/html
EXPOSE 80
`

// buildTimeout bounds a remote image build.
const buildTimeout = 15 * time.Minute

// Builder produces a runnable container image from a working tree. The
// definition is prepared locally before transfer; the image itself is
// built on the target through its docker CLI.
type Builder struct {
	runner transport.Runner
	logger zerolog.Logger
}

// New creates a builder that runs docker on the given target runner.
func New(runner transport.Runner) *Builder {
	return &Builder{
		runner: runner,
		logger: log.WithComponent("build"),
	}
}

// EnsureDefinition synthesizes the default build definition into the
// tree when none is present, and persists it so every subsequent run
// builds from the same definition. Returns whether a definition was
// synthesized.
func (b *Builder) EnsureDefinition(tree *types.WorkingTree) (bool, error) {
	dockerfile := filepath.Join(tree.Path, "Dockerfile")
	if _, err := os.Stat(dockerfile); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("checking build definition: %w", err)
	}

	b.logger.Info().Str("path", dockerfile).Msg("no build definition found, synthesizing static-content default")
	if err := os.WriteFile(dockerfile, []byte(DefaultDefinition), 0o644); err != nil {
		return false, fmt.Errorf("writing build definition: %w", err)
	}
	return true, nil
}

// ImageRef derives the deterministic image reference for an app at a
// revision: the tag is the short commit hash, so rebuilding the same
// revision yields the same reference.
func ImageRef(appName, revision string) types.ImageRef {
	tag := revision
	if len(tag) > 12 {
		tag = tag[:12]
	}
	if tag == "" {
		tag = "latest"
	}
	return types.ImageRef{Name: appName, Tag: tag}
}

// Build runs docker build in the remote application directory. A build
// failure is fatal to the run and must never trigger a release of a
// half-built artifact; the caller only proceeds on a nil error.
func (b *Builder) Build(ctx context.Context, remoteDir string, image types.ImageRef) (types.ImageRef, error) {
	b.logger.Info().Str("image", image.String()).Str("dir", remoteDir).Msg("building image")

	// sudo: docker group membership granted during provisioning only
	// applies to sessions opened after the change
	cmd := fmt.Sprintf("cd %s && sudo -n docker build -t %s .", remoteDir, image)
	if _, err := b.runner.Run(ctx, cmd, transport.Options{Timeout: buildTimeout}); err != nil {
		return types.ImageRef{}, fmt.Errorf("building image %s: %w", image, err)
	}

	return image, nil
}
